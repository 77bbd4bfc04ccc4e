// Package pb defines the inventory.v1.ReservationService contract. Messages
// are plain structs carried by a JSON codec registered under the "json"
// content subtype, so no generated protobuf code is needed.
package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "inventory.v1.ReservationService"

const (
	ReservationService_Reserve_FullMethodName        = "/" + ServiceName + "/Reserve"
	ReservationService_Commit_FullMethodName         = "/" + ServiceName + "/Commit"
	ReservationService_Release_FullMethodName        = "/" + ServiceName + "/Release"
	ReservationService_GetReservation_FullMethodName = "/" + ServiceName + "/GetReservation"
)

type Reservation struct {
	Id        string `json:"id"`
	ItemId    string `json:"item_id"`
	OrderId   string `json:"order_id"`
	Quantity  int32  `json:"quantity"`
	State     string `json:"state"`
	CreatedAt int64  `json:"created_at"` // unix millis
	ExpiresAt int64  `json:"expires_at"` // unix millis
}

func (x *Reservation) GetId() string {
	if x != nil {
		return x.Id
	}
	return ""
}

func (x *Reservation) GetState() string {
	if x != nil {
		return x.State
	}
	return ""
}

type ReserveRequest struct {
	ItemId     string `json:"item_id"`
	OrderId    string `json:"order_id"`
	Quantity   int32  `json:"quantity"`
	TtlSeconds int64  `json:"ttl_seconds"`
}

func (x *ReserveRequest) GetItemId() string {
	if x != nil {
		return x.ItemId
	}
	return ""
}

func (x *ReserveRequest) GetOrderId() string {
	if x != nil {
		return x.OrderId
	}
	return ""
}

func (x *ReserveRequest) GetQuantity() int32 {
	if x != nil {
		return x.Quantity
	}
	return 0
}

func (x *ReserveRequest) GetTtlSeconds() int64 {
	if x != nil {
		return x.TtlSeconds
	}
	return 0
}

type ReserveResponse struct {
	Reservation *Reservation `json:"reservation"`
}

func (x *ReserveResponse) GetReservation() *Reservation {
	if x != nil {
		return x.Reservation
	}
	return nil
}

// ReservationRequest addresses one reservation by id.
type ReservationRequest struct {
	ReservationId string `json:"reservation_id"`
}

func (x *ReservationRequest) GetReservationId() string {
	if x != nil {
		return x.ReservationId
	}
	return ""
}

type ReservationResponse struct {
	Reservation *Reservation `json:"reservation"`
}

func (x *ReservationResponse) GetReservation() *Reservation {
	if x != nil {
		return x.Reservation
	}
	return nil
}

type ReservationServiceServer interface {
	Reserve(context.Context, *ReserveRequest) (*ReserveResponse, error)
	Commit(context.Context, *ReservationRequest) (*ReservationResponse, error)
	Release(context.Context, *ReservationRequest) (*ReservationResponse, error)
	GetReservation(context.Context, *ReservationRequest) (*ReservationResponse, error)
}

// UnimplementedReservationServiceServer can be embedded for forward compatibility.
type UnimplementedReservationServiceServer struct{}

func (UnimplementedReservationServiceServer) Reserve(context.Context, *ReserveRequest) (*ReserveResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Reserve not implemented")
}

func (UnimplementedReservationServiceServer) Commit(context.Context, *ReservationRequest) (*ReservationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Commit not implemented")
}

func (UnimplementedReservationServiceServer) Release(context.Context, *ReservationRequest) (*ReservationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Release not implemented")
}

func (UnimplementedReservationServiceServer) GetReservation(context.Context, *ReservationRequest) (*ReservationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetReservation not implemented")
}

func RegisterReservationServiceServer(s grpc.ServiceRegistrar, srv ReservationServiceServer) {
	s.RegisterService(&ReservationService_ServiceDesc, srv)
}

func _ReservationService_Reserve_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReserveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReservationServiceServer).Reserve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReservationService_Reserve_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReservationServiceServer).Reserve(ctx, req.(*ReserveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// reservationHandler builds the unary handler of the three methods that take
// a ReservationRequest.
func reservationHandler(fullMethod string, call func(ReservationServiceServer, context.Context, *ReservationRequest) (*ReservationResponse, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(ReservationRequest)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ReservationServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ReservationServiceServer), ctx, req.(*ReservationRequest))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ReservationService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReservationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Reserve",
			Handler:    _ReservationService_Reserve_Handler,
		},
		{
			MethodName: "Commit",
			Handler:    reservationHandler(ReservationService_Commit_FullMethodName, ReservationServiceServer.Commit),
		},
		{
			MethodName: "Release",
			Handler:    reservationHandler(ReservationService_Release_FullMethodName, ReservationServiceServer.Release),
		},
		{
			MethodName: "GetReservation",
			Handler:    reservationHandler(ReservationService_GetReservation_FullMethodName, ReservationServiceServer.GetReservation),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inventory/v1/reservation.proto",
}

type ReservationServiceClient interface {
	Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReserveResponse, error)
	Commit(ctx context.Context, in *ReservationRequest, opts ...grpc.CallOption) (*ReservationResponse, error)
	Release(ctx context.Context, in *ReservationRequest, opts ...grpc.CallOption) (*ReservationResponse, error)
	GetReservation(ctx context.Context, in *ReservationRequest, opts ...grpc.CallOption) (*ReservationResponse, error)
}

type reservationServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewReservationServiceClient(cc grpc.ClientConnInterface) ReservationServiceClient {
	return &reservationServiceClient{cc: cc}
}

func (c *reservationServiceClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReserveResponse, error) {
	out := new(ReserveResponse)
	if err := c.cc.Invoke(ctx, ReservationService_Reserve_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *reservationServiceClient) Commit(ctx context.Context, in *ReservationRequest, opts ...grpc.CallOption) (*ReservationResponse, error) {
	out := new(ReservationResponse)
	if err := c.cc.Invoke(ctx, ReservationService_Commit_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *reservationServiceClient) Release(ctx context.Context, in *ReservationRequest, opts ...grpc.CallOption) (*ReservationResponse, error) {
	out := new(ReservationResponse)
	if err := c.cc.Invoke(ctx, ReservationService_Release_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *reservationServiceClient) GetReservation(ctx context.Context, in *ReservationRequest, opts ...grpc.CallOption) (*ReservationResponse, error) {
	out := new(ReservationResponse)
	if err := c.cc.Invoke(ctx, ReservationService_GetReservation_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}
