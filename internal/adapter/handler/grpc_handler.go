package handler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-reservation/internal/adapter/handler/pb"
	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type GRPCHandler struct {
	pb.UnimplementedReservationServiceServer
	svc ReservationService
	log zerolog.Logger
}

func NewGRPCHandler(svc ReservationService, log zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{svc: svc, log: log}
}

func (h *GRPCHandler) Reserve(ctx context.Context, req *pb.ReserveRequest) (*pb.ReserveResponse, error) {
	if req.GetItemId() == "" || req.GetOrderId() == "" {
		return nil, status.Error(codes.InvalidArgument, "item_id and order_id are required")
	}
	ttl := time.Duration(req.GetTtlSeconds()) * time.Second

	res, err := h.svc.Reserve(ctx, req.GetItemId(), int(req.GetQuantity()), req.GetOrderId(), ttl)
	if err != nil {
		if res != nil && errors.Is(err, domain.ErrMessageDelivery) {
			h.log.Error().Err(err).Str("reservation_id", res.ID).Msg("reservation held without event")
			return nil, status.Errorf(codes.Unavailable, "reservation %s held but event delivery failed", res.ID)
		}
		return nil, h.toStatus(err)
	}
	return &pb.ReserveResponse{Reservation: toProto(res)}, nil
}

func (h *GRPCHandler) Commit(ctx context.Context, req *pb.ReservationRequest) (*pb.ReservationResponse, error) {
	return h.settle(ctx, req, h.svc.Commit)
}

func (h *GRPCHandler) Release(ctx context.Context, req *pb.ReservationRequest) (*pb.ReservationResponse, error) {
	return h.settle(ctx, req, h.svc.Release)
}

func (h *GRPCHandler) GetReservation(ctx context.Context, req *pb.ReservationRequest) (*pb.ReservationResponse, error) {
	res, err := h.svc.GetReservation(ctx, req.GetReservationId())
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &pb.ReservationResponse{Reservation: toProto(res)}, nil
}

func (h *GRPCHandler) settle(ctx context.Context, req *pb.ReservationRequest, op func(context.Context, string) error) (*pb.ReservationResponse, error) {
	if req.GetReservationId() == "" {
		return nil, status.Error(codes.InvalidArgument, "reservation_id is required")
	}
	if err := op(ctx, req.GetReservationId()); err != nil {
		return nil, h.toStatus(err)
	}
	return h.GetReservation(ctx, req)
}

func (h *GRPCHandler) toStatus(err error) error {
	m := mapError(err)
	if m.code == codes.Internal || m.code == codes.Unavailable {
		h.log.Error().Err(err).Msg("grpc request failed")
	}
	return status.Error(m.code, m.message)
}

func toProto(res *domain.Reservation) *pb.Reservation {
	return &pb.Reservation{
		Id:        res.ID,
		ItemId:    res.ItemID,
		OrderId:   res.OrderID,
		Quantity:  int32(res.Quantity),
		State:     string(res.State),
		CreatedAt: res.CreatedAt.UnixMilli(),
		ExpiresAt: res.ExpiresAt.UnixMilli(),
	}
}
