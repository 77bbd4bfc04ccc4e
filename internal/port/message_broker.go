package port

import (
	"context"
	"time"
)

// OutboundMessage is a serialized event ready for the broker.
type OutboundMessage struct {
	MessageID  string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
	Timestamp  time.Time
}

// InboundMessage is a delivery handed to the dispatcher by a consumer adapter.
type InboundMessage struct {
	MessageID  string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
	// DeliveryAttempt starts at 1 and grows with every redelivery.
	DeliveryAttempt int
}

// Decision tells the consumer adapter how to settle a delivery.
type Decision int

const (
	Ack Decision = iota
	Requeue
	DeadLetter
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

type DispatchFunc func(ctx context.Context, msg InboundMessage) Decision

type MessageBroker interface {
	// Publish sends msg with persistent delivery. It returns once the broker
	// has accepted the message.
	Publish(ctx context.Context, msg OutboundMessage) error
}

type MessageConsumer interface {
	// Consume delivers messages for routingKeys to dispatch until ctx is done
	Consume(ctx context.Context, routingKeys []string, dispatch DispatchFunc) error
}
