package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventReservationCreated   EventType = "reservation.created"
	EventReservationCommitted EventType = "reservation.committed"
	EventReservationReleased  EventType = "reservation.released"
	EventReservationExpired   EventType = "reservation.expired"

	EventOrderConfirmed EventType = "order.confirmed"
	EventOrderCancelled EventType = "order.cancelled"
)

// Routing keys published by the inventory side.
const (
	RoutingKeyReservationCreated   = "inventory.reservation.created"
	RoutingKeyReservationCommitted = "inventory.reservation.committed"
	RoutingKeyReservationReleased  = "inventory.reservation.released"
	RoutingKeyReservationExpired   = "inventory.reservation.expired"
)

// Routing keys consumed from the ordering side.
const (
	RoutingKeyOrderConfirmed = "orders.order.confirmed"
	RoutingKeyOrderCancelled = "orders.order.cancelled"
)

var routingKeys = map[EventType]string{
	EventReservationCreated:   RoutingKeyReservationCreated,
	EventReservationCommitted: RoutingKeyReservationCommitted,
	EventReservationReleased:  RoutingKeyReservationReleased,
	EventReservationExpired:   RoutingKeyReservationExpired,
	EventOrderConfirmed:       RoutingKeyOrderConfirmed,
	EventOrderCancelled:       RoutingKeyOrderCancelled,
}

// RoutingKey returns the broker routing key for the event type.
func (t EventType) RoutingKey() string {
	return routingKeys[t]
}

// Event is the wire payload exchanged between the inventory and ordering services.
type Event struct {
	MessageID     string    `json:"messageId"`
	EventType     EventType `json:"eventType"`
	ReservationID string    `json:"reservationId,omitempty"`
	ItemID        string    `json:"itemId"`
	OrderID       string    `json:"orderId"`
	Quantity      int       `json:"quantity"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewReservationEvent builds a uniquely identified event describing r.
func NewReservationEvent(t EventType, r Reservation, at time.Time) Event {
	return Event{
		MessageID:     uuid.NewString(),
		EventType:     t,
		ReservationID: r.ID,
		ItemID:        r.ItemID,
		OrderID:       r.OrderID,
		Quantity:      r.Quantity,
		Timestamp:     at.UTC(),
	}
}

func (e Event) RoutingKey() string {
	return e.EventType.RoutingKey()
}

// LockKey is the key handlers serialize on: the reservation, or the order when
// the event carries no reservation id.
func (e Event) LockKey() string {
	if e.ReservationID != "" {
		return "reservation:" + e.ReservationID
	}
	return "order:" + e.OrderID
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.MessageID == "" {
		return Event{}, fmt.Errorf("decode event: missing messageId")
	}
	return e, nil
}
