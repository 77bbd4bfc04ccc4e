package domain

import "time"

type ReservationState string

const (
	ReservationPending   ReservationState = "pending"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
	ReservationExpired   ReservationState = "expired"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s ReservationState) IsTerminal() bool {
	return s == ReservationCommitted || s == ReservationReleased || s == ReservationExpired
}

func (s ReservationState) Valid() bool {
	return s == ReservationPending || s.IsTerminal()
}

// CanTransition reports whether from -> to is an edge of the reservation
// state machine. Pending is the only source state.
func CanTransition(from, to ReservationState) bool {
	return from == ReservationPending && to.IsTerminal()
}

// Reservation is a time-bounded hold on Quantity units of one item for one order.
type Reservation struct {
	ID        string
	ItemID    string
	OrderID   string
	Quantity  int
	State     ReservationState
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// ExpiredAt reports whether the reservation is still pending past its deadline.
func (r Reservation) ExpiredAt(now time.Time) bool {
	return r.State == ReservationPending && now.After(r.ExpiresAt)
}
