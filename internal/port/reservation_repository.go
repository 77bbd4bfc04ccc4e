package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type ReservationRepository interface {
	Create(ctx context.Context, reservation domain.Reservation) error

	// Get returns domain.ErrReservationNotFound when the id is unknown
	Get(ctx context.Context, reservationID string) (*domain.Reservation, error)

	// Transition atomically moves the reservation from -> to. It returns false
	// without mutation when the current state is not from.
	Transition(ctx context.Context, reservationID string, from, to domain.ReservationState, at time.Time) (bool, error)

	// ListExpired returns at most limit pending reservations whose deadline is before now
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}
