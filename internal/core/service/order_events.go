package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// RegisterOrderHandlers wires the ordering-side events to the manager:
// a confirmed order commits its reservation, a cancelled one releases it.
func RegisterOrderHandlers(reg *Registry, m *ReservationManager, log zerolog.Logger) error {
	if err := reg.Register(domain.RoutingKeyOrderConfirmed, settleHandler(m.Commit, log)); err != nil {
		return err
	}
	return reg.Register(domain.RoutingKeyOrderCancelled, settleHandler(m.Release, log))
}

func settleHandler(settle func(ctx context.Context, reservationID string) error, log zerolog.Logger) Handler {
	return func(ctx context.Context, event domain.Event) error {
		if event.ReservationID == "" {
			return Permanent(fmt.Errorf("%s event %s carries no reservationId", event.EventType, event.MessageID))
		}

		err := settle(ctx, event.ReservationID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrMessageDelivery):
			// the transition is applied; redelivery would not announce it again
			log.Error().Err(err).
				Str("reservation_id", event.ReservationID).
				Msg("settled reservation could not be announced")
			return nil
		case errors.Is(err, domain.ErrAlreadyTerminal), errors.Is(err, domain.ErrReservationNotFound):
			return Permanent(err)
		default:
			return err
		}
	}
}
