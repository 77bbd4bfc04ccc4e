package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/metrics"
	"github.com/rl1809/stock-reservation/internal/port"
)

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// CycleTimeout bounds one cycle. A cycle keeps running after shutdown is
	// signalled, up to this bound.
	CycleTimeout time.Duration
}

// ExpirySweeper periodically reclaims pending reservations whose deadline
// passed. Overlapping or repeated sweeps are harmless: each expiry is a
// Pending -> Expired transition that only one caller can win.
type ExpirySweeper struct {
	manager      *ReservationManager
	reservations port.ReservationRepository
	cfg          SweeperConfig
	log          zerolog.Logger
	metrics      *metrics.Metrics
}

func NewExpirySweeper(manager *ReservationManager, reservations port.ReservationRepository, cfg SweeperConfig, log zerolog.Logger, m *metrics.Metrics) *ExpirySweeper {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &ExpirySweeper{
		manager:      manager,
		reservations: reservations,
		cfg:          cfg,
		log:          log,
		metrics:      m,
	}
}

// Run sweeps every Interval until ctx is cancelled. Cancellation never
// interrupts a cycle in progress; the loop exits before starting the next one.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.cfg.Interval).Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("expiry sweeper stopped")
			return nil
		case <-ticker.C:
		}

		// a tick and cancellation can be ready together
		if ctx.Err() != nil {
			s.log.Info().Msg("expiry sweeper stopped")
			return nil
		}

		cycleCtx, cancel := s.cycleContext(ctx)
		if _, err := s.SweepOnce(cycleCtx); err != nil {
			s.log.Error().Err(err).Msg("sweep cycle failed")
		}
		cancel()
	}
}

func (s *ExpirySweeper) cycleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if s.cfg.CycleTimeout <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, s.cfg.CycleTimeout)
}

// SweepOnce runs a single cycle and returns how many reservations it expired.
// It drains batch after batch until a batch comes back short.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	start := time.Now()
	expired := 0
	defer func() {
		s.metrics.Swept(expired, time.Since(start))
	}()

	for {
		now := s.manager.now()
		batch, err := s.listExpired(ctx, now)
		if err != nil {
			return expired, err
		}

		progressed := 0
		for _, r := range batch {
			ok, err := s.manager.expire(ctx, r)
			if err != nil {
				s.log.Error().Err(err).Str("reservation_id", r.ID).Msg("expire reservation")
			}
			if ok {
				expired++
				progressed++
				s.log.Info().
					Str("reservation_id", r.ID).
					Str("item_id", r.ItemID).
					Int("quantity", r.Quantity).
					Time("expires_at", r.ExpiresAt).
					Msg("reservation expired")
			}
		}

		// a short batch is the tail; a batch with no progress would repeat forever
		if len(batch) < s.cfg.BatchSize || progressed == 0 {
			return expired, nil
		}
		if err := ctx.Err(); err != nil {
			return expired, err
		}
	}
}

func (s *ExpirySweeper) listExpired(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	storeCtx, cancel := s.manager.storeContext(ctx)
	defer cancel()
	batch, err := s.reservations.ListExpired(storeCtx, now, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	return batch, nil
}
