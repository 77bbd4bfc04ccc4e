package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/metrics"
	"github.com/rl1809/stock-reservation/internal/port"
)

// Publisher emits domain events. *EventPublisher is the production implementation.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

type ManagerConfig struct {
	DefaultTTL     time.Duration
	MaxCASAttempts int
	// StoreTimeout bounds every single store call; zero means no extra bound.
	StoreTimeout time.Duration
	// SettleTimeout bounds the item update that follows a won state
	// transition. Version conflicts are retried until it runs out.
	SettleTimeout time.Duration
}

const maxJitterSteps = 50

type ManagerOption func(*ReservationManager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *ReservationManager) { m.now = now }
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *ReservationManager) { m.log = l }
}

func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *ReservationManager) { m.metrics = mt }
}

// ReservationManager owns the reservation state machine and is the only
// writer of item quantities. Item mutations use version-checked conditional
// writes; reservation mutations use state-checked transitions. It holds no locks.
type ReservationManager struct {
	items        port.ItemStore
	reservations port.ReservationRepository
	publisher    Publisher
	cfg          ManagerConfig
	log          zerolog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewReservationManager(items port.ItemStore, reservations port.ReservationRepository, publisher Publisher, cfg ManagerConfig, opts ...ManagerOption) *ReservationManager {
	if cfg.MaxCASAttempts < 1 {
		cfg.MaxCASAttempts = 1
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	m := &ReservationManager{
		items:        items,
		reservations: reservations,
		publisher:    publisher,
		cfg:          cfg,
		log:          zerolog.Nop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reserve holds quantity units of itemID for orderID until now+ttl. A non
// positive ttl uses the configured default.
//
// When the hold succeeded but the reservation.created event could not be
// delivered, Reserve returns the reservation together with an error matching
// domain.ErrMessageDelivery; the hold is kept.
func (m *ReservationManager) Reserve(ctx context.Context, itemID string, quantity int, orderID string, ttl time.Duration) (res *domain.Reservation, err error) {
	ctx, span := tracer.Start(ctx, "ReservationManager.Reserve", trace.WithAttributes(
		attribute.String("item.id", itemID),
		attribute.String("order.id", orderID),
		attribute.Int("reservation.quantity", quantity),
	))
	defer func() {
		m.metrics.ReservationOp("reserve", outcome(err))
		endSpan(span, err)
	}()

	if quantity <= 0 {
		return nil, fmt.Errorf("reserve %d of %s: %w", quantity, itemID, domain.ErrInvalidQuantity)
	}
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	err = m.updateItem(ctx, itemID, m.cfg.MaxCASAttempts,
		func(item domain.InventoryItem) error {
			if !item.CanReserve(quantity) {
				return fmt.Errorf("reserve %d of %s (available %d): %w",
					quantity, itemID, item.Available, domain.ErrInsufficientStock)
			}
			return nil
		},
		func(ctx context.Context, version int64) (bool, int64, error) {
			return m.items.TryReserveOrRelease(ctx, itemID, quantity, version)
		},
	)
	if err != nil {
		return nil, err
	}

	now := m.now()
	r := domain.Reservation{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		OrderID:   orderID,
		Quantity:  quantity,
		State:     domain.ReservationPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
	}
	span.SetAttributes(attribute.String("reservation.id", r.ID))

	storeCtx, cancel := m.storeContext(ctx)
	err = m.reservations.Create(storeCtx, r)
	cancel()
	if err != nil {
		if rbErr := m.restore(ctx, itemID, quantity); rbErr != nil {
			m.log.Error().Err(rbErr).
				Str("item_id", itemID).
				Int("quantity", quantity).
				Msg("CRITICAL: compensation of unpersisted reservation failed")
		}
		return nil, fmt.Errorf("persist reservation for %s: %w", itemID, err)
	}

	m.log.Debug().
		Str("reservation_id", r.ID).
		Str("item_id", itemID).
		Str("order_id", orderID).
		Int("quantity", quantity).
		Time("expires_at", r.ExpiresAt).
		Msg("reservation created")

	if err = m.publisher.Publish(ctx, domain.NewReservationEvent(domain.EventReservationCreated, r, now)); err != nil {
		return &r, fmt.Errorf("reservation %s held but not announced: %w", r.ID, err)
	}
	return &r, nil
}

// Commit turns a pending reservation into a sale. Committing a committed
// reservation is a no-op; released or expired ones yield domain.ErrAlreadyTerminal.
func (m *ReservationManager) Commit(ctx context.Context, reservationID string) (err error) {
	ctx, span := tracer.Start(ctx, "ReservationManager.Commit",
		trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer func() {
		m.metrics.ReservationOp("commit", outcome(err))
		endSpan(span, err)
	}()

	r, applied, err := m.transition(ctx, reservationID, domain.ReservationCommitted)
	if err != nil || !applied {
		return err
	}

	err = m.settle(ctx, r.ItemID,
		func(item domain.InventoryItem) error {
			if item.Reserved < r.Quantity {
				return fmt.Errorf("item %s reserved %d below committed %d", r.ItemID, item.Reserved, r.Quantity)
			}
			return nil
		},
		func(ctx context.Context, version int64) (bool, int64, error) {
			return m.items.TryDeduct(ctx, r.ItemID, r.Quantity, version)
		},
	)
	if err != nil {
		m.log.Error().Err(err).
			Str("reservation_id", r.ID).
			Str("item_id", r.ItemID).
			Msg("CRITICAL: reservation committed but reserved quantity not settled")
		return fmt.Errorf("settle commit of %s: %w", r.ID, err)
	}

	return m.announce(ctx, domain.EventReservationCommitted, *r)
}

// Release returns the held units of a pending reservation to available
// stock. Releasing a released or expired reservation is a no-op; releasing
// a committed one yields domain.ErrAlreadyTerminal.
func (m *ReservationManager) Release(ctx context.Context, reservationID string) (err error) {
	ctx, span := tracer.Start(ctx, "ReservationManager.Release",
		trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer func() {
		m.metrics.ReservationOp("release", outcome(err))
		endSpan(span, err)
	}()

	r, applied, err := m.transition(ctx, reservationID, domain.ReservationReleased)
	if err != nil || !applied {
		return err
	}

	if err = m.restore(ctx, r.ItemID, r.Quantity); err != nil {
		m.log.Error().Err(err).
			Str("reservation_id", r.ID).
			Str("item_id", r.ItemID).
			Msg("CRITICAL: reservation released but quantity not restored")
		return fmt.Errorf("restore stock of %s: %w", r.ID, err)
	}

	return m.announce(ctx, domain.EventReservationReleased, *r)
}

// expire reclaims an overdue pending reservation. It reports false when the
// reservation left Pending in the meantime.
func (m *ReservationManager) expire(ctx context.Context, r domain.Reservation) (bool, error) {
	storeCtx, cancel := m.storeContext(ctx)
	ok, err := m.reservations.Transition(storeCtx, r.ID, domain.ReservationPending, domain.ReservationExpired, m.now())
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrReservationNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("expire %s: %w", r.ID, err)
	}
	if !ok {
		return false, nil
	}

	if err := m.restore(ctx, r.ItemID, r.Quantity); err != nil {
		m.log.Error().Err(err).
			Str("reservation_id", r.ID).
			Str("item_id", r.ItemID).
			Msg("CRITICAL: reservation expired but quantity not restored")
		return true, fmt.Errorf("restore stock of %s: %w", r.ID, err)
	}

	r.State = domain.ReservationExpired
	m.metrics.ReservationOp("expire", "ok")
	return true, m.announce(ctx, domain.EventReservationExpired, r)
}

// transition applies Pending -> to. applied=false with a nil error means the
// reservation was already in the requested terminal state (or, for release,
// already expired) and nothing changed.
func (m *ReservationManager) transition(ctx context.Context, reservationID string, to domain.ReservationState) (*domain.Reservation, bool, error) {
	r, err := m.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, false, err
	}

	if r.State == domain.ReservationPending {
		storeCtx, cancel := m.storeContext(ctx)
		ok, err := m.reservations.Transition(storeCtx, r.ID, domain.ReservationPending, to, m.now())
		cancel()
		if err != nil {
			return nil, false, fmt.Errorf("transition %s to %s: %w", r.ID, to, err)
		}
		if ok {
			r.State = to
			return r, true, nil
		}
		// lost the race against another terminal transition
		if r, err = m.GetReservation(ctx, reservationID); err != nil {
			return nil, false, err
		}
	}

	if r.State == to || (to == domain.ReservationReleased && r.State == domain.ReservationExpired) {
		return r, false, nil
	}
	return nil, false, fmt.Errorf("%s reservation %s is %s: %w",
		verb(to), r.ID, r.State, domain.ErrAlreadyTerminal)
}

func verb(to domain.ReservationState) string {
	switch to {
	case domain.ReservationCommitted:
		return "commit"
	case domain.ReservationReleased:
		return "release"
	default:
		return "expire"
	}
}

// restore hands quantity reserved units back to available stock under the
// settle budget.
func (m *ReservationManager) restore(ctx context.Context, itemID string, quantity int) error {
	return m.settle(ctx, itemID,
		func(item domain.InventoryItem) error {
			if item.Reserved < quantity {
				return fmt.Errorf("item %s reserved %d below released %d", itemID, item.Reserved, quantity)
			}
			return nil
		},
		func(ctx context.Context, version int64) (bool, int64, error) {
			return m.items.TryReserveOrRelease(ctx, itemID, -quantity, version)
		},
	)
}

// settle applies the item side of a reservation whose state already moved.
// Once the transition is won no retry of the caller can redo this update, so
// it ignores cancellation of ctx and retries conflicts until SettleTimeout.
func (m *ReservationManager) settle(
	ctx context.Context,
	itemID string,
	check func(domain.InventoryItem) error,
	write func(ctx context.Context, version int64) (bool, int64, error),
) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SettleTimeout)
	defer cancel()
	return m.updateItem(ctx, itemID, 0, check, write)
}

// updateItem runs read, check, conditional write until the write wins or
// maxAttempts is spent. Zero maxAttempts retries until ctx is done. A failing
// check aborts without mutation.
func (m *ReservationManager) updateItem(
	ctx context.Context,
	itemID string,
	maxAttempts int,
	check func(domain.InventoryItem) error,
	write func(ctx context.Context, version int64) (bool, int64, error),
) error {
	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			// jitter spreads out writers that lost the same race
			spread := min(attempt, maxJitterSteps)
			pause := time.Duration(rand.Int64N(int64(spread) * int64(time.Millisecond)))
			if err := sleepCtx(ctx, pause); err != nil {
				return err
			}
		}

		item, err := m.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if err := check(*item); err != nil {
			return err
		}

		storeCtx, cancel := m.storeContext(ctx)
		ok, _, err := write(storeCtx, item.Version)
		cancel()
		if err != nil {
			return fmt.Errorf("conditional update of %s: %w", itemID, err)
		}
		if ok {
			return nil
		}
		m.metrics.CASConflict()
	}
	return fmt.Errorf("update %s after %d attempts: %w", itemID, maxAttempts, domain.ErrConcurrencyConflict)
}

func (m *ReservationManager) announce(ctx context.Context, t domain.EventType, r domain.Reservation) error {
	if err := m.publisher.Publish(ctx, domain.NewReservationEvent(t, r, m.now())); err != nil {
		return fmt.Errorf("reservation %s %s but not announced: %w", r.ID, r.State, err)
	}
	return nil
}

func (m *ReservationManager) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()
	r, err := m.reservations.Get(storeCtx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("get reservation %s: %w", reservationID, err)
	}
	return r, nil
}

func (m *ReservationManager) GetItem(ctx context.Context, itemID string) (*domain.InventoryItem, error) {
	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()
	item, err := m.items.GetItem(storeCtx, itemID)
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", itemID, err)
	}
	return item, nil
}

// AddItem registers a new item with quantity units available.
func (m *ReservationManager) AddItem(ctx context.Context, itemID, sku string, quantity int) (*domain.InventoryItem, error) {
	if quantity < 0 {
		return nil, fmt.Errorf("add item %s with %d units: %w", itemID, quantity, domain.ErrInvalidQuantity)
	}
	now := m.now()
	item := domain.InventoryItem{
		ID:        itemID,
		SKU:       sku,
		Available: quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}

	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()
	if err := m.items.CreateItem(storeCtx, item); err != nil {
		return nil, fmt.Errorf("add item %s: %w", itemID, err)
	}
	return &item, nil
}

func (m *ReservationManager) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}
