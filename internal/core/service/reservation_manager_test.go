package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-reservation/internal/adapter/messaging/memory"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/metrics"
)

func TestReserve_Success(t *testing.T) {
	env := newTestEnv(t, 10)

	res, err := env.manager.Reserve(context.Background(), "sku-1", 3, "order-1", 0)
	require.NoError(t, err)

	assert.Equal(t, domain.ReservationPending, res.State)
	assert.Equal(t, env.clock.Now().Add(time.Minute), res.ExpiresAt, "non positive ttl uses the default")
	assert.Equal(t, "order-1", res.OrderID)

	item := env.item(t)
	assert.Equal(t, 7, item.Available)
	assert.Equal(t, 3, item.Reserved)
	assert.Equal(t, []domain.EventType{domain.EventReservationCreated}, env.publisher.types())
}

func TestReserve_ConcurrentNoOversell(t *testing.T) {
	env := newTestEnv(t, 5)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.manager.Reserve(context.Background(), "sku-1", 2, "order", time.Minute)
		}(i)
	}
	wg.Wait()

	succeeded, soldOut := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientStock):
			soldOut++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, soldOut)

	item := env.item(t)
	assert.Equal(t, 1, item.Available)
	assert.Equal(t, 4, item.Reserved)
}

func TestReserve_Rejections(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	_, err := env.manager.Reserve(ctx, "sku-1", 0, "order-1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = env.manager.Reserve(ctx, "sku-1", 3, "order-1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = env.manager.Reserve(ctx, "missing", 1, "order-1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrItemNotFound)

	item := env.item(t)
	assert.Equal(t, 2, item.Available)
	assert.Equal(t, 0, item.Reserved)
	assert.Empty(t, env.publisher.types())
}

func TestReserve_AnnounceFailureKeepsHold(t *testing.T) {
	env := newTestEnv(t, 5)
	env.publisher.fail(errBrokerDown)

	res, err := env.manager.Reserve(context.Background(), "sku-1", 2, "order-1", time.Minute)
	require.ErrorIs(t, err, domain.ErrMessageDelivery)
	require.NotNil(t, res)

	got, err := env.manager.GetReservation(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPending, got.State)
	assert.Equal(t, 3, env.item(t).Available)
}

// Mock ReservationRepository whose Create always fails
type failingCreateRepo struct {
	*storage.MemoryAdapter
}

func (failingCreateRepo) Create(context.Context, domain.Reservation) error {
	return errors.New("disk full")
}

func TestReserve_PersistFailureRestoresStock(t *testing.T) {
	store := storage.NewMemoryAdapter()
	m := NewReservationManager(store, failingCreateRepo{store}, &recordingPublisher{}, ManagerConfig{MaxCASAttempts: 3})
	ctx := context.Background()
	_, err := m.AddItem(ctx, "sku-1", "SKU-1", 5)
	require.NoError(t, err)

	res, err := m.Reserve(ctx, "sku-1", 2, "order-1", time.Minute)
	require.Error(t, err)
	assert.Nil(t, res)

	item, err := m.GetItem(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 5, item.Available)
	assert.Equal(t, 0, item.Reserved)
}

// Mock ItemStore that loses every conditional write
type conflictingItemStore struct {
	*storage.MemoryAdapter
}

func (conflictingItemStore) TryReserveOrRelease(context.Context, string, int, int64) (bool, int64, error) {
	return false, 0, nil
}

func TestReserve_ConflictBudgetExhausted(t *testing.T) {
	store := storage.NewMemoryAdapter()
	reg := prometheus.NewRegistry()
	m := NewReservationManager(conflictingItemStore{store}, store, &recordingPublisher{},
		ManagerConfig{MaxCASAttempts: 3}, WithMetrics(metrics.New(reg)))
	ctx := context.Background()
	_, err := m.AddItem(ctx, "sku-1", "SKU-1", 5)
	require.NoError(t, err)

	_, err = m.Reserve(ctx, "sku-1", 1, "order-1", time.Minute)
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	expected := `
# HELP inventory_cas_conflicts_total Version conflicts observed on conditional item updates.
# TYPE inventory_cas_conflicts_total counter
inventory_cas_conflicts_total 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "inventory_cas_conflicts_total"))
}

func TestCommit_AppliedOnce(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	res, err := env.manager.Reserve(ctx, "sku-1", 2, "order-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, env.manager.Commit(ctx, res.ID))
	require.NoError(t, env.manager.Commit(ctx, res.ID), "second commit is a no-op")

	item := env.item(t)
	assert.Equal(t, 3, item.Available)
	assert.Equal(t, 0, item.Reserved)
	assert.Equal(t, []domain.EventType{
		domain.EventReservationCreated,
		domain.EventReservationCommitted,
	}, env.publisher.types())

	got, err := env.manager.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCommitted, got.State)
}

func TestCommit_ConcurrentAppliedOnce(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	res, err := env.manager.Reserve(ctx, "sku-1", 2, "order-1", time.Minute)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.manager.Commit(ctx, res.ID))
		}()
	}
	wg.Wait()

	item := env.item(t)
	assert.Equal(t, 3, item.Available)
	assert.Equal(t, 0, item.Reserved)
}

func TestRelease_RestoresStock(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	res, err := env.manager.Reserve(ctx, "sku-1", 2, "order-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, env.manager.Release(ctx, res.ID))
	require.NoError(t, env.manager.Release(ctx, res.ID), "second release is a no-op")

	item := env.item(t)
	assert.Equal(t, 5, item.Available)
	assert.Equal(t, 0, item.Reserved)
	assert.Equal(t, []domain.EventType{
		domain.EventReservationCreated,
		domain.EventReservationReleased,
	}, env.publisher.types())

	assert.ErrorIs(t, env.manager.Commit(ctx, res.ID), domain.ErrAlreadyTerminal)
}

func TestRelease_CommittedIsTerminal(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	res, err := env.manager.Reserve(ctx, "sku-1", 2, "order-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, env.manager.Commit(ctx, res.ID))

	assert.ErrorIs(t, env.manager.Release(ctx, res.ID), domain.ErrAlreadyTerminal)

	item := env.item(t)
	assert.Equal(t, 3, item.Available)
	assert.Equal(t, 0, item.Reserved)
}

func TestSettle_UnknownReservation(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	assert.ErrorIs(t, env.manager.Commit(ctx, "nope"), domain.ErrReservationNotFound)
	assert.ErrorIs(t, env.manager.Release(ctx, "nope"), domain.ErrReservationNotFound)
}

func TestCommit_AnnounceFailureStillApplied(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	res, err := env.manager.Reserve(ctx, "sku-1", 2, "order-1", time.Minute)
	require.NoError(t, err)

	env.publisher.fail(errBrokerDown)
	require.ErrorIs(t, env.manager.Commit(ctx, res.ID), domain.ErrMessageDelivery)

	got, err := env.manager.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCommitted, got.State)
	assert.Equal(t, 0, env.item(t).Reserved)
}

func TestExpiry_ThenCommitIsTerminal(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	res, err := env.manager.Reserve(ctx, "sku-1", 2, "order-1", time.Second)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Second)
	n, err := env.sweeper(10).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.manager.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationExpired, got.State)

	item := env.item(t)
	assert.Equal(t, 5, item.Available)
	assert.Equal(t, 0, item.Reserved)

	assert.ErrorIs(t, env.manager.Commit(ctx, res.ID), domain.ErrAlreadyTerminal)
	assert.NoError(t, env.manager.Release(ctx, res.ID), "releasing an expired reservation is a no-op")
	assert.Equal(t, 5, env.item(t).Available)
}

func TestAddItem(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	_, err := env.manager.AddItem(ctx, "sku-1", "SKU-1", 1)
	assert.ErrorIs(t, err, domain.ErrItemExists)

	_, err = env.manager.AddItem(ctx, "sku-2", "SKU-2", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	item, err := env.manager.AddItem(ctx, "sku-2", "SKU-2", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, item.Available)
}

func TestReserve_DeliveryErrorFromBroker(t *testing.T) {
	store := storage.NewMemoryAdapter()
	broker := memory.NewBroker(1)
	broker.FailPublishes(errBrokerDown)

	publisher := NewEventPublisher(broker, RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		BackoffMultiplier: 2,
	}, zerolog.Nop(), nil)
	publisher.sleep = func(context.Context, time.Duration) error { return nil }

	m := NewReservationManager(store, store, publisher, ManagerConfig{MaxCASAttempts: 3})
	ctx := context.Background()
	_, err := m.AddItem(ctx, "sku-1", "SKU-1", 5)
	require.NoError(t, err)

	res, err := m.Reserve(ctx, "sku-1", 1, "order-1", time.Minute)
	require.NotNil(t, res)
	require.ErrorIs(t, err, domain.ErrMessageDelivery)

	var delivery *domain.MessageDeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.Equal(t, 3, delivery.Attempts)
	assert.Equal(t, domain.RoutingKeyReservationCreated, delivery.RoutingKey)
	assert.ErrorIs(t, err, errBrokerDown)
}

// Mock ItemStore losing the first `losses` writes that settle a reservation
type contendedSettleStore struct {
	*storage.MemoryAdapter
	losses atomic.Int32
	onLose func()
}

func (s *contendedSettleStore) lose() bool {
	if s.losses.Add(-1) < 0 {
		return false
	}
	if s.onLose != nil {
		s.onLose()
	}
	return true
}

func (s *contendedSettleStore) TryReserveOrRelease(ctx context.Context, itemID string, delta int, version int64) (bool, int64, error) {
	if delta < 0 && s.lose() {
		return false, version, nil
	}
	return s.MemoryAdapter.TryReserveOrRelease(ctx, itemID, delta, version)
}

func (s *contendedSettleStore) TryDeduct(ctx context.Context, itemID string, quantity int, version int64) (bool, int64, error) {
	if s.lose() {
		return false, version, nil
	}
	return s.MemoryAdapter.TryDeduct(ctx, itemID, quantity, version)
}

// newContendedEnv builds a manager whose CAS budget is smaller than the number
// of settling writes the store will lose.
func newContendedEnv(t *testing.T) (*testEnv, *contendedSettleStore) {
	t.Helper()
	env := newTestEnv(t, 5)
	items := &contendedSettleStore{MemoryAdapter: env.store}
	env.manager = NewReservationManager(items, env.store, env.publisher, ManagerConfig{
		DefaultTTL:     time.Minute,
		MaxCASAttempts: 3,
		SettleTimeout:  5 * time.Second,
	}, WithClock(env.clock.Now))
	return env, items
}

func TestSettle_OutlastsCASBudget(t *testing.T) {
	tests := []struct {
		name          string
		settle        func(env *testEnv, id string) error
		wantAvailable int
		wantState     domain.ReservationState
	}{
		{
			name:          "release",
			settle:        func(env *testEnv, id string) error { return env.manager.Release(context.Background(), id) },
			wantAvailable: 5,
			wantState:     domain.ReservationReleased,
		},
		{
			name:          "commit",
			settle:        func(env *testEnv, id string) error { return env.manager.Commit(context.Background(), id) },
			wantAvailable: 3,
			wantState:     domain.ReservationCommitted,
		},
		{
			name: "expire",
			settle: func(env *testEnv, _ string) error {
				env.clock.Advance(2 * time.Minute)
				n, err := env.sweeper(10).SweepOnce(context.Background())
				if n != 1 {
					return fmt.Errorf("swept %d reservations", n)
				}
				return err
			},
			wantAvailable: 5,
			wantState:     domain.ReservationExpired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, items := newContendedEnv(t)
			res, err := env.manager.Reserve(context.Background(), "sku-1", 2, "order-1", time.Minute)
			require.NoError(t, err)

			items.losses.Store(5)
			require.NoError(t, tt.settle(env, res.ID))

			item := env.item(t)
			assert.Equal(t, tt.wantAvailable, item.Available)
			assert.Equal(t, 0, item.Reserved)

			got, err := env.manager.GetReservation(context.Background(), res.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, got.State)
		})
	}
}

func TestRelease_SettlesAfterCallerCancels(t *testing.T) {
	env, items := newContendedEnv(t)
	res, err := env.manager.Reserve(context.Background(), "sku-1", 2, "order-1", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	items.onLose = cancel
	items.losses.Store(5)

	require.NoError(t, env.manager.Release(ctx, res.ID))

	item := env.item(t)
	assert.Equal(t, 5, item.Available)
	assert.Equal(t, 0, item.Reserved)
}

func TestSettle_OneOutcomePerReservation(t *testing.T) {
	terminal := map[domain.EventType]int{
		domain.EventReservationCommitted: 3,
		domain.EventReservationReleased:  5,
		domain.EventReservationExpired:   5,
	}

	for i := 0; i < 50; i++ {
		env := newTestEnv(t, 5)
		ctx := context.Background()
		res, err := env.manager.Reserve(ctx, "sku-1", 2, "order-1", time.Second)
		require.NoError(t, err)
		env.clock.Advance(2 * time.Second)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			if err := env.manager.Commit(ctx, res.ID); err != nil {
				assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
			}
		}()
		go func() {
			defer wg.Done()
			if err := env.manager.Release(ctx, res.ID); err != nil {
				assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
			}
		}()
		go func() {
			defer wg.Done()
			_, err := env.sweeper(10).SweepOnce(ctx)
			assert.NoError(t, err)
		}()
		wg.Wait()

		var outcomes []domain.EventType
		for _, typ := range env.publisher.types() {
			if _, ok := terminal[typ]; ok {
				outcomes = append(outcomes, typ)
			}
		}
		require.Len(t, outcomes, 1, "round %d: %v", i, outcomes)

		item := env.item(t)
		assert.Equal(t, terminal[outcomes[0]], item.Available, "round %d: %s", i, outcomes[0])
		assert.Equal(t, 0, item.Reserved, "round %d", i)
	}
}
