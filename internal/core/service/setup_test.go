package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/metrics"
)

var errBrokerDown = errors.New("broker down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Mock Publisher
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return &domain.MessageDeliveryError{
			RoutingKey: event.RoutingKey(),
			MessageID:  event.MessageID,
			Attempts:   1,
			Err:        p.err,
		}
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

type testEnv struct {
	store     *storage.MemoryAdapter
	publisher *recordingPublisher
	clock     *fakeClock
	metrics   *metrics.Metrics
	manager   *ReservationManager
}

// newTestEnv builds a manager over the in-memory store with item "sku-1"
// holding stock available units.
func newTestEnv(t *testing.T, stock int) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     storage.NewMemoryAdapter(),
		publisher: &recordingPublisher{},
		clock:     newFakeClock(),
	}
	env.manager = NewReservationManager(env.store, env.store, env.publisher, ManagerConfig{
		DefaultTTL:     time.Minute,
		MaxCASAttempts: 8,
	}, WithClock(env.clock.Now), WithLogger(zerolog.Nop()))

	_, err := env.manager.AddItem(context.Background(), "sku-1", "SKU-1", stock)
	require.NoError(t, err)
	return env
}

func (env *testEnv) item(t *testing.T) domain.InventoryItem {
	t.Helper()
	item, err := env.manager.GetItem(context.Background(), "sku-1")
	require.NoError(t, err)
	return *item
}

func (env *testEnv) sweeper(batchSize int) *ExpirySweeper {
	return NewExpirySweeper(env.manager, env.store, SweeperConfig{
		Interval:  10 * time.Millisecond,
		BatchSize: batchSize,
	}, zerolog.Nop(), env.metrics)
}
