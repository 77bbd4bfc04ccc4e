package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// MemoryAdapter keeps items, reservations and idempotency keys in process
// memory. It provides the same atomicity as the Redis and MySQL adapters and
// backs local runs and tests.
type MemoryAdapter struct {
	mu           sync.RWMutex
	items        map[string]domain.InventoryItem
	reservations map[string]domain.Reservation
	keys         map[string]time.Time
	now          func() time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		items:        make(map[string]domain.InventoryItem),
		reservations: make(map[string]domain.Reservation),
		keys:         make(map[string]time.Time),
		now:          time.Now,
	}
}

// WithClock replaces the clock used for idempotency key expiry.
func (m *MemoryAdapter) WithClock(now func() time.Time) *MemoryAdapter {
	m.now = now
	return m
}

func (m *MemoryAdapter) GetItem(ctx context.Context, itemID string) (*domain.InventoryItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[itemID]
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	return &item, nil
}

func (m *MemoryAdapter) CreateItem(ctx context.Context, item domain.InventoryItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[item.ID]; ok {
		return domain.ErrItemExists
	}
	m.items[item.ID] = item
	return nil
}

func (m *MemoryAdapter) TryReserveOrRelease(ctx context.Context, itemID string, quantityDelta int, expectedVersion int64) (bool, int64, error) {
	return m.adjust(ctx, itemID, -quantityDelta, quantityDelta, expectedVersion)
}

func (m *MemoryAdapter) TryDeduct(ctx context.Context, itemID string, quantity int, expectedVersion int64) (bool, int64, error) {
	return m.adjust(ctx, itemID, 0, -quantity, expectedVersion)
}

func (m *MemoryAdapter) adjust(ctx context.Context, itemID string, availableDelta, reservedDelta int, expectedVersion int64) (bool, int64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return false, 0, domain.ErrItemNotFound
	}
	if item.Version != expectedVersion {
		return false, item.Version, nil
	}

	available := item.Available + availableDelta
	reserved := item.Reserved + reservedDelta
	if available < 0 || reserved < 0 {
		return false, item.Version, nil
	}

	item.Available = available
	item.Reserved = reserved
	item.Version++
	item.UpdatedAt = m.now()
	m.items[itemID] = item
	return true, item.Version, nil
}

func (m *MemoryAdapter) Create(ctx context.Context, r domain.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reservations[r.ID] = r
	return nil
}

func (m *MemoryAdapter) Get(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reservations[reservationID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	return &r, nil
}

func (m *MemoryAdapter) Transition(ctx context.Context, reservationID string, from, to domain.ReservationState, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok {
		return false, domain.ErrReservationNotFound
	}
	if r.State != from || !domain.CanTransition(from, to) {
		return false, nil
	}
	r.State = to
	r.UpdatedAt = at
	m.reservations[reservationID] = r
	return true, nil
}

func (m *MemoryAdapter) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []domain.Reservation
	for _, r := range m.reservations {
		if r.ExpiredAt(now) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryAdapter) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.keys[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryAdapter) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.keys, key)
	return nil
}
