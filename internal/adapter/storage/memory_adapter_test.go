package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

func TestMemoryAdapter_Items(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryAdapter()

	require.NoError(t, m.CreateItem(ctx, domain.InventoryItem{ID: "item-1", Available: 5}))
	assert.ErrorIs(t, m.CreateItem(ctx, domain.InventoryItem{ID: "item-1"}), domain.ErrItemExists)

	_, err := m.GetItem(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrItemNotFound)

	ok, version, err := m.TryReserveOrRelease(ctx, "item-1", 3, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), version)

	ok, version, err = m.TryReserveOrRelease(ctx, "item-1", 1, 0)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must be rejected")
	assert.Equal(t, int64(1), version)

	ok, _, err = m.TryReserveOrRelease(ctx, "item-1", 3, 1)
	require.NoError(t, err)
	assert.False(t, ok, "available must not go negative")

	ok, _, err = m.TryDeduct(ctx, "item-1", 4, 1)
	require.NoError(t, err)
	assert.False(t, ok, "reserved must not go negative")

	ok, version, err = m.TryDeduct(ctx, "item-1", 2, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = m.TryReserveOrRelease(ctx, "item-1", -1, version)
	require.NoError(t, err)
	require.True(t, ok)

	item, err := m.GetItem(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 3, item.Available)
	assert.Equal(t, 0, item.Reserved)
	assert.Equal(t, int64(3), item.Version)
}

func TestMemoryAdapter_ConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryAdapter()
	require.NoError(t, m.CreateItem(ctx, domain.InventoryItem{ID: "hot", Available: 20}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := m.GetItem(ctx, "hot")
				if err != nil || !item.CanReserve(1) {
					return
				}
				ok, _, err := m.TryReserveOrRelease(ctx, "hot", 1, item.Version)
				if err != nil {
					return
				}
				if ok {
					wins.Add(1)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), wins.Load())
	item, err := m.GetItem(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, 0, item.Available)
	assert.Equal(t, 20, item.Reserved)
}

func TestMemoryAdapter_Reservations(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryAdapter()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"r-late", "r-early", "r-future"} {
		expires := now.Add(-time.Duration(i+1) * time.Minute)
		if id == "r-future" {
			expires = now.Add(time.Minute)
		}
		require.NoError(t, m.Create(ctx, domain.Reservation{
			ID:        id,
			ItemID:    "item-1",
			Quantity:  1,
			State:     domain.ReservationPending,
			ExpiresAt: expires,
		}))
	}

	expired, err := m.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, "r-early", expired[0].ID, "oldest deadline first")

	limited, err := m.ListExpired(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	ok, err := m.Transition(ctx, "r-early", domain.ReservationPending, domain.ReservationExpired, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Transition(ctx, "r-early", domain.ReservationPending, domain.ReservationReleased, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Transition(ctx, "r-late", domain.ReservationPending, domain.ReservationPending, now)
	require.NoError(t, err)
	assert.False(t, ok, "pending is not a target state")

	_, err = m.Transition(ctx, "missing", domain.ReservationPending, domain.ReservationReleased, now)
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)

	got, err := m.Get(ctx, "r-early")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationExpired, got.State)
	assert.Equal(t, now, got.UpdatedAt)
}

func TestMemoryAdapter_SetIfAbsentExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryAdapter().WithClock(func() time.Time { return now })

	ok, err := m.SetIfAbsent(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetIfAbsent(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = m.SetIfAbsent(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired key can be claimed again")

	require.NoError(t, m.Delete(ctx, "k"))
	ok, err = m.SetIfAbsent(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryAdapter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemoryAdapter()

	_, err := m.GetItem(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
	_, _, err = m.TryReserveOrRelease(ctx, "x", 1, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
