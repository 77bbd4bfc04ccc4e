package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func seedRedisItem(t *testing.T, adapter *RedisAdapter, client *redis.Client, available int) string {
	t.Helper()
	ctx := context.Background()
	id := "test-item-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, itemKeyPrefix+id) })

	now := time.Now()
	require.NoError(t, adapter.CreateItem(ctx, domain.InventoryItem{
		ID:        id,
		SKU:       "SKU-" + id,
		Available: available,
		CreatedAt: now,
		UpdatedAt: now,
	}))
	return id
}

func TestRedisCreateItem_Duplicate(t *testing.T) {
	client := getRedisClient(t)
	adapter := NewRedisAdapter(client)
	id := seedRedisItem(t, adapter, client, 5)

	err := adapter.CreateItem(context.Background(), domain.InventoryItem{ID: id, Available: 1})
	assert.ErrorIs(t, err, domain.ErrItemExists)

	item, err := adapter.GetItem(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 5, item.Available)
}

func TestRedisGetItem_NotFound(t *testing.T) {
	client := getRedisClient(t)
	adapter := NewRedisAdapter(client)

	_, err := adapter.GetItem(context.Background(), "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestRedisTryReserveOrRelease(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	id := seedRedisItem(t, adapter, client, 10)

	ok, version, err := adapter.TryReserveOrRelease(ctx, id, 3, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), version)

	// stale version
	ok, version, err = adapter.TryReserveOrRelease(ctx, id, 3, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), version)

	// more than available
	ok, _, err = adapter.TryReserveOrRelease(ctx, id, 8, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, version, err = adapter.TryReserveOrRelease(ctx, id, -2, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), version)

	item, err := adapter.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 9, item.Available)
	assert.Equal(t, 1, item.Reserved)
}

func TestRedisTryDeduct(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	id := seedRedisItem(t, adapter, client, 5)

	ok, version, err := adapter.TryReserveOrRelease(ctx, id, 4, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = adapter.TryDeduct(ctx, id, 5, version)
	require.NoError(t, err)
	assert.False(t, ok, "cannot deduct more than reserved")

	ok, _, err = adapter.TryDeduct(ctx, id, 4, version)
	require.NoError(t, err)
	require.True(t, ok)

	item, err := adapter.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, item.Available)
	assert.Equal(t, 0, item.Reserved)
}

func TestRedisTryReserve_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	initialStock := 20
	totalRequests := 50
	id := seedRedisItem(t, adapter, client, initialStock)

	var successCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := adapter.GetItem(ctx, id)
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if !item.CanReserve(1) {
					return
				}
				ok, _, err := adapter.TryReserveOrRelease(ctx, id, 1, item.Version)
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if ok {
					successCount.Add(1)
					return
				}
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(initialStock), successCount.Load())
	item, err := adapter.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, item.Available)
	assert.Equal(t, initialStock, item.Reserved)
}

func TestRedisReservationLifecycle(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	now := time.Now()
	res := domain.Reservation{
		ID:        uuid.NewString(),
		ItemID:    "item-1",
		OrderID:   "order-1",
		Quantity:  2,
		State:     domain.ReservationPending,
		CreatedAt: now,
		ExpiresAt: now.Add(-time.Second),
		UpdatedAt: now,
	}
	t.Cleanup(func() {
		client.Del(ctx, reservationKeyPrefix+res.ID)
		client.ZRem(ctx, pendingSetKey, res.ID)
	})
	require.NoError(t, adapter.Create(ctx, res))

	got, err := adapter.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, got.OrderID)
	assert.Equal(t, domain.ReservationPending, got.State)
	assert.Equal(t, res.ExpiresAt.UnixNano(), got.ExpiresAt.UnixNano())

	expired, err := adapter.ListExpired(ctx, now, 1000)
	require.NoError(t, err)
	assert.True(t, containsReservation(expired, res.ID))

	ok, err := adapter.Transition(ctx, res.ID, domain.ReservationPending, domain.ReservationExpired, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = adapter.Transition(ctx, res.ID, domain.ReservationPending, domain.ReservationReleased, now)
	require.NoError(t, err)
	assert.False(t, ok)

	expired, err = adapter.ListExpired(ctx, now, 1000)
	require.NoError(t, err)
	assert.False(t, containsReservation(expired, res.ID))

	_, err = adapter.Transition(ctx, "missing-"+uuid.NewString(), domain.ReservationPending, domain.ReservationReleased, now)
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestRedisSetIfAbsent_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	key := "test-idem-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, key) })

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIfAbsent(ctx, key, time.Minute)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), successCount.Load())

	require.NoError(t, adapter.Delete(ctx, key))
	ok, err := adapter.SetIfAbsent(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func containsReservation(list []domain.Reservation, id string) bool {
	for _, r := range list {
		if r.ID == id {
			return true
		}
	}
	return false
}
