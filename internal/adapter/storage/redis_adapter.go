package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const (
	itemKeyPrefix        = "inventory:item:"
	reservationKeyPrefix = "inventory:reservation:"
	pendingSetKey        = "inventory:reservations:pending"
)

var createItemScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'id', ARGV[1], 'sku', ARGV[2],
	'available', ARGV[3], 'reserved', ARGV[4], 'version', ARGV[5],
	'created_at', ARGV[6], 'updated_at', ARGV[7])
return 1
`)

// Returns {status, version}: status -1 missing item, 0 rejected, 1 applied.
var adjustItemScript = redis.NewScript(`
local key = KEYS[1]
local availableDelta = tonumber(ARGV[1])
local reservedDelta = tonumber(ARGV[2])
local expected = tonumber(ARGV[3])

if redis.call('EXISTS', key) == 0 then
	return {-1, 0}
end

local fields = redis.call('HMGET', key, 'available', 'reserved', 'version')
local available = tonumber(fields[1])
local reserved = tonumber(fields[2])
local version = tonumber(fields[3])

if version ~= expected then
	return {0, version}
end

available = available + availableDelta
reserved = reserved + reservedDelta
if available < 0 or reserved < 0 then
	return {0, version}
end

version = version + 1
redis.call('HSET', key, 'available', available, 'reserved', reserved,
	'version', version, 'updated_at', ARGV[4])
return {1, version}
`)

// Returns -1 missing reservation, 0 state mismatch, 1 applied.
var transitionScript = redis.NewScript(`
local key = KEYS[1]
local state = redis.call('HGET', key, 'state')
if not state then
	return -1
end
if state ~= ARGV[1] then
	return 0
end
redis.call('HSET', key, 'state', ARGV[2], 'updated_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[4])
return 1
`)

type redisItem struct {
	ID        string `redis:"id"`
	SKU       string `redis:"sku"`
	Available int    `redis:"available"`
	Reserved  int    `redis:"reserved"`
	Version   int64  `redis:"version"`
	CreatedAt int64  `redis:"created_at"`
	UpdatedAt int64  `redis:"updated_at"`
}

type redisReservation struct {
	ID        string `redis:"id"`
	ItemID    string `redis:"item_id"`
	OrderID   string `redis:"order_id"`
	Quantity  int    `redis:"quantity"`
	State     string `redis:"state"`
	CreatedAt int64  `redis:"created_at"`
	ExpiresAt int64  `redis:"expires_at"`
	UpdatedAt int64  `redis:"updated_at"`
}

func (r redisReservation) toDomain() domain.Reservation {
	return domain.Reservation{
		ID:        r.ID,
		ItemID:    r.ItemID,
		OrderID:   r.OrderID,
		Quantity:  r.Quantity,
		State:     domain.ReservationState(r.State),
		CreatedAt: fromNanos(r.CreatedAt),
		ExpiresAt: fromNanos(r.ExpiresAt),
		UpdatedAt: fromNanos(r.UpdatedAt),
	}
}

// RedisAdapter stores items and reservations as hashes. Pending reservations
// are also indexed in a sorted set scored by their deadline so the sweeper
// can find expired ones without a scan.
type RedisAdapter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, now: time.Now}
}

func (r *RedisAdapter) GetItem(ctx context.Context, itemID string) (*domain.InventoryItem, error) {
	cmd := r.client.HGetAll(ctx, itemKeyPrefix+itemID)
	if err := cmd.Err(); err != nil {
		return nil, fmt.Errorf("get item %s: %w", itemID, err)
	}
	if len(cmd.Val()) == 0 {
		return nil, domain.ErrItemNotFound
	}

	var raw redisItem
	if err := cmd.Scan(&raw); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", itemID, err)
	}
	return &domain.InventoryItem{
		ID:        raw.ID,
		SKU:       raw.SKU,
		Available: raw.Available,
		Reserved:  raw.Reserved,
		Version:   raw.Version,
		CreatedAt: fromNanos(raw.CreatedAt),
		UpdatedAt: fromNanos(raw.UpdatedAt),
	}, nil
}

func (r *RedisAdapter) CreateItem(ctx context.Context, item domain.InventoryItem) error {
	created, err := createItemScript.Run(ctx, r.client, []string{itemKeyPrefix + item.ID},
		item.ID, item.SKU, item.Available, item.Reserved, item.Version,
		toNanos(item.CreatedAt), toNanos(item.UpdatedAt),
	).Int()
	if err != nil {
		return fmt.Errorf("create item %s: %w", item.ID, err)
	}
	if created == 0 {
		return domain.ErrItemExists
	}
	return nil
}

func (r *RedisAdapter) TryReserveOrRelease(ctx context.Context, itemID string, quantityDelta int, expectedVersion int64) (bool, int64, error) {
	return r.adjust(ctx, itemID, -quantityDelta, quantityDelta, expectedVersion)
}

func (r *RedisAdapter) TryDeduct(ctx context.Context, itemID string, quantity int, expectedVersion int64) (bool, int64, error) {
	return r.adjust(ctx, itemID, 0, -quantity, expectedVersion)
}

func (r *RedisAdapter) adjust(ctx context.Context, itemID string, availableDelta, reservedDelta int, expectedVersion int64) (bool, int64, error) {
	result, err := adjustItemScript.Run(ctx, r.client, []string{itemKeyPrefix + itemID},
		availableDelta, reservedDelta, expectedVersion, toNanos(r.now()),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("adjust item %s: %w", itemID, err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("adjust item %s: unexpected script reply %v", itemID, result)
	}

	switch result[0] {
	case -1:
		return false, 0, domain.ErrItemNotFound
	case 1:
		return true, result[1], nil
	default:
		return false, result[1], nil
	}
}

func (r *RedisAdapter) Create(ctx context.Context, res domain.Reservation) error {
	key := reservationKeyPrefix + res.ID
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"id", res.ID,
			"item_id", res.ItemID,
			"order_id", res.OrderID,
			"quantity", res.Quantity,
			"state", string(res.State),
			"created_at", toNanos(res.CreatedAt),
			"expires_at", toNanos(res.ExpiresAt),
			"updated_at", toNanos(res.UpdatedAt),
		)
		if res.State == domain.ReservationPending {
			pipe.ZAdd(ctx, pendingSetKey, redis.Z{
				Score:  float64(res.ExpiresAt.UnixMilli()),
				Member: res.ID,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create reservation %s: %w", res.ID, err)
	}
	return nil
}

func (r *RedisAdapter) Get(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	cmd := r.client.HGetAll(ctx, reservationKeyPrefix+reservationID)
	if err := cmd.Err(); err != nil {
		return nil, fmt.Errorf("get reservation %s: %w", reservationID, err)
	}
	if len(cmd.Val()) == 0 {
		return nil, domain.ErrReservationNotFound
	}

	var raw redisReservation
	if err := cmd.Scan(&raw); err != nil {
		return nil, fmt.Errorf("decode reservation %s: %w", reservationID, err)
	}
	res := raw.toDomain()
	return &res, nil
}

func (r *RedisAdapter) Transition(ctx context.Context, reservationID string, from, to domain.ReservationState, at time.Time) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, nil
	}
	result, err := transitionScript.Run(ctx, r.client,
		[]string{reservationKeyPrefix + reservationID, pendingSetKey},
		string(from), string(to), toNanos(at), reservationID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("transition reservation %s: %w", reservationID, err)
	}

	switch result {
	case -1:
		return false, domain.ErrReservationNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func (r *RedisAdapter) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	ids, err := r.client.ZRangeByScore(ctx, pendingSetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(ctx, reservationKeyPrefix+id)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load expired reservations: %w", err)
	}

	out := make([]domain.Reservation, 0, len(cmds))
	for _, cmd := range cmds {
		hcmd, ok := cmd.(*redis.MapStringStringCmd)
		if !ok || len(hcmd.Val()) == 0 {
			continue
		}
		var raw redisReservation
		if err := hcmd.Scan(&raw); err != nil {
			return nil, fmt.Errorf("decode reservation: %w", err)
		}
		if res := raw.toDomain(); res.ExpiredAt(now) {
			out = append(out, res)
		}
	}
	return out, nil
}

func (r *RedisAdapter) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *RedisAdapter) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
