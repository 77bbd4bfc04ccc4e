package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rl1809/stock-reservation/internal/port"
)

const idempotencyKeyPrefix = "idempotency:msg:"

type GuardResult int

const (
	FirstSeen GuardResult = iota
	Duplicate
)

func (r GuardResult) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "first_seen"
}

// IdempotencyGuard deduplicates message effects across redelivery by
// remembering message ids for a retention window.
type IdempotencyGuard struct {
	store port.IdempotencyStore
	ttl   time.Duration
}

func NewIdempotencyGuard(store port.IdempotencyStore, ttl time.Duration) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyGuard{store: store, ttl: ttl}
}

// CheckAndRecord atomically records messageID and reports whether it was
// seen before within the retention window.
func (g *IdempotencyGuard) CheckAndRecord(ctx context.Context, messageID string) (GuardResult, error) {
	ok, err := g.store.SetIfAbsent(ctx, idempotencyKeyPrefix+messageID, g.ttl)
	if err != nil {
		return FirstSeen, fmt.Errorf("idempotency check for %s: %w", messageID, err)
	}
	if !ok {
		return Duplicate, nil
	}
	return FirstSeen, nil
}

// Forget drops the record of messageID, used when the effect failed after
// the id was recorded so that redelivery applies it.
func (g *IdempotencyGuard) Forget(ctx context.Context, messageID string) error {
	if err := g.store.Delete(ctx, idempotencyKeyPrefix+messageID); err != nil {
		return fmt.Errorf("forget message %s: %w", messageID, err)
	}
	return nil
}
