package port

import (
	"context"
	"time"
)

type IdempotencyStore interface {
	// SetIfAbsent records key for ttl, returns false if it already exists
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Delete forgets key so a later SetIfAbsent succeeds again
	Delete(ctx context.Context, key string) error
}
