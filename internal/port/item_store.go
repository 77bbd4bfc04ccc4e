package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type ItemStore interface {
	// GetItem returns domain.ErrItemNotFound when the item does not exist
	GetItem(ctx context.Context, itemID string) (*domain.InventoryItem, error)

	// CreateItem registers a new item, domain.ErrItemExists if already present
	CreateItem(ctx context.Context, item domain.InventoryItem) error

	// TryReserveOrRelease moves quantityDelta units from available to reserved
	// (negative delta moves them back) if the stored version still equals
	// expectedVersion. ok=false signals a version conflict.
	TryReserveOrRelease(ctx context.Context, itemID string, quantityDelta int, expectedVersion int64) (ok bool, newVersion int64, err error)

	// TryDeduct removes quantity committed units from reserved with the same
	// version check.
	TryDeduct(ctx context.Context, itemID string, quantity int, expectedVersion int64) (ok bool, newVersion int64, err error)
}
