package domain

import "time"

// InventoryItem is the persisted quantity record of one sellable item.
// Available + Reserved is the on-hand total; neither may go negative.
type InventoryItem struct {
	ID        string
	SKU       string
	Available int
	Reserved  int
	Version   int64 // optimistic locking
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i InventoryItem) Total() int {
	return i.Available + i.Reserved
}

// CanReserve reports whether quantity units can be moved from available to reserved.
func (i InventoryItem) CanReserve(quantity int) bool {
	return quantity > 0 && i.Available-quantity >= 0
}
