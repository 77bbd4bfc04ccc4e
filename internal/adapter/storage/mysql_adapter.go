package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const mysqlDuplicateEntry = 1062

type itemRow struct {
	ID        string    `db:"id"`
	SKU       string    `db:"sku"`
	Available int       `db:"available"`
	Reserved  int       `db:"reserved"`
	Version   int64     `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type reservationRow struct {
	ID        string    `db:"id"`
	ItemID    string    `db:"item_id"`
	OrderID   string    `db:"order_id"`
	Quantity  int       `db:"quantity"`
	State     string    `db:"state"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r reservationRow) toDomain() domain.Reservation {
	return domain.Reservation{
		ID:        r.ID,
		ItemID:    r.ItemID,
		OrderID:   r.OrderID,
		Quantity:  r.Quantity,
		State:     domain.ReservationState(r.State),
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type MySQLAdapter struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewMySQLAdapter(db *sqlx.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, now: time.Now}
}

func (m *MySQLAdapter) GetItem(ctx context.Context, itemID string) (*domain.InventoryItem, error) {
	var row itemRow
	err := m.db.GetContext(ctx, &row, `
		SELECT id, sku, available, reserved, version, created_at, updated_at
		FROM inventory_items WHERE id = ?`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}

	return &domain.InventoryItem{
		ID:        row.ID,
		SKU:       row.SKU,
		Available: row.Available,
		Reserved:  row.Reserved,
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (m *MySQLAdapter) CreateItem(ctx context.Context, item domain.InventoryItem) error {
	_, err := m.db.NamedExecContext(ctx, `
		INSERT INTO inventory_items (id, sku, available, reserved, version, created_at, updated_at)
		VALUES (:id, :sku, :available, :reserved, :version, :created_at, :updated_at)`,
		itemRow{
			ID:        item.ID,
			SKU:       item.SKU,
			Available: item.Available,
			Reserved:  item.Reserved,
			Version:   item.Version,
			CreatedAt: item.CreatedAt.UTC(),
			UpdatedAt: item.UpdatedAt.UTC(),
		})
	if isDuplicateEntry(err) {
		return domain.ErrItemExists
	}
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) TryReserveOrRelease(ctx context.Context, itemID string, quantityDelta int, expectedVersion int64) (bool, int64, error) {
	return m.adjust(ctx, itemID, -quantityDelta, quantityDelta, expectedVersion)
}

func (m *MySQLAdapter) TryDeduct(ctx context.Context, itemID string, quantity int, expectedVersion int64) (bool, int64, error) {
	return m.adjust(ctx, itemID, 0, -quantity, expectedVersion)
}

func (m *MySQLAdapter) adjust(ctx context.Context, itemID string, availableDelta, reservedDelta int, expectedVersion int64) (bool, int64, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE inventory_items
		SET available = available + ?, reserved = reserved + ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND available + ? >= 0 AND reserved + ? >= 0`,
		availableDelta, reservedDelta, m.now().UTC(),
		itemID, expectedVersion, availableDelta, reservedDelta,
	)
	if err != nil {
		return false, 0, fmt.Errorf("update item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 1 {
		return true, expectedVersion + 1, nil
	}

	var current int64
	err = m.db.GetContext(ctx, &current, `SELECT version FROM inventory_items WHERE id = ?`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, domain.ErrItemNotFound
	}
	if err != nil {
		return false, 0, fmt.Errorf("query item version: %w", err)
	}
	return false, current, nil
}

func (m *MySQLAdapter) Create(ctx context.Context, r domain.Reservation) error {
	_, err := m.db.NamedExecContext(ctx, `
		INSERT INTO reservations (id, item_id, order_id, quantity, state, created_at, expires_at, updated_at)
		VALUES (:id, :item_id, :order_id, :quantity, :state, :created_at, :expires_at, :updated_at)`,
		reservationRow{
			ID:        r.ID,
			ItemID:    r.ItemID,
			OrderID:   r.OrderID,
			Quantity:  r.Quantity,
			State:     string(r.State),
			CreatedAt: r.CreatedAt.UTC(),
			ExpiresAt: r.ExpiresAt.UTC(),
			UpdatedAt: r.UpdatedAt.UTC(),
		})
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) Get(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	var row reservationRow
	err := m.db.GetContext(ctx, &row, `
		SELECT id, item_id, order_id, quantity, state, created_at, expires_at, updated_at
		FROM reservations WHERE id = ?`, reservationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	r := row.toDomain()
	return &r, nil
}

func (m *MySQLAdapter) Transition(ctx context.Context, reservationID string, from, to domain.ReservationState, at time.Time) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, nil
	}
	result, err := m.db.ExecContext(ctx, `
		UPDATE reservations SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(to), at.UTC(), reservationID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update reservation state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 1 {
		return true, nil
	}

	var exists bool
	if err := m.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = ?)`, reservationID); err != nil {
		return false, fmt.Errorf("check reservation: %w", err)
	}
	if !exists {
		return false, domain.ErrReservationNotFound
	}
	return false, nil
}

func (m *MySQLAdapter) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	var rows []reservationRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT id, item_id, order_id, quantity, state, created_at, expires_at, updated_at
		FROM reservations
		WHERE state = ? AND expires_at < ?
		ORDER BY expires_at ASC
		LIMIT ?`,
		string(domain.ReservationPending), now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired reservations: %w", err)
	}

	out := make([]domain.Reservation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// SetIfAbsent claims key in processed_messages. A row whose expiry passed is
// reclaimed in place.
func (m *MySQLAdapter) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := m.now().UTC()
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO processed_messages (message_key, expires_at) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE expires_at = IF(expires_at <= ?, VALUES(expires_at), expires_at)`,
		key, now.Add(ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("record message key: %w", err)
	}

	// 1 inserted, 2 reclaimed, 0 still held
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

func (m *MySQLAdapter) Delete(ctx context.Context, key string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE message_key = ?`, key); err != nil {
		return fmt.Errorf("delete message key: %w", err)
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
