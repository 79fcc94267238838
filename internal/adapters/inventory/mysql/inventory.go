// Package mysql implements the Inventory collaborator on MySQL with an
// applied-key table for idempotency.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"garagecore/pkg/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS inventory_stock (
		item_id VARCHAR(128) PRIMARY KEY,
		on_hand BIGINT NOT NULL DEFAULT 0,
		reserved BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_applied (
		op VARCHAR(16) NOT NULL,
		idem_key VARCHAR(255) NOT NULL,
		item_id VARCHAR(128) NOT NULL,
		quantity BIGINT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (op, idem_key)
	)`,
}

// Inventory keeps stock rows in MySQL.
type Inventory struct {
	db *sql.DB
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Inventory, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	inv := NewInventory(db)
	if err := inv.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return inv, nil
}

// NewInventory wraps an open database.
func NewInventory(db *sql.DB) *Inventory {
	return &Inventory{db: db}
}

// EnsureSchema creates the stock and applied-key tables.
func (m *Inventory) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure inventory schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (m *Inventory) Close() error { return m.db.Close() }

// SetStock overwrites an item's on-hand quantity and clears reservations.
func (m *Inventory) SetStock(ctx context.Context, itemID string, qty int64) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory_stock (item_id, on_hand, reserved, version) VALUES (?, ?, 0, 0)
		ON DUPLICATE KEY UPDATE on_hand = VALUES(on_hand), reserved = 0, version = version + 1`,
		itemID, qty)
	if err != nil {
		return fmt.Errorf("set stock %s: %w", itemID, err)
	}
	return nil
}

func (m *Inventory) CheckStock(ctx context.Context, itemID string, qty int64) (bool, error) {
	var available int64
	err := m.db.QueryRowContext(ctx, `
		SELECT on_hand - reserved FROM inventory_stock WHERE item_id = ?`, itemID,
	).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query stock %s: %w", itemID, err)
	}
	return available >= qty, nil
}

func (m *Inventory) Allocate(ctx context.Context, itemID string, qty int64, key string) (domain.Receipt, error) {
	return m.apply(ctx, "allocate", `
		UPDATE inventory_stock
		SET reserved = reserved + ?, version = version + 1
		WHERE item_id = ? AND on_hand - reserved >= ?`, itemID, qty, key)
}

func (m *Inventory) Deduct(ctx context.Context, itemID string, qty int64, key string) (domain.Receipt, error) {
	return m.apply(ctx, "deduct", `
		UPDATE inventory_stock
		SET on_hand = on_hand - ?, version = version + 1
		WHERE item_id = ? AND on_hand - reserved >= ?`, itemID, qty, key)
}

func (m *Inventory) Restore(ctx context.Context, itemID string, qty int64, key string) (domain.Receipt, error) {
	return m.apply(ctx, "restore", `
		UPDATE inventory_stock
		SET on_hand = on_hand + ?, version = version + 1
		WHERE item_id = ? AND ? > 0`, itemID, qty, key)
}

func (m *Inventory) apply(ctx context.Context, op, update, itemID string, qty int64, key string) (domain.Receipt, error) {
	if qty <= 0 {
		return domain.Receipt{}, fmt.Errorf("%s %s: quantity must be positive", op, itemID)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT IGNORE INTO inventory_applied (op, idem_key, item_id, quantity) VALUES (?, ?, ?, ?)`,
		op, key, itemID, qty)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("record %s key: %w", op, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.Receipt{Key: key, Duplicate: true}, nil
	}

	result, err = tx.ExecContext(ctx, update, qty, itemID, qty)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("%s %s: %w", op, itemID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.Receipt{}, fmt.Errorf("%s %d x %s: %w", op, qty, itemID, domain.ErrInsufficientStock)
	}
	if err := tx.Commit(); err != nil {
		return domain.Receipt{}, fmt.Errorf("commit %s: %w", op, err)
	}
	return domain.Receipt{Key: key}, nil
}
