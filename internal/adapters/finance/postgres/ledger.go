// Package postgres implements the Finance collaborator on PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"garagecore/pkg/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS garage_cost_entries (
		idem_key TEXT PRIMARY KEY,
		vehicle_id TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		reference_id TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS garage_cost_entries_vehicle ON garage_cost_entries (vehicle_id)`,
}

// Ledger books costs into garage_cost_entries, idempotent on key.
type Ledger struct {
	db *pgxpool.Pool
}

// Open connects a pool and ensures the schema.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open finance pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping finance db: %w", err)
	}
	l := NewLedger(pool)
	if err := l.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

// NewLedger wraps an existing pool.
func NewLedger(db *pgxpool.Pool) *Ledger {
	return &Ledger{db: db}
}

// EnsureSchema creates the cost table.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := l.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure finance schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (l *Ledger) Close() { l.db.Close() }

func (l *Ledger) RecordCost(ctx context.Context, vehicleID string, amountCents int64, referenceID, key string) (domain.Receipt, error) {
	tag, err := l.db.Exec(ctx, `
		INSERT INTO garage_cost_entries (idem_key, vehicle_id, amount_cents, reference_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idem_key) DO NOTHING`,
		key, vehicleID, amountCents, referenceID)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("record cost %s: %w", key, err)
	}
	return domain.Receipt{Key: key, Duplicate: tag.RowsAffected() == 0}, nil
}

// TotalFor sums the costs booked against a vehicle.
func (l *Ledger) TotalFor(ctx context.Context, vehicleID string) (int64, error) {
	var total int64
	err := l.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM garage_cost_entries WHERE vehicle_id = $1`, vehicleID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum costs for %s: %w", vehicleID, err)
	}
	return total, nil
}
