// Package postgres keeps the garage graph in memory and mirrors each commit into
// a Postgres table of JSONB buckets. Only buckets whose encoding changed are
// rewritten, and every write carries the commit revision.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"garagecore/internal/infra/persistence/memory"
	"garagecore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/garagecore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store runs transactions on the embedded memory store and persists them from
// its commit hook.
type Store struct {
	*memory.Store
	db       *sql.DB
	dirtyMu  sync.Mutex
	dirty    memory.DirtyBuckets
	revision int64
}

// NewStore connects to dsn (defaultDSN when empty), migrates the state table and
// hydrates the graph from it.
func NewStore(ctx context.Context, dsn string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureStateTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	raw, revision, err := loadBuckets(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, err := memory.DecodeBuckets(raw)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(engine, opts...)
	mem.ImportState(snapshot)
	s := &Store{Store: mem, db: db, revision: revision}
	s.dirty.Reset(raw)
	mem.SetCommitHook(s.persist)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for integration tests.
func (s *Store) DB() *sql.DB { return s.db }

// Revision counts the commits that changed persisted state.
func (s *Store) Revision() int64 {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	return s.revision
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS garage_state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`,
	`ALTER TABLE garage_state ADD COLUMN IF NOT EXISTS revision BIGINT NOT NULL DEFAULT 0`,
}

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	for _, ddl := range migrations {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate state table: %w", err)
		}
	}
	return nil
}

// loadBuckets returns the stored payloads and the highest revision seen.
func loadBuckets(ctx context.Context, db *sql.DB) (map[string][]byte, int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload, revision FROM garage_state`)
	if err != nil {
		return nil, 0, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	raw := make(map[string][]byte)
	var latest int64
	for rows.Next() {
		var (
			bucket   string
			payload  []byte
			revision int64
		)
		if err := rows.Scan(&bucket, &payload, &revision); err != nil {
			return nil, 0, fmt.Errorf("scan state: %w", err)
		}
		latest = max(latest, revision)
		if len(payload) > 0 {
			raw[bucket] = payload
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate state: %w", err)
	}
	return raw, latest, nil
}

func (s *Store) persist(ctx context.Context, snapshot memory.Snapshot) error {
	buckets, err := memory.EncodeBuckets(snapshot)
	if err != nil {
		return err
	}
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	changed := s.dirty.Changed(buckets)
	if len(changed) == 0 {
		return nil
	}
	next := s.revision + 1
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range changed {
		if _, err := tx.ExecContext(ctx, `INSERT INTO garage_state(bucket,payload,revision) VALUES($1,$2,$3) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload, revision=EXCLUDED.revision`, bucket, buckets[bucket], next); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revision %d: %w", next, err)
	}
	committed = true
	s.dirty.Mark(buckets, changed)
	s.revision = next
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
