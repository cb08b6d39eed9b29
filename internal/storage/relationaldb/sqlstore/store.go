// Package sqlstore implements the relationaldb repositories over database/sql.
// Both PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite) are supported; the
// SQL is written once against the shared subset of the two dialects and
// placeholders are rebound per driver.
package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/lib/pq"       // PostgreSQL driver
	_ "modernc.org/sqlite"      // SQLite driver (cgo-free)

	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

// RepositoryManager implements relationaldb.RepositoryManager.
type RepositoryManager struct {
	db     *sql.DB
	config *relationaldb.Config

	batchRepo  *BatchRepository
	shadowRepo *ShadowRepository
}

// NewRepositoryManager creates a manager for the given configuration.
func NewRepositoryManager(config *relationaldb.Config) (*RepositoryManager, error) {
	if err := config.Validate(); err != nil {
		return nil, relationaldb.NewOperationError("new_repository_manager", "invalid configuration", err)
	}
	return &RepositoryManager{config: config}, nil
}

func (rm *RepositoryManager) Open(ctx context.Context) error {
	dsn, err := rm.config.DSN()
	if err != nil {
		return relationaldb.NewOperationError("open", "failed to build connection string", err)
	}

	db, err := sql.Open(rm.config.SQLDriverName(), dsn)
	if err != nil {
		return relationaldb.NewOperationError("open", "failed to open database", err)
	}

	db.SetMaxOpenConns(rm.config.MaxOpenConns)
	db.SetMaxIdleConns(rm.config.MaxIdleConns)
	db.SetConnMaxLifetime(rm.config.ConnMaxLifetime)

	if rm.config.Driver == relationaldb.DriverSQLite {
		// A single writer avoids SQLITE_BUSY under concurrent batchers.
		db.SetMaxOpenConns(1)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, rm.config.DefaultTimeout)
	defer cancel()
	if err := db.PingContext(ctxTimeout); err != nil {
		db.Close()
		return relationaldb.NewOperationError("open", "failed to ping database", err)
	}

	rm.db = db

	if err := rm.initSchema(ctx); err != nil {
		rm.db.Close()
		rm.db = nil
		return relationaldb.NewOperationError("open", "failed to initialize schema", err)
	}

	q := newQueryer(db, rm.config.Driver)
	rm.batchRepo = NewBatchRepository(q)
	rm.shadowRepo = NewShadowRepository(q)
	return nil
}

func (rm *RepositoryManager) Close(ctx context.Context) error {
	if rm.db == nil {
		return nil
	}
	err := rm.db.Close()
	rm.db = nil
	rm.batchRepo = nil
	rm.shadowRepo = nil
	return err
}

func (rm *RepositoryManager) Ping(ctx context.Context) error {
	if rm.db == nil {
		return relationaldb.ErrDatabaseClosed
	}
	return rm.db.PingContext(ctx)
}

func (rm *RepositoryManager) Batches() relationaldb.BatchRepository {
	return rm.batchRepo
}

func (rm *RepositoryManager) Shadow() relationaldb.ShadowRepository {
	return rm.shadowRepo
}

// queryer rebinds ?-style placeholders to $n for PostgreSQL and passes them
// through for SQLite.
type queryer struct {
	db      *sql.DB
	rebinds bool
}

func newQueryer(db *sql.DB, driver string) *queryer {
	return &queryer{db: db, rebinds: driver == relationaldb.DriverPostgres}
}

func (q *queryer) rebind(query string) string {
	if !q.rebinds {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *queryer) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.rebind(query), args...)
}

func (q *queryer) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.rebind(query), args...)
}

func (q *queryer) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return q.db.QueryRowContext(ctx, q.rebind(query), args...)
}

func (q *queryer) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return q.db.BeginTx(ctx, nil)
}

// txQueryer wraps a transaction with the same rebinding behaviour.
type txQueryer struct {
	tx      *sql.Tx
	rebinds bool
}

func (q *txQueryer) rebind(query string) string {
	if !q.rebinds {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *txQueryer) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return q.tx.ExecContext(ctx, q.rebind(query), args...)
}

func (q *txQueryer) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return q.tx.QueryRowContext(ctx, q.rebind(query), args...)
}

// schema shared by both dialects. Timestamps are unix seconds, hashes are
// hex strings and amounts are decimal strings so the same DDL works on
// PostgreSQL and SQLite.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS netting_batches (
		batch_id     TEXT PRIMARY KEY,
		state        TEXT NOT NULL,
		created_at   BIGINT NOT NULL,
		netted_at    BIGINT,
		settled_at   BIGINT,
		num_intents  BIGINT NOT NULL DEFAULT 0,
		num_items    BIGINT NOT NULL DEFAULT 0,
		num_wallets  BIGINT NOT NULL DEFAULT 0,
		merkle_root  TEXT NOT NULL DEFAULT '',
		da_hash      TEXT NOT NULL DEFAULT '',
		ledger_seq   BIGINT NOT NULL DEFAULT 0,
		tx_ref       TEXT NOT NULL DEFAULT '',
		abort_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS trade_intents (
		id          TEXT PRIMARY KEY,
		batch_id    TEXT NOT NULL,
		session_key TEXT NOT NULL,
		owner       TEXT NOT NULL,
		item        TEXT NOT NULL,
		from_wallet TEXT NOT NULL,
		to_wallet   TEXT NOT NULL,
		amount      TEXT NOT NULL,
		nonce       BIGINT NOT NULL,
		game        TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL DEFAULT 'TRADE',
		status      TEXT NOT NULL,
		created_at  BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_intents_batch ON trade_intents (batch_id)`,
	`CREATE TABLE IF NOT EXISTS settled_items (
		batch_id    TEXT NOT NULL,
		item        TEXT NOT NULL,
		game        TEXT NOT NULL DEFAULT '',
		final_owner TEXT NOT NULL,
		PRIMARY KEY (batch_id, item)
	)`,
	`CREATE TABLE IF NOT EXISTS net_cash_deltas (
		batch_id TEXT NOT NULL,
		wallet   TEXT NOT NULL,
		game     TEXT NOT NULL DEFAULT '',
		delta    TEXT NOT NULL,
		PRIMARY KEY (batch_id, wallet)
	)`,
	`CREATE TABLE IF NOT EXISTS ownership (
		item       TEXT NOT NULL,
		game       TEXT NOT NULL DEFAULT '',
		owner      TEXT NOT NULL,
		batch_id   TEXT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (item, game)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ownership_owner ON ownership (owner)`,
	`CREATE TABLE IF NOT EXISTS balances (
		wallet        TEXT NOT NULL,
		game          TEXT NOT NULL DEFAULT '',
		delta_sum     TEXT NOT NULL DEFAULT '0',
		last_batch_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (wallet, game)
	)`,
	`CREATE TABLE IF NOT EXISTS item_history (
		batch_id   TEXT NOT NULL,
		item       TEXT NOT NULL,
		game       TEXT NOT NULL DEFAULT '',
		prev_owner TEXT NOT NULL DEFAULT '',
		new_owner  TEXT NOT NULL,
		applied_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_item_history_item ON item_history (item, game)`,
	`CREATE TABLE IF NOT EXISTS indexer_cursor (
		id            BIGINT PRIMARY KEY,
		last_slot     BIGINT NOT NULL DEFAULT 0,
		last_batch_id TEXT NOT NULL DEFAULT '',
		updated_at    BIGINT NOT NULL DEFAULT 0
	)`,
}

func (rm *RepositoryManager) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := rm.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	// Seed the singleton cursor row.
	_, err := rm.db.ExecContext(ctx,
		`INSERT INTO indexer_cursor (id, last_slot, last_batch_id, updated_at)
		 VALUES (1, 0, '', 0) ON CONFLICT (id) DO NOTHING`)
	return err
}
