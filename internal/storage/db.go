package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"assistant_core/internal/config"
)

// DB wraps the database connection and provides health checks
type DB struct {
	conn *sqlx.DB
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	conn, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	err := db.conn.GetContext(ctx, &result, "SELECT 1")
	if err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return db.conn.BeginTxx(ctx, opts)
}

// Conn returns the underlying sqlx connection
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// EnsureSchema creates the assistant tables if they don't exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS credit_windows (
			account_id    TEXT PRIMARY KEY,
			credit_limit  BIGINT NOT NULL DEFAULT 0,
			unlimited     BOOLEAN NOT NULL DEFAULT false,
			used          BIGINT NOT NULL DEFAULT 0,
			reserved      BIGINT NOT NULL DEFAULT 0,
			window_start  TIMESTAMPTZ NOT NULL,
			window_end    TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS credit_reservations (
			id              UUID PRIMARY KEY,
			account_id      TEXT NOT NULL REFERENCES credit_windows(account_id),
			amount          BIGINT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			state           TEXT NOT NULL,
			unlimited       BOOLEAN NOT NULL DEFAULT false,
			window_closed   BOOLEAN NOT NULL DEFAULT false,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS ux_reservations_held_key
			ON credit_reservations (account_id, idempotency_key)
			WHERE state = 'held' AND idempotency_key <> '';

		CREATE TABLE IF NOT EXISTS conversation_sequences (
			conversation_id TEXT PRIMARY KEY,
			last_sequence   BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS conversation_messages (
			conversation_id    TEXT NOT NULL,
			sequence           BIGINT NOT NULL,
			role               TEXT NOT NULL,
			content            TEXT NOT NULL,
			related_request_id TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (conversation_id, sequence)
		);

		CREATE TABLE IF NOT EXISTS usage_events (
			id         BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			kind       TEXT NOT NULL,
			cost       BIGINT NOT NULL,
			outcome    TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS ix_usage_events_account
			ON usage_events (account_id, created_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
