// Package sqlite is the engine's persistence layer: rules, alerts, order
// intents, candles, groups, holdings, positions and saved expressions, all in
// one SQLite database in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("sqlite: not found")

// Config configures the store.
type Config struct {
	Path         string // e.g. "data/alerts.db"
	MaxOpenConns int    // default 4; WAL lets readers run beside the writer
}

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens (or creates) the database and applies the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	conns := cfg.MaxOpenConns
	if conns <= 0 {
		conns = 4
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.Path)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rules (
			id                    TEXT    PRIMARY KEY,
			owner                 TEXT    NOT NULL,
			name                  TEXT    NOT NULL DEFAULT '',
			enabled               INTEGER NOT NULL DEFAULT 1,
			expires_at            INTEGER,
			universe              TEXT    NOT NULL,
			timeframe             TEXT    NOT NULL,
			condition             TEXT    NOT NULL,
			trigger_mode          TEXT    NOT NULL,
			throttle_seconds      INTEGER NOT NULL DEFAULT 0,
			cadence_seconds       INTEGER NOT NULL DEFAULT 0,
			market_hours_only     INTEGER NOT NULL DEFAULT 0,
			action_spec           TEXT,
			last_evaluated_at     INTEGER,
			last_triggered_at     INTEGER,
			last_trigger_bar_time INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(enabled, expires_at);

		CREATE TABLE IF NOT EXISTS alerts (
			id           TEXT    PRIMARY KEY,
			rule_id      TEXT    NOT NULL,
			owner        TEXT    NOT NULL,
			symbol       TEXT    NOT NULL,
			exchange     TEXT    NOT NULL,
			bar_time     INTEGER,
			triggered_at INTEGER NOT NULL,
			reason       TEXT    NOT NULL,
			snapshot     TEXT    NOT NULL,
			dedup_key    TEXT    NOT NULL,
			UNIQUE (rule_id, symbol, exchange, dedup_key)
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_last ON alerts(rule_id, symbol, exchange, triggered_at);
		CREATE INDEX IF NOT EXISTS idx_alerts_triggered_at ON alerts(triggered_at);

		CREATE TABLE IF NOT EXISTS order_intents (
			id         TEXT    PRIMARY KEY,
			alert_id   TEXT    NOT NULL,
			rule_id    TEXT    NOT NULL,
			owner      TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			exchange   TEXT    NOT NULL,
			side       TEXT    NOT NULL,
			qty        INTEGER NOT NULL,
			order_type TEXT    NOT NULL,
			product    TEXT    NOT NULL,
			status     TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_order_intents_status ON order_intents(status);

		CREATE TABLE IF NOT EXISTS candles (
			symbol   TEXT    NOT NULL,
			exchange TEXT    NOT NULL,
			tf       TEXT    NOT NULL,
			ts       INTEGER NOT NULL,
			open     REAL    NOT NULL,
			high     REAL    NOT NULL,
			low      REAL    NOT NULL,
			close    REAL    NOT NULL,
			volume   REAL    NOT NULL DEFAULT 0,
			PRIMARY KEY (exchange, symbol, tf, ts)
		);

		CREATE TABLE IF NOT EXISTS symbol_groups (
			id     TEXT    PRIMARY KEY,
			owner  TEXT    NOT NULL,
			name   TEXT    NOT NULL DEFAULT '',
			shared INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT    NOT NULL REFERENCES symbol_groups(id) ON DELETE CASCADE,
			symbol   TEXT    NOT NULL,
			exchange TEXT    NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (group_id, exchange, symbol)
		);

		CREATE TABLE IF NOT EXISTS holdings (
			owner    TEXT NOT NULL,
			symbol   TEXT NOT NULL,
			exchange TEXT NOT NULL,
			product  TEXT NOT NULL DEFAULT 'CNC',
			qty      REAL NOT NULL,
			PRIMARY KEY (owner, exchange, symbol, product)
		);

		CREATE TABLE IF NOT EXISTS positions (
			owner    TEXT NOT NULL,
			symbol   TEXT NOT NULL,
			exchange TEXT NOT NULL,
			product  TEXT NOT NULL,
			qty      REAL NOT NULL,
			PRIMARY KEY (owner, symbol, product)
		);

		CREATE TABLE IF NOT EXISTS saved_expressions (
			owner      TEXT    NOT NULL,
			name       TEXT    NOT NULL,
			body       TEXT    NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (owner, name)
		);
	`)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Times are stored as unix nanoseconds, candle timestamps as unix seconds.
// Market-naive times carry the UTC label, so the round trip is exact.

func nanos(t time.Time) int64 { return t.UnixNano() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
