// Package store persists reagents, usage logs and the measurement job
// queue in a single SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kkaryeong/reagent-ology/errors"
	"github.com/kkaryeong/reagent-ology/metric"
)

const schema = `
CREATE TABLE IF NOT EXISTS reagents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	tag_uid TEXT NOT NULL UNIQUE,
	density_g_per_ml REAL NOT NULL DEFAULT 0,
	tare_g REAL NOT NULL DEFAULT 0,
	unit TEXT NOT NULL DEFAULT 'g',
	current_net_g REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	reagent_id INTEGER NOT NULL REFERENCES reagents(id) ON DELETE CASCADE,
	ts DATETIME NOT NULL,
	gross_g REAL NOT NULL,
	net_g REAL NOT NULL,
	delta_g REAL NOT NULL,
	delta_ml REAL NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_usage_logs_reagent ON usage_logs(reagent_id, ts);

CREATE TABLE IF NOT EXISTS measure_queue (
	id TEXT PRIMARY KEY,
	tag_uid TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	claimed_by TEXT,
	result_log_id INTEGER,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_measure_queue_status ON measure_queue(status, created_at);
`

// Store wraps the SQLite database behind the queue and reagent operations.
// A *sql.DB is safe for concurrent use, and so is Store.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics *metric.Metrics // optional
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics attaches queue metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Open opens (creating if needed) the database at path and applies the
// schema. Write transactions take the write lock up front (_txlock=immediate)
// so concurrent claims serialize instead of failing with SQLITE_BUSY.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_fk=1&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open database")
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "apply schema")
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "store")
	}

	if s.metrics != nil {
		var pending int
		if err := db.QueryRow(
			"SELECT COUNT(*) FROM measure_queue WHERE status = 'pending'",
		).Scan(&pending); err == nil {
			s.metrics.QueueDepth.Set(float64(pending))
		}
	}

	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *Store) Ping() error {
	if err := s.db.Ping(); err != nil {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "Store", "Ping", "ping database")
	}
	return nil
}
