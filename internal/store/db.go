package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/matheus3301/inboxd/internal/bus"
	"github.com/matheus3301/inboxd/internal/metrics"
)

// DB is the shared keyed cache. It lives in an in-memory SQLite database
// and disappears with the process.
//
// Writes go through the reducer methods only (InsertMessage,
// PatchMessageStatus, MergeMessages, ReplaceOptimistic, Invalidate, the
// Replace* collection setters). Message status is always decided by the
// merge package inside those reducers.
type DB struct {
	*sql.DB
	bus     *bus.Bus
	metrics *metrics.Metrics
}

// Option configures a DB.
type Option func(*DB)

// WithBus publishes cache.changed and cache.invalidated events on b.
func WithBus(b *bus.Bus) Option {
	return func(db *DB) { db.bus = b }
}

// WithMetrics records merge outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(db *DB) { db.metrics = m }
}

// Open creates a private in-memory cache and applies the schema.
func Open(opts ...Option) (*DB, error) {
	dsn := fmt.Sprintf("file:inboxd-%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps the memory database alive and serializes every
	// reducer transaction.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	db := &DB{DB: sqlDB}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

func (db *DB) changed(key string) {
	db.bus.Emit(bus.KindCacheChanged, key)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
