package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/inboxd/internal/bus"
)

func markFresh(q queryer, key string) error {
	_, err := q.Exec(`
		INSERT INTO resources (key, stale, fetched_at) VALUES (?, 0, ?)
		ON CONFLICT(key) DO UPDATE SET stale = 0, fetched_at = excluded.fetched_at`,
		key, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark %s fresh: %w", key, err)
	}
	return nil
}

// Invalidate marks a cache entry stale and announces it so the poller
// refetches it. The cached data itself stays readable.
func (db *DB) Invalidate(key string) error {
	_, err := db.Exec(`
		INSERT INTO resources (key, stale) VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET stale = 1`, key)
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	db.bus.Emit(bus.KindCacheStale, key)
	return nil
}

// IsStale reports whether key was invalidated since its last fetch. Keys never
// fetched are stale.
func (db *DB) IsStale(key string) (bool, error) {
	var stale int
	err := db.QueryRow(`SELECT stale FROM resources WHERE key = ?`, key).Scan(&stale)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return stale == 1, nil
}

// FetchedAt returns when key was last refreshed, or the zero time.
func (db *DB) FetchedAt(key string) (time.Time, error) {
	var ms int64
	err := db.QueryRow(`SELECT fetched_at FROM resources WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromMillis(ms), nil
}

// PutSnapshot stores an opaque payload (stats, unread count, active calls)
// under key and marks it fresh.
func (db *DB) PutSnapshot(key string, payload []byte) error {
	_, err := db.Exec(`
		INSERT INTO resources (key, stale, payload, fetched_at) VALUES (?, 0, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			stale = 0, payload = excluded.payload, fetched_at = excluded.fetched_at`,
		key, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", key, err)
	}
	db.changed(key)
	return nil
}

// Snapshot returns the payload stored under key, or nil.
func (db *DB) Snapshot(key string) ([]byte, error) {
	var payload []byte
	err := db.QueryRow(`SELECT payload FROM resources WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return payload, err
}
