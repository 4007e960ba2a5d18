package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/inboxd/internal/bus"
	"github.com/matheus3301/inboxd/internal/store/migrations"
)

// MigrateResult describes the schema after a migration run.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// migrator binds golang-migrate to the cache connection. The instance is
// never closed: closing it would close the shared in-memory database.
func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

// Migrate brings the cache schema up to date.
func (db *DB) Migrate() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}
	return up(m)
}

// Reset empties the cache by running the schema down and up again. Every
// collection is announced as invalidated so pollers refetch it.
func (db *DB) Reset() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("migration down: %w", err)
	}
	result, err := up(m)
	if err != nil {
		return nil, err
	}
	result.Changed = true
	for _, key := range []string{KeyConversations, KeyStats, KeyNotifications, KeyUnreadCount, KeyCallLog, KeyActiveCalls} {
		db.bus.Emit(bus.KindCacheStale, key)
	}
	return result, nil
}

func up(m *migrate.Migrate) (*MigrateResult, error) {
	changed := true
	if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
		changed = false
	} else if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	return &MigrateResult{Version: version, Dirty: dirty, Changed: changed}, nil
}
