package store

import (
	"fmt"

	"github.com/matheus3301/inboxd/internal/model"
)

func upsertNotification(q queryer, n model.Notification) error {
	_, err := q.Exec(`
		INSERT INTO notifications (id, kind, title, body, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			body = excluded.body,
			read = excluded.read,
			created_at = excluded.created_at`,
		n.ID, n.Kind, n.Title, n.Body, boolInt(n.Read), toMillis(n.CreatedAt))
	return err
}

// InsertNotification adds a pushed notification. Reports false when it was
// already cached.
func (db *DB) InsertNotification(n model.Notification) (bool, error) {
	if n.ID == "" {
		return false, fmt.Errorf("insert notification: id is required")
	}
	res, err := db.Exec(`
		INSERT INTO notifications (id, kind, title, body, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		n.ID, n.Kind, n.Title, n.Body, boolInt(n.Read), toMillis(n.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}
	db.changed(KeyNotifications)
	return true, nil
}

// ReplaceNotifications stores a freshly fetched notification list.
func (db *DB) ReplaceNotifications(list []model.Notification) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM notifications`); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	for _, n := range list {
		if n.ID == "" {
			continue
		}
		if err := upsertNotification(tx, n); err != nil {
			return fmt.Errorf("write notification %s: %w", n.ID, err)
		}
	}
	if err := markFresh(tx, KeyNotifications); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.changed(KeyNotifications)
	return nil
}

// ListNotifications returns cached notifications, newest first.
func (db *DB) ListNotifications(limit int) ([]model.Notification, error) {
	query := `SELECT id, kind, title, body, read, created_at FROM notifications
		ORDER BY created_at DESC, id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []model.Notification
	for rows.Next() {
		var (
			n       model.Notification
			read    int
			created int64
		)
		if err := rows.Scan(&n.ID, &n.Kind, &n.Title, &n.Body, &read, &created); err != nil {
			return nil, err
		}
		n.Read = read == 1
		n.CreatedAt = fromMillis(created)
		list = append(list, n)
	}
	return list, rows.Err()
}
