package store

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/inboxd/internal/model"
)

// ReplaceCalls stores a freshly fetched call log.
func (db *DB) ReplaceCalls(calls []model.Call) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM calls`); err != nil {
		return fmt.Errorf("clear calls: %w", err)
	}
	for _, c := range calls {
		if c.ID == "" {
			continue
		}
		var meta string
		if len(c.Metadata) > 0 {
			b, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata of %s: %w", c.ID, err)
			}
			meta = string(b)
		}
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO calls
				(id, direction, from_number, to_number, status, duration, disposition,
				 started_at, ended_at, transcription, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, string(c.Direction), c.FromNumber, c.ToNumber, c.Status, c.DurationSeconds,
			c.Disposition, toMillis(c.StartedAt), toMillis(c.EndedAt), c.Transcription, meta)
		if err != nil {
			return fmt.Errorf("write call %s: %w", c.ID, err)
		}
	}
	if err := markFresh(tx, KeyCallLog); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.changed(KeyCallLog)
	return nil
}

// ListCalls returns the cached call log, newest first.
func (db *DB) ListCalls() ([]model.Call, error) {
	rows, err := db.Query(`
		SELECT id, direction, from_number, to_number, status, duration, disposition,
		       started_at, ended_at, transcription, metadata
		FROM calls ORDER BY started_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var calls []model.Call
	for rows.Next() {
		var (
			c               model.Call
			direction, meta string
			started, ended  int64
		)
		if err := rows.Scan(&c.ID, &direction, &c.FromNumber, &c.ToNumber, &c.Status,
			&c.DurationSeconds, &c.Disposition, &started, &ended, &c.Transcription, &meta); err != nil {
			return nil, err
		}
		c.Direction = model.Direction(direction)
		c.StartedAt = fromMillis(started)
		c.EndedAt = fromMillis(ended)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", c.ID, err)
			}
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
