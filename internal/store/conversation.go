package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/inboxd/internal/model"
)

const conversationColumns = `id, status, assignee_id, priority, unread, starred, channel, contact_name, subject, purpose, last_activity_at`

func scanConversation(row interface{ Scan(...any) error }) (model.Conversation, error) {
	var (
		c               model.Conversation
		status          string
		unread, starred int
		lastActivity    int64
	)
	err := row.Scan(&c.ID, &status, &c.AssigneeID, &c.Priority, &unread, &starred,
		&c.Channel, &c.ContactName, &c.Subject, &c.Purpose, &lastActivity)
	if err != nil {
		return model.Conversation{}, err
	}
	c.Status = model.ConversationStatus(status)
	c.Unread = unread == 1
	c.Starred = starred == 1
	c.LastActivityAt = fromMillis(lastActivity)
	return c, nil
}

func upsertConversation(q queryer, c model.Conversation) error {
	if c.Status == "" {
		c.Status = model.ConversationOpen
	}
	_, err := q.Exec(`
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			assignee_id = excluded.assignee_id,
			priority = excluded.priority,
			unread = excluded.unread,
			starred = excluded.starred,
			channel = excluded.channel,
			contact_name = excluded.contact_name,
			subject = excluded.subject,
			purpose = excluded.purpose,
			last_activity_at = excluded.last_activity_at`,
		c.ID, string(c.Status), c.AssigneeID, c.Priority, boolInt(c.Unread), boolInt(c.Starred),
		c.Channel, c.ContactName, c.Subject, c.Purpose, toMillis(c.LastActivityAt))
	return err
}

// ReplaceConversations stores a fresh conversation list. The list endpoint is
// authoritative for membership: a cached conversation missing from it is
// dropped unless it was loaded on its own and that entry is still fresh.
// Cached messages always stay.
func (db *DB) ReplaceConversations(convs []model.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	listed := make(map[string]bool, len(convs))
	for _, c := range convs {
		if c.ID == "" {
			continue
		}
		listed[c.ID] = true
		if err := upsertConversation(tx, c); err != nil {
			return fmt.Errorf("write conversation %s: %w", c.ID, err)
		}
	}
	if err := dropUnlisted(tx, listed); err != nil {
		return err
	}
	if err := markFresh(tx, KeyConversations); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.changed(KeyConversations)
	return nil
}

func dropUnlisted(tx *sql.Tx, listed map[string]bool) error {
	rows, err := tx.Query(`
		SELECT c.id FROM conversations c
		LEFT JOIN resources r ON r.key = ? || c.id
		WHERE r.key IS NULL OR r.stale = 1`, conversationPrefix)
	if err != nil {
		return fmt.Errorf("list cached conversations: %w", err)
	}
	var drop []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		if !listed[id] {
			drop = append(drop, id)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, id := range drop {
		if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("drop conversation %s: %w", id, err)
		}
	}
	return nil
}

// PutConversation stores a single conversation record.
func (db *DB) PutConversation(c model.Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("put conversation: id is required")
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertConversation(tx, c); err != nil {
		return fmt.Errorf("write conversation: %w", err)
	}
	if err := markFresh(tx, ConversationKey(c.ID)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.changed(ConversationKey(c.ID))
	return nil
}

// GetConversation returns a cached conversation or nil.
func (db *DB) GetConversation(id string) (*model.Conversation, error) {
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns cached conversations, most recently active first.
// An empty status matches every conversation.
func (db *DB) ListConversations(status model.ConversationStatus, limit int) ([]model.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY last_activity_at DESC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ConversationCount returns the number of cached conversations.
func (db *DB) ConversationCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n)
	return n, err
}
