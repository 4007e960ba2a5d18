package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/inboxd/internal/merge"
	"github.com/matheus3301/inboxd/internal/model"
)

const messageColumns = `id, conversation_id, client_id, content, direction, channel, sender_id, status, optimistic, created_at, updated_at`

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
	Exec(query string, args ...any) (sql.Result, error)
}

func scanMessage(row interface{ Scan(...any) error }) (model.Message, error) {
	var (
		m                 model.Message
		optimistic        int
		created, updated  int64
		direction, status string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.ClientID, &m.Content, &direction, &m.Channel,
		&m.SenderID, &status, &optimistic, &created, &updated)
	if err != nil {
		return model.Message{}, err
	}
	m.Direction = model.Direction(direction)
	m.Status = model.MessageStatus(status)
	m.Optimistic = optimistic == 1
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	return m, nil
}

func getMessage(q queryer, id string) (*model.Message, error) {
	m, err := scanMessage(q.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func upsertMessage(q queryer, m model.Message) error {
	_, err := q.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			client_id = excluded.client_id,
			content = excluded.content,
			direction = excluded.direction,
			channel = excluded.channel,
			sender_id = excluded.sender_id,
			status = excluded.status,
			optimistic = excluded.optimistic,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		m.ID, m.ConversationID, m.ClientID, m.Content, string(m.Direction), m.Channel, m.SenderID,
		string(m.Status), boolInt(m.Optimistic), toMillis(m.CreatedAt), toMillis(m.UpdatedAt))
	return err
}

func listMessages(q queryer, conversationID string) ([]model.Message, error) {
	rows, err := q.Query(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a cached message or nil.
func (db *DB) GetMessage(id string) (*model.Message, error) {
	return getMessage(db, id)
}

// ListMessages returns the cached messages of a conversation, oldest first.
func (db *DB) ListMessages(conversationID string) ([]model.Message, error) {
	return listMessages(db, conversationID)
}

// MessageCount returns the number of cached messages.
func (db *DB) MessageCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// InsertMessage adds an authoritative message unless one with the same id is
// already cached. The optimistic message it stands for, named by m.ClientID
// or else the oldest one m claims, is replaced by m, keeping the higher
// status. Reports whether anything was written.
func (db *DB) InsertMessage(m model.Message) (bool, error) {
	if m.ID == "" || m.ConversationID == "" {
		return false, fmt.Errorf("insert message: id and conversation id are required")
	}
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getMessage(tx, m.ID)
	if err != nil {
		return false, fmt.Errorf("lookup message: %w", err)
	}
	if existing != nil {
		return false, nil
	}

	m.Optimistic = false
	opt, err := optimisticFor(tx, m)
	if err != nil {
		return false, fmt.Errorf("lookup optimistic: %w", err)
	}
	if opt != nil {
		var outcome merge.Outcome
		m, outcome = merge.Message(*opt, m)
		db.metrics.Merge(string(outcome), 1)
		if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, opt.ID); err != nil {
			return false, fmt.Errorf("drop optimistic: %w", err)
		}
	}
	if err := upsertMessage(tx, m); err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	db.changed(MessagesKey(m.ConversationID))
	return true, nil
}

// optimisticFor finds the cached optimistic message that the authoritative m
// replaces, or nil.
func optimisticFor(q queryer, m model.Message) (*model.Message, error) {
	if m.ClientID != "" {
		if m.ClientID == m.ID {
			return nil, nil
		}
		opt, err := getMessage(q, m.ClientID)
		if err != nil || opt == nil || !opt.Optimistic {
			return nil, err
		}
		return opt, nil
	}
	if m.Direction != model.Outbound {
		return nil, nil
	}
	opt, err := scanMessage(q.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE optimistic = 1 AND status = ? AND conversation_id = ? AND content = ?
		ORDER BY created_at ASC, id ASC LIMIT 1`,
		string(model.StatusPending), m.ConversationID, m.Content))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !merge.Claims(opt, m) {
		return nil, nil
	}
	return &opt, nil
}

// InsertOptimistic adds a locally synthesized message. Its id is its client id.
func (db *DB) InsertOptimistic(m model.Message) error {
	if m.ClientID == "" {
		return fmt.Errorf("insert optimistic: client id is required")
	}
	m.ID = m.ClientID
	m.Optimistic = true
	if err := upsertMessage(db, m); err != nil {
		return fmt.Errorf("insert optimistic: %w", err)
	}
	db.changed(MessagesKey(m.ConversationID))
	return nil
}

// PatchMessageStatus applies an observed status to a cached message through
// the merge rules. It returns the visible status and whether the message is
// cached at all.
func (db *DB) PatchMessageStatus(id string, status model.MessageStatus) (model.MessageStatus, bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := db.patchStatus(tx, id, status)
	if err != nil || !p.found {
		return p.visible, p.found, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	if p.written {
		db.changed(MessagesKey(p.conversationID))
	}
	return p.visible, true, nil
}

type statusPatch struct {
	visible        model.MessageStatus
	conversationID string
	found          bool
	written        bool
}

func (db *DB) patchStatus(tx *sql.Tx, id string, status model.MessageStatus) (statusPatch, error) {
	cur, err := getMessage(tx, id)
	if err != nil {
		return statusPatch{}, fmt.Errorf("lookup message: %w", err)
	}
	if cur == nil {
		return statusPatch{}, nil
	}
	next, outcome := merge.Status(cur.Status, status)
	db.metrics.Merge(string(outcome), 1)
	p := statusPatch{visible: next, conversationID: cur.ConversationID, found: true}
	if next == cur.Status {
		return p, nil
	}
	if _, err := tx.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		string(next), time.Now().UnixMilli(), id); err != nil {
		return statusPatch{}, fmt.Errorf("update status: %w", err)
	}
	p.written = true
	return p, nil
}

// MergeMessages reconciles a polled message list of one conversation with
// the cache. Cached messages absent from the poll stay untouched.
func (db *DB) MergeMessages(conversationID string, polled []model.Message) (merge.Result, error) {
	for i := range polled {
		if polled[i].ConversationID == "" {
			polled[i].ConversationID = conversationID
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return merge.Result{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cached, err := listMessages(tx, conversationID)
	if err != nil {
		return merge.Result{}, fmt.Errorf("list cached: %w", err)
	}
	res := merge.Messages(cached, polled)

	for _, id := range res.Absorbed {
		if _, err := tx.Exec(`DELETE FROM messages WHERE id = ? AND optimistic = 1`, id); err != nil {
			return merge.Result{}, fmt.Errorf("drop optimistic: %w", err)
		}
	}
	changed := make(map[string]bool, len(res.Changed))
	for _, id := range res.Changed {
		changed[id] = true
	}
	for _, m := range res.Messages {
		if !changed[m.ID] {
			continue
		}
		if err := upsertMessage(tx, m); err != nil {
			return merge.Result{}, fmt.Errorf("write merged: %w", err)
		}
	}
	if err := markFresh(tx, MessagesKey(conversationID)); err != nil {
		return merge.Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return merge.Result{}, fmt.Errorf("commit: %w", err)
	}

	for outcome, n := range res.Outcomes {
		db.metrics.Merge(string(outcome), n)
	}
	if len(res.Changed) > 0 || len(res.Absorbed) > 0 {
		db.changed(MessagesKey(conversationID))
	}
	return res, nil
}

// ReplaceOptimistic swaps the optimistic message clientID for its
// authoritative record. The visible status is the merge of the authoritative
// status with whatever is cached for either id.
func (db *DB) ReplaceOptimistic(clientID string, auth model.Message) (model.Message, error) {
	if auth.ClientID == "" {
		auth.ClientID = clientID
	}
	tx, err := db.Begin()
	if err != nil {
		return model.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	opt, err := getMessage(tx, clientID)
	if err != nil {
		return model.Message{}, fmt.Errorf("lookup optimistic: %w", err)
	}
	existing, err := getMessage(tx, auth.ID)
	if err != nil {
		return model.Message{}, fmt.Errorf("lookup message: %w", err)
	}

	base := model.Message{Status: model.StatusPending}
	if opt != nil && opt.Optimistic {
		base = *opt
		if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, clientID); err != nil {
			return model.Message{}, fmt.Errorf("drop optimistic: %w", err)
		}
	}
	if existing != nil {
		base.Status, _ = merge.Status(base.Status, existing.Status)
		if base.CreatedAt.IsZero() {
			base.CreatedAt = existing.CreatedAt
		}
	}
	if auth.ConversationID == "" {
		auth.ConversationID = base.ConversationID
	}
	merged, outcome := merge.Message(base, auth)
	db.metrics.Merge(string(outcome), 1)
	if err := upsertMessage(tx, merged); err != nil {
		return model.Message{}, fmt.Errorf("write authoritative: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, fmt.Errorf("commit: %w", err)
	}
	db.changed(MessagesKey(merged.ConversationID))
	return merged, nil
}

// ExpireOptimistic marks optimistic messages still pending since before
// cutoff as failed, through the same merge path as any failure.
func (db *DB) ExpireOptimistic(cutoff time.Time) ([]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT id FROM messages
		WHERE optimistic = 1 AND status = ? AND created_at < ?`,
		string(model.StatusPending), cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("select stale optimistic: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	touched := make(map[string]bool)
	for _, id := range ids {
		p, err := db.patchStatus(tx, id, model.StatusFailed)
		if err != nil {
			return nil, err
		}
		if p.written {
			touched[p.conversationID] = true
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	for conversationID := range touched {
		db.changed(MessagesKey(conversationID))
	}
	return ids, nil
}
