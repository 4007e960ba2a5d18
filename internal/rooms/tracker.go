// Package rooms keeps reference-counted push-channel room memberships for
// conversation scopes.
package rooms

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/inboxd/internal/realtime"
)

// Channel is the part of the connection manager the tracker needs.
type Channel interface {
	Emit(ctx context.Context, env realtime.Envelope) error
	Epoch() (uint64, bool)
}

// Tracker joins a conversation room when its first subscriber arrives and
// leaves it when the last one goes. Every connection epoch re-joins each live
// scope exactly once.
type Tracker struct {
	ch     Channel
	logger *zap.Logger

	mu     sync.Mutex
	refs   map[string]int
	joined map[string]uint64
}

// NewTracker creates a tracker emitting on ch.
func NewTracker(ch Channel, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		ch:     ch,
		logger: logger,
		refs:   make(map[string]int),
		joined: make(map[string]uint64),
	}
}

// Subscribe adds one reference to the conversation scope.
func (t *Tracker) Subscribe(ctx context.Context, conversationID string) {
	t.mu.Lock()
	t.refs[conversationID]++
	epoch, join := t.claimLocked(conversationID)
	t.mu.Unlock()

	if join {
		t.join(ctx, conversationID, epoch)
	}
}

// Unsubscribe drops one reference. Unknown scopes are ignored.
func (t *Tracker) Unsubscribe(ctx context.Context, conversationID string) {
	t.mu.Lock()
	n, ok := t.refs[conversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if n > 1 {
		t.refs[conversationID] = n - 1
		t.mu.Unlock()
		return
	}
	delete(t.refs, conversationID)
	_, wasJoined := t.joined[conversationID]
	delete(t.joined, conversationID)
	t.mu.Unlock()

	if _, connected := t.ch.Epoch(); !connected || !wasJoined {
		return
	}
	env, _ := realtime.NewEnvelope(realtime.TypeLeaveConversation, conversationID)
	if err := t.ch.Emit(ctx, env); err != nil {
		t.logger.Debug("leave room failed", zap.String("conversation", conversationID), zap.Error(err))
	}
}

// Rejoin joins every live scope not yet joined on this epoch. It is
// registered as a connect hook.
func (t *Tracker) Rejoin(ctx context.Context, epoch uint64) {
	t.mu.Lock()
	var ids []string
	for id := range t.refs {
		if t.joined[id] == epoch {
			continue
		}
		t.joined[id] = epoch
		ids = append(ids, id)
	}
	t.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		t.join(ctx, id, epoch)
	}
	if len(ids) > 0 {
		t.logger.Info("rejoined rooms", zap.Int("count", len(ids)), zap.Uint64("epoch", epoch))
	}
}

// Count returns the reference count of a scope.
func (t *Tracker) Count(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs[conversationID]
}

// Scopes returns the live scopes in order.
func (t *Tracker) Scopes() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.refs))
	for id := range t.refs {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// claimLocked marks the scope joined on the live epoch if that has not
// happened yet.
func (t *Tracker) claimLocked(id string) (uint64, bool) {
	epoch, connected := t.ch.Epoch()
	if !connected || t.joined[id] == epoch {
		return 0, false
	}
	t.joined[id] = epoch
	return epoch, true
}

func (t *Tracker) join(ctx context.Context, id string, epoch uint64) {
	env, _ := realtime.NewEnvelope(realtime.TypeJoinConversation, id)
	if err := t.ch.Emit(ctx, env); err != nil {
		t.logger.Debug("join room failed", zap.String("conversation", id), zap.Error(err))
		t.mu.Lock()
		if t.joined[id] == epoch {
			delete(t.joined, id)
		}
		t.mu.Unlock()
	}
}
