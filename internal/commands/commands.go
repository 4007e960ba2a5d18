// Package commands runs conversation actions against the backend and
// invalidates the affected cache entries so they are refetched.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/inboxd/internal/store"
)

// Action is a conversation command.
type Action string

const (
	Assign  Action = "assign"
	Resolve Action = "resolve"
	Reopen  Action = "reopen"
	Archive Action = "archive"
	Star    Action = "star"
	Unstar  Action = "unstar"
	Purpose Action = "purpose"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case Assign, Resolve, Reopen, Archive, Star, Unstar, Purpose:
		return a, nil
	}
	return "", fmt.Errorf("unknown conversation command %q", s)
}

// Backend executes the command server-side.
type Backend interface {
	Command(ctx context.Context, conversationID, action string, body any) error
}

// Invalidator marks cache entries stale.
type Invalidator interface {
	Invalidate(key string) error
}

// Runner executes conversation commands.
type Runner struct {
	backend Backend
	cache   Invalidator
	logger  *zap.Logger
}

// NewRunner creates a runner.
func NewRunner(backend Backend, cache Invalidator, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{backend: backend, cache: cache, logger: logger}
}

// Run executes action on a conversation. arg is the assignee for Assign and
// the purpose text for Purpose; other actions ignore it. The conversation
// list and the conversation itself are invalidated only when the backend
// accepted the command.
func (r *Runner) Run(ctx context.Context, conversationID string, action Action, arg string) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	var body any
	switch action {
	case Assign:
		body = map[string]string{"assigneeId": arg}
	case Purpose:
		if strings.TrimSpace(arg) == "" {
			return errors.New("purpose must not be empty")
		}
		body = map[string]string{"purpose": arg}
	case Resolve, Reopen, Archive, Star, Unstar:
	default:
		return fmt.Errorf("unknown conversation command %q", action)
	}

	if err := r.backend.Command(ctx, conversationID, string(action), body); err != nil {
		return fmt.Errorf("%s %s: %w", action, conversationID, err)
	}
	r.logger.Info("conversation command applied", zap.String("action", string(action)), zap.String("conversation", conversationID))

	var errs []error
	for _, key := range []string{store.KeyConversations, store.ConversationKey(conversationID)} {
		if err := r.cache.Invalidate(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
