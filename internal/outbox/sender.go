// Package outbox sends messages optimistically: the message is visible as
// pending before the backend confirms it.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/inboxd/internal/backend"
	"github.com/matheus3301/inboxd/internal/bus"
	"github.com/matheus3301/inboxd/internal/metrics"
	"github.com/matheus3301/inboxd/internal/model"
)

// DefaultTimeout is how long an optimistic message may stay pending.
const DefaultTimeout = 60 * time.Second

// MessageSender posts a message to the backend.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID string, req backend.SendRequest) (*model.Message, error)
}

// Cache holds the optimistic entries.
type Cache interface {
	InsertOptimistic(m model.Message) error
	ReplaceOptimistic(clientID string, auth model.Message) (model.Message, error)
	PatchMessageStatus(id string, s model.MessageStatus) (model.MessageStatus, bool, error)
	ExpireOptimistic(cutoff time.Time) ([]string, error)
}

// Ack is the payload of message.send_ack.
type Ack struct {
	ClientID       string
	ServerID       string
	ConversationID string
}

// Failure is the payload of message.send_failed.
type Failure struct {
	ClientID       string
	ConversationID string
	Error          string
}

// Sender writes optimistic messages and reconciles them with the backend.
type Sender struct {
	cache   Cache
	sender  MessageSender
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	timeout time.Duration
	newID   func() string
	now     func() time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(cache Cache, sender MessageSender, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Sender {
	return &Sender{
		cache:   cache,
		sender:  sender,
		bus:     b,
		metrics: m,
		logger:  logger,
		timeout: DefaultTimeout,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// SetTimeout changes how long a message may stay pending before the sweeper
// marks it failed.
func (s *Sender) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Send shows the message immediately as pending, posts it and swaps in the
// authoritative record. On failure the message is marked failed and the
// error is returned.
func (s *Sender) Send(ctx context.Context, conversationID, content string) (model.Message, error) {
	if conversationID == "" {
		return model.Message{}, fmt.Errorf("send: conversation id is required")
	}
	now := s.now()
	opt := model.Message{
		ClientID:       s.newID(),
		ConversationID: conversationID,
		Content:        content,
		Direction:      model.Outbound,
		Status:         model.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.cache.InsertOptimistic(opt); err != nil {
		return model.Message{}, fmt.Errorf("queue message: %w", err)
	}
	opt.ID = opt.ClientID
	opt.Optimistic = true

	auth, err := s.sender.SendMessage(ctx, conversationID, backend.SendRequest{
		Content:  content,
		ClientID: opt.ClientID,
	})
	if err != nil {
		s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", opt.ClientID))
		if _, _, perr := s.cache.PatchMessageStatus(opt.ClientID, model.StatusFailed); perr != nil {
			s.logger.Error("failed to mark message failed", zap.Error(perr), zap.String("client_msg_id", opt.ClientID))
		}
		s.bus.Emit(bus.KindMessageFailed, Failure{
			ClientID:       opt.ClientID,
			ConversationID: conversationID,
			Error:          err.Error(),
		})
		opt.Status = model.StatusFailed
		return opt, fmt.Errorf("send message: %w", err)
	}

	msg, err := s.cache.ReplaceOptimistic(opt.ClientID, *auth)
	if err != nil {
		return *auth, fmt.Errorf("store sent message: %w", err)
	}
	s.logger.Info("message sent", zap.String("client_msg_id", opt.ClientID), zap.String("server_msg_id", msg.ID))
	s.bus.Emit(bus.KindMessageAck, Ack{
		ClientID:       opt.ClientID,
		ServerID:       msg.ID,
		ConversationID: conversationID,
	})
	return msg, nil
}

// Start runs the sweeper that fails optimistic messages stuck in pending.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sweeper.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	interval := s.timeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep marks optimistic messages older than the timeout as failed.
func (s *Sender) Sweep() {
	ids, err := s.cache.ExpireOptimistic(s.now().Add(-s.timeout))
	if err != nil {
		s.logger.Error("failed to expire optimistic messages", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	s.metrics.Expired(len(ids))
	s.logger.Warn("optimistic messages timed out", zap.Int("count", len(ids)))
	for _, id := range ids {
		s.bus.Emit(bus.KindMessageFailed, Failure{ClientID: id, Error: "timed out waiting for confirmation"})
	}
}
