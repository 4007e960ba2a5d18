package dispatch

import (
	"go.uber.org/zap"

	"github.com/matheus3301/inboxd/internal/alert"
	"github.com/matheus3301/inboxd/internal/bus"
	"github.com/matheus3301/inboxd/internal/metrics"
	"github.com/matheus3301/inboxd/internal/model"
	"github.com/matheus3301/inboxd/internal/realtime"
	"github.com/matheus3301/inboxd/internal/store"
)

// Cache is the set of reducers push events are applied through.
type Cache interface {
	InsertMessage(m model.Message) (bool, error)
	PatchMessageStatus(id string, s model.MessageStatus) (model.MessageStatus, bool, error)
	InsertNotification(n model.Notification) (bool, error)
	Invalidate(key string) error
}

// Dispatcher applies push events to the cache.
type Dispatcher struct {
	cache   Cache
	bus     *bus.Bus
	chime   alert.Chime
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBus forwards typing and notification events on b.
func WithBus(b *bus.Bus) Option {
	return func(d *Dispatcher) { d.bus = b }
}

// WithChime rings c on every new notification.
func WithChime(c alert.Chime) Option {
	return func(d *Dispatcher) { d.chime = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics counts dispatched events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher writing to cache.
func New(cache Cache, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cache:  cache,
		chime:  alert.Nop{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle decodes and applies one frame. A panicking handler is logged and
// swallowed.
func (d *Dispatcher) Handle(env realtime.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("push event handler panicked", zap.String("type", env.Type), zap.Any("panic", r))
		}
	}()
	d.Apply(Decode(env))
}

// Apply runs the handler for evt.
func (d *Dispatcher) Apply(evt Event) {
	d.metrics.Dispatched(evt.kind())

	switch e := evt.(type) {
	case MessageCreated:
		d.onMessageCreated(e)
	case ConversationUpdated:
		d.invalidate(store.KeyConversations)
		if e.ConversationID != "" {
			d.invalidate(store.ConversationKey(e.ConversationID))
		}
	case MessageStatusChanged:
		d.onStatus(e)
	case TypingUpdated:
		d.bus.Emit(bus.KindTyping, e)
	case NotificationCreated:
		d.onNotification(e)
	case Unknown:
		d.logger.Debug("ignoring push event", zap.String("type", e.Type), zap.String("reason", e.Reason))
	}
}

func (d *Dispatcher) onMessageCreated(e MessageCreated) {
	inserted, err := d.cache.InsertMessage(e.Message)
	if err != nil {
		d.logger.Error("failed to insert pushed message", zap.Error(err), zap.String("msg_id", e.Message.ID))
		return
	}
	if !inserted {
		d.logger.Debug("duplicate pushed message", zap.String("msg_id", e.Message.ID))
	}
	d.invalidate(store.KeyConversations)
}

func (d *Dispatcher) onStatus(e MessageStatusChanged) {
	visible, found, err := d.cache.PatchMessageStatus(e.MessageID, e.Status)
	if err != nil {
		d.logger.Error("failed to patch message status", zap.Error(err), zap.String("msg_id", e.MessageID))
		return
	}
	if !found {
		d.logger.Debug("status for unknown message", zap.String("msg_id", e.MessageID))
		return
	}
	if visible != e.Status {
		d.logger.Debug("stale status ignored",
			zap.String("msg_id", e.MessageID),
			zap.String("incoming", string(e.Status)),
			zap.String("kept", string(visible)))
	}
}

func (d *Dispatcher) onNotification(e NotificationCreated) {
	inserted, err := d.cache.InsertNotification(e.Notification)
	if err != nil {
		d.logger.Error("failed to insert notification", zap.Error(err), zap.String("id", e.Notification.ID))
		return
	}
	d.invalidate(store.KeyUnreadCount)
	if !inserted {
		return
	}
	d.bus.Emit(bus.KindNotification, e.Notification)
	d.chime.Ring()
}

func (d *Dispatcher) invalidate(key string) {
	if err := d.cache.Invalidate(key); err != nil {
		d.logger.Warn("failed to invalidate", zap.String("key", key), zap.Error(err))
	}
}
