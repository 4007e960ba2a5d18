package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/inboxd/internal/merge"
	"github.com/matheus3301/inboxd/internal/model"
	"github.com/matheus3301/inboxd/internal/store"
)

// Intervals are the polling periods per resource.
type Intervals struct {
	Messages      time.Duration
	Conversations time.Duration
	Stats         time.Duration
	Notifications time.Duration
	UnreadCount   time.Duration
	CallLog       time.Duration
	ActiveCalls   time.Duration
}

// DefaultIntervals match the refresh rates of the inbox screens.
var DefaultIntervals = Intervals{
	Messages:      5 * time.Second,
	Conversations: 10 * time.Second,
	Stats:         60 * time.Second,
	Notifications: 30 * time.Second,
	UnreadCount:   30 * time.Second,
	CallLog:       30 * time.Second,
	ActiveCalls:   5 * time.Second,
}

// Backend is the read side of the REST API.
type Backend interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	Stats(ctx context.Context) (json.RawMessage, error)
	Notifications(ctx context.Context) ([]model.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	CallLogs(ctx context.Context) ([]model.Call, error)
	ActiveCalls(ctx context.Context) ([]model.Call, error)
}

// Cache is the write side polls commit to.
type Cache interface {
	ReplaceConversations(convs []model.Conversation) error
	PutConversation(c model.Conversation) error
	MergeMessages(conversationID string, polled []model.Message) (merge.Result, error)
	PutSnapshot(key string, payload []byte) error
	ReplaceNotifications(list []model.Notification) error
	ReplaceCalls(calls []model.Call) error
}

// Inbox wires the standard inbox resources into a scheduler.
type Inbox struct {
	sched     *Scheduler
	backend   Backend
	cache     Cache
	intervals Intervals
}

// NewInbox registers the collection resources on sched. Per-conversation
// message lists are added with Track.
func NewInbox(sched *Scheduler, backend Backend, cache Cache, intervals Intervals) *Inbox {
	in := &Inbox{sched: sched, backend: backend, cache: cache, intervals: intervals}

	sched.Add(store.KeyConversations, intervals.Conversations, in.conversations)
	sched.Add(store.KeyStats, intervals.Stats, in.stats)
	sched.Add(store.KeyNotifications, intervals.Notifications, in.notifications)
	sched.Add(store.KeyUnreadCount, intervals.UnreadCount, in.unreadCount)
	sched.Add(store.KeyCallLog, intervals.CallLog, in.callLog)
	sched.Add(store.KeyActiveCalls, intervals.ActiveCalls, in.activeCalls)
	sched.OnDemand(store.ConversationKey(""), in.conversation)
	return in
}

// Track starts polling the messages of a conversation. Calls nest.
func (in *Inbox) Track(conversationID string) {
	in.sched.Add(store.MessagesKey(conversationID), in.intervals.Messages, in.messages(conversationID))
}

// Untrack releases one Track. Results still in flight for a conversation no
// longer tracked are dropped.
func (in *Inbox) Untrack(conversationID string) {
	in.sched.Remove(store.MessagesKey(conversationID))
}

// Tracked reports whether the messages of a conversation are polled.
func (in *Inbox) Tracked(conversationID string) bool {
	return in.sched.Tracked(store.MessagesKey(conversationID))
}

func (in *Inbox) messages(conversationID string) Fetch {
	return func(ctx context.Context) (func() error, error) {
		msgs, err := in.backend.ListMessages(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		return func() error {
			_, err := in.cache.MergeMessages(conversationID, msgs)
			return err
		}, nil
	}
}

func (in *Inbox) conversations(ctx context.Context) (func() error, error) {
	convs, err := in.backend.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	return func() error { return in.cache.ReplaceConversations(convs) }, nil
}

func (in *Inbox) conversation(id string) Fetch {
	return func(ctx context.Context) (func() error, error) {
		c, err := in.backend.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		return func() error { return in.cache.PutConversation(*c) }, nil
	}
}

func (in *Inbox) stats(ctx context.Context) (func() error, error) {
	raw, err := in.backend.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return func() error { return in.cache.PutSnapshot(store.KeyStats, raw) }, nil
}

func (in *Inbox) notifications(ctx context.Context) (func() error, error) {
	list, err := in.backend.Notifications(ctx)
	if err != nil {
		return nil, err
	}
	return func() error { return in.cache.ReplaceNotifications(list) }, nil
}

func (in *Inbox) unreadCount(ctx context.Context) (func() error, error) {
	n, err := in.backend.UnreadCount(ctx)
	if err != nil {
		return nil, err
	}
	return func() error {
		return in.cache.PutSnapshot(store.KeyUnreadCount, []byte(fmt.Sprintf(`{"count":%d}`, n)))
	}, nil
}

func (in *Inbox) callLog(ctx context.Context) (func() error, error) {
	calls, err := in.backend.CallLogs(ctx)
	if err != nil {
		return nil, err
	}
	return func() error { return in.cache.ReplaceCalls(calls) }, nil
}

func (in *Inbox) activeCalls(ctx context.Context) (func() error, error) {
	calls, err := in.backend.ActiveCalls(ctx)
	if err != nil {
		return nil, err
	}
	return func() error {
		raw, err := json.Marshal(calls)
		if err != nil {
			return fmt.Errorf("encode active calls: %w", err)
		}
		return in.cache.PutSnapshot(store.KeyActiveCalls, raw)
	}, nil
}
