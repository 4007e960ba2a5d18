package poll

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/inboxd/internal/bus"
	"github.com/matheus3301/inboxd/internal/model"
	"github.com/matheus3301/inboxd/internal/store"
)

type fakeBackend struct {
	mu        sync.Mutex
	convs     []model.Conversation
	msgs      map[string][]model.Message
	convErr   error
	msgGate   chan struct{}
	msgCalled chan string
	calls     map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{msgs: make(map[string][]model.Message), calls: make(map[string]int)}
}

func (f *fakeBackend) hit(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeBackend) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBackend) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	f.hit("conversations")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs, f.convErr
}

func (f *fakeBackend) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	f.hit("conversation:" + id)
	return &model.Conversation{ID: id, Status: model.ConversationResolved}, nil
}

func (f *fakeBackend) ListMessages(ctx context.Context, id string) ([]model.Message, error) {
	f.hit("messages:" + id)
	if f.msgCalled != nil {
		f.msgCalled <- id
	}
	if f.msgGate != nil {
		select {
		case <-f.msgGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[id], nil
}

func (f *fakeBackend) Stats(ctx context.Context) (json.RawMessage, error) {
	f.hit("stats")
	return json.RawMessage(`{"open":1}`), nil
}

func (f *fakeBackend) Notifications(ctx context.Context) ([]model.Notification, error) {
	f.hit("notifications")
	return nil, nil
}

func (f *fakeBackend) UnreadCount(ctx context.Context) (int, error) {
	f.hit("unread")
	return 4, nil
}

func (f *fakeBackend) CallLogs(ctx context.Context) ([]model.Call, error) {
	f.hit("logs")
	return []model.Call{{ID: "k1", Direction: model.Inbound, FromNumber: "+1"}}, nil
}

func (f *fakeBackend) ActiveCalls(ctx context.Context) ([]model.Call, error) {
	f.hit("active")
	return nil, nil
}

var slow = Intervals{
	Messages:      time.Hour,
	Conversations: time.Hour,
	Stats:         time.Hour,
	Notifications: time.Hour,
	UnreadCount:   time.Hour,
	CallLog:       time.Hour,
	ActiveCalls:   time.Hour,
}

type fixture struct {
	bus     *bus.Bus
	db      *store.DB
	backend *fakeBackend
	sched   *Scheduler
	inbox   *Inbox
}

func newFixture(t *testing.T, fb *fakeBackend, opts ...Option) *fixture {
	t.Helper()
	b := bus.New()
	db, err := store.Open(store.WithBus(b))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	sched := NewScheduler(append([]Option{WithBus(b)}, opts...)...)
	inbox := NewInbox(sched, fb, db, slow)
	t.Cleanup(func() {
		sched.Stop()
		_ = db.Close()
	})
	return &fixture{bus: b, db: db, backend: fb, sched: sched, inbox: inbox}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFetchOnStart(t *testing.T) {
	fb := newFakeBackend()
	fb.convs = []model.Conversation{{ID: "c1"}, {ID: "c2"}}
	f := newFixture(t, fb)
	f.sched.Start(context.Background())

	eventually(t, func() bool {
		n, _ := f.db.ConversationCount()
		return n == 2
	})
	eventually(t, func() bool {
		raw, _ := f.db.Snapshot(store.KeyUnreadCount)
		return string(raw) == `{"count":4}`
	})
	eventually(t, func() bool {
		calls, _ := f.db.ListCalls()
		return len(calls) == 1
	})
}

func TestInvalidationTriggersRefetch(t *testing.T) {
	fb := newFakeBackend()
	f := newFixture(t, fb)
	f.sched.Start(context.Background())
	eventually(t, func() bool { return fb.count("conversations") == 1 })

	if err := f.db.Invalidate(store.KeyConversations); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return fb.count("conversations") == 2 })
}

func TestOnDemandConversation(t *testing.T) {
	fb := newFakeBackend()
	f := newFixture(t, fb)
	f.sched.Start(context.Background())

	if err := f.db.Invalidate(store.ConversationKey("c9")); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		c, _ := f.db.GetConversation("c9")
		return c != nil && c.Status == model.ConversationResolved
	})
	if f.sched.Tracked(store.ConversationKey("c9")) {
		t.Error("on-demand keys must not be scheduled")
	}

	// A later list poll that does not include c9 keeps the fresh entry.
	changed, unsub := f.bus.Subscribe(bus.KindCacheChanged, 64)
	defer unsub()
	f.sched.Refetch(store.KeyConversations)
	deadline := time.After(2 * time.Second)
	for committed := false; !committed; {
		select {
		case evt := <-changed:
			committed = evt.Payload == store.KeyConversations
		case <-deadline:
			t.Fatal("conversation list not committed")
		}
	}
	if c, _ := f.db.GetConversation("c9"); c == nil || c.Status != model.ConversationResolved {
		t.Errorf("c9 = %+v after list poll, want it kept", c)
	}
}

func TestRefocusIsRateLimited(t *testing.T) {
	fb := newFakeBackend()
	f := newFixture(t, fb, WithRefocusGap(time.Hour))
	f.sched.Start(context.Background())
	eventually(t, func() bool { return fb.count("stats") == 1 })

	if !f.sched.Refocus() {
		t.Fatal("first refocus should be honoured")
	}
	if f.sched.Refocus() {
		t.Error("second refocus within the gap should be dropped")
	}
	eventually(t, func() bool { return fb.count("stats") == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := fb.count("stats"); n != 2 {
		t.Errorf("stats fetched %d times, want 2", n)
	}
}

func TestUntrackDiscardsInFlightResult(t *testing.T) {
	fb := newFakeBackend()
	fb.msgs["c1"] = []model.Message{{ID: "m1", Status: model.StatusSent}}
	fb.msgGate = make(chan struct{})
	fb.msgCalled = make(chan string, 4)
	f := newFixture(t, fb)
	f.sched.Start(context.Background())

	f.inbox.Track("c1")
	<-fb.msgCalled
	f.inbox.Untrack("c1")
	close(fb.msgGate)

	time.Sleep(50 * time.Millisecond)
	if n, _ := f.db.MessageCount(); n != 0 {
		t.Errorf("cached %d messages from an untracked conversation", n)
	}
}

func TestTrackNests(t *testing.T) {
	fb := newFakeBackend()
	f := newFixture(t, fb)

	f.inbox.Track("c1")
	f.inbox.Track("c1")
	f.inbox.Untrack("c1")
	if !f.inbox.Tracked("c1") {
		t.Fatal("one Track still outstanding")
	}
	f.inbox.Untrack("c1")
	if f.inbox.Tracked("c1") {
		t.Error("still tracked after matching Untracks")
	}
	f.inbox.Untrack("c1")
}

func TestMessagesMergedNotReplaced(t *testing.T) {
	fb := newFakeBackend()
	fb.msgs["c1"] = []model.Message{{ID: "m1", Status: model.StatusSent, CreatedAt: time.UnixMilli(1000)}}
	f := newFixture(t, fb)

	if _, err := f.db.InsertMessage(model.Message{ID: "m1", ConversationID: "c1", Status: model.StatusRead, CreatedAt: time.UnixMilli(1000)}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.InsertMessage(model.Message{ID: "m2", ConversationID: "c1", Status: model.StatusSent, CreatedAt: time.UnixMilli(2000)}); err != nil {
		t.Fatal(err)
	}

	f.sched.Start(context.Background())
	f.inbox.Track("c1")
	eventually(t, func() bool { return fb.count("messages:c1") >= 1 })
	eventually(t, func() bool {
		stale, _ := f.db.IsStale(store.MessagesKey("c1"))
		return !stale
	})

	msgs, _ := f.db.ListMessages("c1")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Status != model.StatusRead {
		t.Errorf("m1 regressed to %s", msgs[0].Status)
	}
}

func TestFailurePublishesAndKeepsCache(t *testing.T) {
	fb := newFakeBackend()
	fb.convs = []model.Conversation{{ID: "c1"}}
	f := newFixture(t, fb)
	failures, unsub := f.bus.Subscribe(bus.KindPollFailed, 8)
	defer unsub()

	f.sched.Start(context.Background())
	eventually(t, func() bool {
		n, _ := f.db.ConversationCount()
		return n == 1
	})

	fb.mu.Lock()
	fb.convErr = errors.New("backend down")
	fb.mu.Unlock()
	f.sched.Refetch(store.KeyConversations)

	select {
	case evt := <-failures:
		fail, ok := evt.Payload.(Failure)
		if !ok || fail.Key != store.KeyConversations {
			t.Errorf("payload = %#v", evt.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no poll.failed event")
	}
	if n, _ := f.db.ConversationCount(); n != 1 {
		t.Errorf("cache lost conversations: %d", n)
	}
}

func TestTriggersCoalesce(t *testing.T) {
	var runs atomic.Int32
	gate := make(chan struct{})
	s := NewScheduler()
	s.Add("k", time.Hour, func(ctx context.Context) (func() error, error) {
		if runs.Add(1) == 1 {
			<-gate
		}
		return nil, nil
	})
	s.Start(context.Background())
	defer s.Stop()

	eventually(t, func() bool { return runs.Load() == 1 })
	for i := 0; i < 10; i++ {
		s.Refetch("k")
	}
	close(gate)

	eventually(t, func() bool { return runs.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := runs.Load(); n != 2 {
		t.Errorf("runs = %d, want 2", n)
	}
}

func TestResourceLabel(t *testing.T) {
	if got := Resource(store.MessagesKey("c1")); got != "messages" {
		t.Errorf("got %s", got)
	}
	if got := Resource(store.KeyStats); got != store.KeyStats {
		t.Errorf("got %s", got)
	}
}
