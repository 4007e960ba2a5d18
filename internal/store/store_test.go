package store

import (
	"testing"
	"time"

	"github.com/matheus3301/inboxd/internal/bus"
	"github.com/matheus3301/inboxd/internal/metrics"
	"github.com/matheus3301/inboxd/internal/model"
)

func testDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db, err := Open(opts...)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func msg(id, conv string, status model.MessageStatus, at int64) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: conv,
		Content:        "body " + id,
		Direction:      model.Outbound,
		Status:         status,
		CreatedAt:      time.UnixMilli(at),
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestOpenIsolatesCaches(t *testing.T) {
	a := testDB(t)
	b := testDB(t)

	if _, err := a.InsertMessage(msg("m1", "c1", model.StatusSent, 1000)); err != nil {
		t.Fatal(err)
	}
	n, err := b.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second cache sees %d messages, want 0", n)
	}
}

func TestInsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := msg("m1", "c1", model.StatusSent, 1000)
	ok, err := db.InsertMessage(m)
	if err != nil || !ok {
		t.Fatalf("first insert = %v, %v", ok, err)
	}
	m.Content = "changed"
	ok, err = db.InsertMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second insert of same id should be a no-op")
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "body m1" {
		t.Errorf("content = %q, want original", msgs[0].Content)
	}
}

func TestInsertMessageAbsorbsOptimistic(t *testing.T) {
	db := testDB(t)

	opt := msg("", "c1", model.StatusPending, 1000)
	opt.ClientID = "cid-1"
	if err := db.InsertOptimistic(opt); err != nil {
		t.Fatal(err)
	}

	auth := msg("srv-1", "c1", model.StatusSent, 1200)
	auth.ClientID = "cid-1"
	if _, err := db.InsertMessage(auth); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (optimistic twin not absorbed)", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].Optimistic {
		t.Errorf("got %+v, want authoritative srv-1", msgs[0])
	}
}

func TestPatchMessageStatusMonotonic(t *testing.T) {
	db := testDB(t)
	if _, err := db.InsertMessage(msg("m1", "c1", model.StatusSent, 1000)); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		in   model.MessageStatus
		want model.MessageStatus
	}{
		{model.StatusDelivered, model.StatusDelivered},
		{model.StatusSent, model.StatusDelivered},
		{model.StatusRead, model.StatusRead},
		{model.StatusDelivered, model.StatusRead},
		{model.StatusPending, model.StatusRead},
		{model.StatusFailed, model.StatusFailed},
		{model.StatusPending, model.StatusPending},
		{model.StatusRead, model.StatusRead},
		{model.StatusFailed, model.StatusFailed},
	}
	for i, s := range steps {
		got, found, err := db.PatchMessageStatus("m1", s.in)
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatalf("step %d: message not found", i)
		}
		if got != s.want {
			t.Errorf("step %d: patch %s -> %s, want %s", i, s.in, got, s.want)
		}
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != model.StatusFailed {
		t.Errorf("stored status = %s, want failed", m.Status)
	}
}

func TestPatchMessageStatusUnknownID(t *testing.T) {
	db := testDB(t)

	_, found, err := db.PatchMessageStatus("nope", model.StatusRead)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("patch of unknown id should report not found")
	}
	n, _ := db.MessageCount()
	if n != 0 {
		t.Errorf("patch created %d messages, want 0", n)
	}
}

func TestMergeMessagesStalePollDoesNotRegress(t *testing.T) {
	m := metrics.New()
	db := testDB(t, WithMetrics(m))

	if _, err := db.InsertMessage(msg("m1", "c1", model.StatusRead, 1000)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertMessage(msg("m2", "c1", model.StatusDelivered, 2000)); err != nil {
		t.Fatal(err)
	}

	// Poll taken before the read receipt and missing m2 entirely.
	res, err := db.MergeMessages("c1", []model.Message{msg("m1", "", model.StatusSent, 1000)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcomes["retained"] != 1 {
		t.Errorf("outcomes = %v, want one retained", res.Outcomes)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (poll must not delete)", len(msgs))
	}
	if msgs[0].Status != model.StatusRead {
		t.Errorf("m1 status = %s, want read", msgs[0].Status)
	}
	stale, err := db.IsStale(MessagesKey("c1"))
	if err != nil {
		t.Fatal(err)
	}
	if stale {
		t.Error("merge should mark the messages key fresh")
	}
}

func TestMergeMessagesFailureOverrides(t *testing.T) {
	db := testDB(t)
	if _, err := db.InsertMessage(msg("m1", "c1", model.StatusDelivered, 1000)); err != nil {
		t.Fatal(err)
	}

	if _, err := db.MergeMessages("c1", []model.Message{msg("m1", "c1", model.StatusFailed, 1000)}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("m1")
	if got.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestReplaceOptimisticKeepsHigherStatus(t *testing.T) {
	db := testDB(t)

	opt := msg("", "c1", model.StatusPending, 1000)
	opt.ClientID = "cid-1"
	if err := db.InsertOptimistic(opt); err != nil {
		t.Fatal(err)
	}
	// A push event delivered the authoritative record first.
	early := msg("srv-1", "c1", model.StatusDelivered, 1000)
	if _, err := db.InsertMessage(early); err != nil {
		t.Fatal(err)
	}

	got, err := db.ReplaceOptimistic("cid-1", msg("srv-1", "", model.StatusSent, 1000))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
	if got.ConversationID != "c1" {
		t.Errorf("conversation = %q, want c1", got.ConversationID)
	}
	msgs, _ := db.ListMessages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestExpireOptimistic(t *testing.T) {
	db := testDB(t)

	old := msg("", "c1", model.StatusPending, time.Now().Add(-2*time.Minute).UnixMilli())
	old.ClientID = "old"
	fresh := msg("", "c1", model.StatusPending, time.Now().UnixMilli())
	fresh.ClientID = "fresh"
	for _, m := range []model.Message{old, fresh} {
		if err := db.InsertOptimistic(m); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := db.ExpireOptimistic(time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "old" {
		t.Fatalf("expired = %v, want [old]", ids)
	}
	m, _ := db.GetMessage("old")
	if m.Status != model.StatusFailed {
		t.Errorf("old status = %s, want failed", m.Status)
	}
	m, _ = db.GetMessage("fresh")
	if m.Status != model.StatusPending {
		t.Errorf("fresh status = %s, want pending", m.Status)
	}
}

func TestConversations(t *testing.T) {
	db := testDB(t)

	convs := []model.Conversation{
		{ID: "c1", Status: model.ConversationOpen, ContactName: "Ana", LastActivityAt: time.UnixMilli(1000)},
		{ID: "c2", Status: model.ConversationResolved, ContactName: "Bo", LastActivityAt: time.UnixMilli(3000)},
		{ID: "c3", ContactName: "Cy", Starred: true, LastActivityAt: time.UnixMilli(2000)},
	}
	if err := db.ReplaceConversations(convs); err != nil {
		t.Fatal(err)
	}

	all, err := db.ListConversations("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "c2" || all[1].ID != "c3" {
		t.Fatalf("order = %v, want c2, c3, c1", all)
	}
	open, err := db.ListConversations(model.ConversationOpen, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Errorf("open = %d, want 2 (empty status defaults to open)", len(open))
	}

	if err := db.ReplaceConversations(convs[:1]); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.ConversationCount(); n != 1 {
		t.Errorf("count after replace = %d, want 1", n)
	}

	if err := db.PutConversation(model.Conversation{ID: "c1", Status: model.ConversationClosed}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Status != model.ConversationClosed {
		t.Errorf("got %+v, want closed", c)
	}
	if c, _ := db.GetConversation("missing"); c != nil {
		t.Error("expected nil for missing conversation")
	}
}

func TestInvalidatePublishesAndMarksStale(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe(bus.KindCacheStale, 4)
	defer unsub()
	db := testDB(t, WithBus(b))

	if err := db.PutSnapshot(KeyStats, []byte(`{"open":3}`)); err != nil {
		t.Fatal(err)
	}
	if stale, _ := db.IsStale(KeyStats); stale {
		t.Fatal("snapshot should be fresh")
	}

	if err := db.Invalidate(KeyStats); err != nil {
		t.Fatal(err)
	}
	if stale, _ := db.IsStale(KeyStats); !stale {
		t.Error("invalidated key should be stale")
	}
	payload, _ := db.Snapshot(KeyStats)
	if string(payload) != `{"open":3}` {
		t.Errorf("snapshot = %s, want data kept after invalidation", payload)
	}

	select {
	case evt := <-events:
		if evt.Payload != KeyStats {
			t.Errorf("payload = %v, want %s", evt.Payload, KeyStats)
		}
	case <-time.After(time.Second):
		t.Fatal("no cache.invalidated event")
	}
}

func TestResetEmptiesCacheAndInvalidates(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe(bus.KindCacheStale, 16)
	defer unsub()
	db := testDB(t, WithBus(b))

	if _, err := db.InsertMessage(msg("m1", "c1", model.StatusSent, 1000)); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceConversations([]model.Conversation{{ID: "c1", Status: model.ConversationOpen}}); err != nil {
		t.Fatal(err)
	}

	result, err := db.Reset()
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if result.Version != 1 || result.Dirty {
		t.Errorf("result = %+v, want clean version 1", result)
	}
	if n, _ := db.MessageCount(); n != 0 {
		t.Errorf("messages after reset = %d, want 0", n)
	}
	if n, _ := db.ConversationCount(); n != 0 {
		t.Errorf("conversations after reset = %d, want 0", n)
	}
	if stale, _ := db.IsStale(KeyConversations); !stale {
		t.Error("conversations should be stale after reset")
	}

	seen := map[any]bool{}
	timeout := time.After(time.Second)
	for !seen[KeyConversations] {
		select {
		case evt := <-events:
			seen[evt.Payload] = true
		case <-timeout:
			t.Fatal("no cache.invalidated event for conversations")
		}
	}
}

func TestNeverFetchedIsStale(t *testing.T) {
	db := testDB(t)
	stale, err := db.IsStale(KeyNotifications)
	if err != nil {
		t.Fatal(err)
	}
	if !stale {
		t.Error("unknown key should be stale")
	}
}

func TestNotifications(t *testing.T) {
	db := testDB(t)

	n := model.Notification{ID: "n1", Kind: "mention", Title: "hi", CreatedAt: time.UnixMilli(1000)}
	ok, err := db.InsertNotification(n)
	if err != nil || !ok {
		t.Fatalf("insert = %v, %v", ok, err)
	}
	ok, err = db.InsertNotification(n)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("duplicate notification should be ignored")
	}

	if err := db.ReplaceNotifications([]model.Notification{
		{ID: "n2", Title: "older", CreatedAt: time.UnixMilli(500)},
		{ID: "n3", Title: "newer", Read: true, CreatedAt: time.UnixMilli(2000)},
	}); err != nil {
		t.Fatal(err)
	}
	list, err := db.ListNotifications(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "n3" || !list[0].Read {
		t.Errorf("list = %+v, want n3 first and read", list)
	}
}

func TestCalls(t *testing.T) {
	db := testDB(t)

	calls := []model.Call{
		{ID: "k1", Direction: model.Outbound, ToNumber: "+1555", Status: "completed", StartedAt: time.UnixMilli(1000)},
		{ID: "k2", Direction: model.Inbound, FromNumber: "+1666", Status: "missed", StartedAt: time.UnixMilli(2000),
			Metadata: map[string]string{"campaign": "spring"}},
	}
	if err := db.ReplaceCalls(calls); err != nil {
		t.Fatal(err)
	}
	got, err := db.ListCalls()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "k2" {
		t.Fatalf("calls = %+v, want k2 first", got)
	}
	if got[0].Metadata["campaign"] != "spring" {
		t.Errorf("metadata = %v", got[0].Metadata)
	}
}

func TestInsertMessageClaimsOptimisticWithoutEcho(t *testing.T) {
	db := testDB(t)

	for i, cid := range []string{"cid-a", "cid-b"} {
		opt := msg("", "c1", model.StatusPending, int64(1000+i))
		opt.ClientID = cid
		opt.Content = "hi"
		if err := db.InsertOptimistic(opt); err != nil {
			t.Fatal(err)
		}
	}

	pushed := msg("srv-1", "c1", model.StatusSent, 0)
	pushed.Content = "hi"
	pushed.CreatedAt = time.Time{}
	if _, err := db.InsertMessage(pushed); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].Optimistic || msgs[0].ClientID != "cid-a" {
		t.Errorf("first = %+v, want srv-1 replacing cid-a", msgs[0])
	}
	if msgs[1].ID != "cid-b" || !msgs[1].Optimistic {
		t.Errorf("second = %+v, want cid-b still pending", msgs[1])
	}

	// An inbound message with the same text is somebody else's.
	inbound := msg("srv-2", "c1", model.StatusSent, 3000)
	inbound.Content = "hi"
	inbound.Direction = model.Inbound
	if _, err := db.InsertMessage(inbound); err != nil {
		t.Fatal(err)
	}
	if m, _ := db.GetMessage("cid-b"); m == nil || !m.Optimistic {
		t.Errorf("cid-b = %+v, inbound message must not absorb it", m)
	}
}

func TestMergeMessagesClaimsOptimisticWithoutEcho(t *testing.T) {
	db := testDB(t)

	opt := msg("", "c1", model.StatusPending, 1000)
	opt.ClientID = "cid-1"
	if err := db.InsertOptimistic(opt); err != nil {
		t.Fatal(err)
	}

	polled := msg("srv-1", "", model.StatusDelivered, 1000)
	polled.Content = opt.Content
	res, err := db.MergeMessages("c1", []model.Message{polled})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Absorbed) != 1 || res.Absorbed[0] != "cid-1" {
		t.Errorf("absorbed = %v, want [cid-1]", res.Absorbed)
	}
	msgs, _ := db.ListMessages("c1")
	if len(msgs) != 1 || msgs[0].ID != "srv-1" || msgs[0].Status != model.StatusDelivered {
		t.Errorf("messages = %+v, want only srv-1 delivered", msgs)
	}
}

func TestPatchMessageStatusAnnouncesOnlyWrites(t *testing.T) {
	b := bus.New()
	changed, unsub := b.Subscribe(bus.KindCacheChanged, 8)
	defer unsub()
	db := testDB(t, WithBus(b))

	if _, err := db.InsertMessage(msg("m1", "c1", model.StatusRead, 1000)); err != nil {
		t.Fatal(err)
	}
	<-changed

	if _, _, err := db.PatchMessageStatus("m1", model.StatusSent); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-changed:
		t.Fatalf("retained status announced %v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	if _, _, err := db.PatchMessageStatus("m1", model.StatusFailed); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-changed:
		if evt.Payload != MessagesKey("c1") {
			t.Errorf("changed %v, want %s", evt.Payload, MessagesKey("c1"))
		}
	case <-time.After(time.Second):
		t.Fatal("status write not announced")
	}
}

func TestExpireOptimisticAnnouncesEachConversationOnce(t *testing.T) {
	b := bus.New()
	db := testDB(t, WithBus(b))

	past := time.Now().Add(-time.Hour).UnixMilli()
	for i, cid := range []string{"cid-1", "cid-2"} {
		m := msg("", "c1", model.StatusPending, past+int64(i))
		m.ClientID = cid
		if err := db.InsertOptimistic(m); err != nil {
			t.Fatal(err)
		}
	}
	changed, unsub := b.Subscribe(bus.KindCacheChanged, 8)
	defer unsub()

	ids, err := db.ExpireOptimistic(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expired = %v, want 2", ids)
	}
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("expiry not announced")
	}
	select {
	case evt := <-changed:
		t.Errorf("extra announcement %v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReplaceConversationsKeepsFreshSingleEntries(t *testing.T) {
	db := testDB(t)

	if err := db.PutConversation(model.Conversation{ID: "c9", Status: model.ConversationResolved}); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceConversations([]model.Conversation{{ID: "c1"}}); err != nil {
		t.Fatal(err)
	}
	if c, _ := db.GetConversation("c9"); c == nil || c.Status != model.ConversationResolved {
		t.Fatalf("c9 = %+v, want the single entry kept", c)
	}

	// Once the single entry is invalidated the list decides again.
	if err := db.Invalidate(ConversationKey("c9")); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceConversations([]model.Conversation{{ID: "c1"}}); err != nil {
		t.Fatal(err)
	}
	if c, _ := db.GetConversation("c9"); c != nil {
		t.Errorf("c9 = %+v, want dropped", c)
	}
	if n, _ := db.ConversationCount(); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}
