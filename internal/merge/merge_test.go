package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/inboxd/internal/model"
)

func TestStatusTable(t *testing.T) {
	tests := []struct {
		cur, next model.MessageStatus
		want      model.MessageStatus
		outcome   Outcome
	}{
		{model.StatusPending, model.StatusSent, model.StatusSent, Advanced},
		{model.StatusSent, model.StatusPending, model.StatusSent, Retained},
		{model.StatusSent, model.StatusRead, model.StatusRead, Advanced},
		{model.StatusRead, model.StatusSent, model.StatusRead, Retained},
		{model.StatusDelivered, model.StatusDelivered, model.StatusDelivered, Unchanged},
		{model.StatusDelivered, model.StatusFailed, model.StatusFailed, FailureOverride},
		{model.StatusRead, model.StatusFailed, model.StatusFailed, FailureOverride},
		{model.StatusFailed, model.StatusFailed, model.StatusFailed, Unchanged},
		{model.StatusFailed, model.StatusSent, model.StatusSent, Advanced},
		{model.StatusFailed, model.StatusPending, model.StatusPending, Advanced},
		{"", model.StatusPending, model.StatusPending, Unchanged},
	}
	for _, tt := range tests {
		t.Run(string(tt.cur)+"+"+string(tt.next), func(t *testing.T) {
			got, outcome := Status(tt.cur, tt.next)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.outcome, outcome)
		})
	}
}

func TestPriorityOrder(t *testing.T) {
	assert.Equal(t, -1, Priority(model.StatusFailed))
	assert.Less(t, Priority(model.StatusPending), Priority(model.StatusSent))
	assert.Less(t, Priority(model.StatusSent), Priority(model.StatusDelivered))
	assert.Less(t, Priority(model.StatusDelivered), Priority(model.StatusRead))
	assert.Equal(t, Priority(model.StatusPending), Priority("queued"))
}

// TestMonotonicSequence replays sent -> poll(pending) -> push(read) -> poll(sent).
func TestMonotonicSequence(t *testing.T) {
	status := model.StatusSent
	for _, next := range []model.MessageStatus{model.StatusPending, model.StatusRead, model.StatusSent} {
		status, _ = Status(status, next)
	}
	assert.Equal(t, model.StatusRead, status)
}

func TestMessageTakesFieldsFromIncoming(t *testing.T) {
	created := time.UnixMilli(1000)
	cached := model.Message{ID: "m1", Content: "old", Status: model.StatusRead, CreatedAt: created, ClientID: "c1"}
	incoming := model.Message{ID: "m1", Content: "edited", Status: model.StatusSent}

	got, outcome := Message(cached, incoming)
	assert.Equal(t, "edited", got.Content)
	assert.Equal(t, model.StatusRead, got.Status)
	assert.Equal(t, Retained, outcome)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, "c1", got.ClientID)
}

func TestMessagesPreservesAndPassesThrough(t *testing.T) {
	cached := []model.Message{
		{ID: "m1", Status: model.StatusRead, CreatedAt: time.UnixMilli(1)},
		{ID: "m2", Status: model.StatusSent, CreatedAt: time.UnixMilli(2)},
	}
	polled := []model.Message{
		{ID: "m1", Status: model.StatusDelivered, CreatedAt: time.UnixMilli(1)},
		{ID: "m3", Status: model.StatusPending, CreatedAt: time.UnixMilli(3)},
	}

	res := Messages(cached, polled)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(res.Messages))
	assert.Equal(t, model.StatusRead, res.Messages[0].Status)
	assert.Equal(t, model.StatusSent, res.Messages[1].Status)
	assert.Equal(t, model.StatusPending, res.Messages[2].Status)
	assert.ElementsMatch(t, []string{"m1", "m3"}, res.Changed)
	assert.Empty(t, res.Absorbed)
	assert.Equal(t, 1, res.Outcomes[Retained])
}

func TestMessagesAbsorbsOptimistic(t *testing.T) {
	cached := []model.Message{
		{ID: "c1", ClientID: "c1", Status: model.StatusPending, Optimistic: true, CreatedAt: time.UnixMilli(5)},
	}
	polled := []model.Message{
		{ID: "m1", ClientID: "c1", Status: model.StatusSent, CreatedAt: time.UnixMilli(6)},
	}

	res := Messages(cached, polled)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "m1", res.Messages[0].ID)
	assert.False(t, res.Messages[0].Optimistic)
	assert.Equal(t, model.StatusSent, res.Messages[0].Status)
	assert.Equal(t, []string{"c1"}, res.Absorbed)
}

func TestMessagesAbsorbKeepsHigherStatus(t *testing.T) {
	cached := []model.Message{
		{ID: "c1", ClientID: "c1", Status: model.StatusPending, Optimistic: true},
		{ID: "m1", Status: model.StatusDelivered},
	}
	polled := []model.Message{{ID: "m1", ClientID: "c1", Status: model.StatusSent}}

	res := Messages(cached, polled)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, model.StatusDelivered, res.Messages[0].Status)
}

func TestMessagesIgnoresNonOptimisticClientMatch(t *testing.T) {
	cached := []model.Message{{ID: "x", Status: model.StatusRead}}
	polled := []model.Message{{ID: "m1", ClientID: "x", Status: model.StatusSent}}

	res := Messages(cached, polled)
	assert.Len(t, res.Messages, 2)
	assert.Empty(t, res.Absorbed)
}

func TestMessagesClaimsOptimisticWithoutEcho(t *testing.T) {
	cached := []model.Message{
		{ID: "late", ClientID: "late", ConversationID: "c1", Content: "hi", Direction: model.Outbound,
			Status: model.StatusPending, Optimistic: true, CreatedAt: time.UnixMilli(9)},
		{ID: "early", ClientID: "early", ConversationID: "c1", Content: "hi", Direction: model.Outbound,
			Status: model.StatusPending, Optimistic: true, CreatedAt: time.UnixMilli(4)},
		{ID: "other", ClientID: "other", ConversationID: "c1", Content: "bye", Direction: model.Outbound,
			Status: model.StatusPending, Optimistic: true, CreatedAt: time.UnixMilli(1)},
	}
	polled := []model.Message{
		{ID: "srv", ConversationID: "c1", Content: "hi", Direction: model.Outbound, Status: model.StatusSent},
	}

	res := Messages(cached, polled)
	assert.Equal(t, []string{"early"}, res.Absorbed)
	require.Len(t, res.Messages, 3)
	assert.ElementsMatch(t, []string{"other", "srv", "late"}, ids(res.Messages))
	for _, m := range res.Messages {
		if m.ID == "srv" {
			assert.False(t, m.Optimistic)
			assert.Equal(t, "early", m.ClientID)
			assert.Equal(t, time.UnixMilli(4), m.CreatedAt)
		}
	}
}

func TestClaims(t *testing.T) {
	opt := model.Message{ID: "cid", ConversationID: "c1", Content: "hi", Status: model.StatusPending, Optimistic: true}
	srv := model.Message{ID: "srv", ConversationID: "c1", Content: "hi", Direction: model.Outbound}

	assert.True(t, Claims(opt, srv))

	inbound := srv
	inbound.Direction = model.Inbound
	assert.False(t, Claims(opt, inbound))

	elsewhere := srv
	elsewhere.ConversationID = "c2"
	assert.False(t, Claims(opt, elsewhere))

	expired := opt
	expired.Status = model.StatusFailed
	assert.False(t, Claims(expired, srv))

	confirmed := opt
	confirmed.Optimistic = false
	assert.False(t, Claims(confirmed, srv))
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
