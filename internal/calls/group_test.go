package calls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/inboxd/internal/model"
)

func at(sec int64) time.Time { return time.Unix(sec, 0) }

func TestCounterparty(t *testing.T) {
	tests := []struct {
		name string
		call model.Call
		want string
	}{
		{"outbound uses callee", model.Call{Direction: model.Outbound, FromNumber: "+1", ToNumber: "+2"}, "+2"},
		{"inbound uses caller", model.Call{Direction: model.Inbound, FromNumber: "+1", ToNumber: "+2"}, "+1"},
		{"outbound falls back to caller", model.Call{Direction: model.Outbound, FromNumber: "+1"}, "+1"},
		{"inbound falls back to callee", model.Call{Direction: model.Inbound, ToNumber: "+2"}, "+2"},
		{"unknown direction uses caller", model.Call{FromNumber: "+1", ToNumber: "+2"}, "+1"},
		{"neither leg", model.Call{Direction: model.Inbound, FromNumber: "  "}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Counterparty(tt.call))
		})
	}
}

func TestIsMissed(t *testing.T) {
	for _, s := range []string{"missed", "MISSED", "no-answer", "no_answer", "No-Answer"} {
		assert.True(t, IsMissed(s), s)
	}
	for _, s := range []string{"completed", "busy", "failed", ""} {
		assert.False(t, IsMissed(s), s)
	}
}

func TestGroupCalls(t *testing.T) {
	log := []model.Call{
		{ID: "a", Direction: model.Outbound, ToNumber: "+100", Status: "completed", DurationSeconds: 30, StartedAt: at(10)},
		{ID: "b", Direction: model.Inbound, FromNumber: "+100", Status: "missed", StartedAt: at(50)},
		{ID: "c", Direction: model.Inbound, FromNumber: "+200", Status: "no-answer", StartedAt: at(40)},
		{ID: "d", Direction: model.Outbound, ToNumber: "+200", Status: "completed", DurationSeconds: 12, StartedAt: at(20)},
		{ID: "e", Direction: model.Inbound, Status: "missed", StartedAt: at(99)},
	}

	groups := GroupCalls(log)
	require.Len(t, groups, 2)

	first := groups[0]
	assert.Equal(t, "+100", first.CounterpartyNumber)
	assert.Equal(t, "b", first.MostRecent.ID)
	assert.Equal(t, 2, first.Total)
	assert.Equal(t, 1, first.Missed)
	assert.Equal(t, 30, first.TotalDuration)
	assert.Equal(t, []string{"b", "a"}, ids(first.Calls))

	second := groups[1]
	assert.Equal(t, "+200", second.CounterpartyNumber)
	assert.Equal(t, 1, second.Missed)
	assert.Equal(t, 12, second.TotalDuration)
}

func TestGroupCallsExcludesUnknownCounterparty(t *testing.T) {
	groups := GroupCalls([]model.Call{{ID: "x", Direction: model.Inbound}})
	assert.Empty(t, groups)

	total := 0
	for _, g := range GroupCalls([]model.Call{
		{ID: "x", Direction: model.Inbound},
		{ID: "y", Direction: model.Inbound, FromNumber: "+1"},
	}) {
		total += g.Total
	}
	assert.Equal(t, 1, total)
}

func TestGroupCallsDeterministic(t *testing.T) {
	log := []model.Call{
		{ID: "z", Direction: model.Inbound, FromNumber: "+3", StartedAt: at(5)},
		{ID: "y", Direction: model.Inbound, FromNumber: "+2", StartedAt: at(5)},
		{ID: "b", Direction: model.Inbound, FromNumber: "+1", StartedAt: at(5)},
		{ID: "a", Direction: model.Outbound, ToNumber: "+1", StartedAt: at(5)},
	}
	want := GroupCalls(log)
	require.Len(t, want, 3)
	assert.Equal(t, "+1", want[0].CounterpartyNumber)
	assert.Equal(t, []string{"a", "b"}, ids(want[0].Calls))

	reversed := make([]model.Call, len(log))
	for i, c := range log {
		reversed[len(log)-1-i] = c
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, want, GroupCalls(reversed))
	}
	assert.Equal(t, "z", log[0].ID, "input must not be reordered")
}

func ids(calls []model.Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.ID
	}
	return out
}
