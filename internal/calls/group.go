// Package calls derives per-counterparty call groups from a dialer call log.
package calls

import (
	"sort"
	"strings"
	"time"

	"github.com/matheus3301/inboxd/internal/model"
)

// Group is every call exchanged with one counterparty number.
type Group struct {
	CounterpartyNumber string       `json:"counterpartyNumber"`
	MostRecent         model.Call   `json:"mostRecent"`
	Calls              []model.Call `json:"calls"`
	Total              int          `json:"total"`
	Missed             int          `json:"missed"`
	TotalDuration      int          `json:"totalDuration"`
}

// Counterparty returns the number on the other side of c: the callee of an
// outbound call, the caller of an inbound one, falling back to whichever leg
// is set. It returns "" when neither leg is known.
func Counterparty(c model.Call) string {
	primary, secondary := c.FromNumber, c.ToNumber
	if c.Direction == model.Outbound {
		primary, secondary = c.ToNumber, c.FromNumber
	}
	if primary = strings.TrimSpace(primary); primary != "" {
		return primary
	}
	return strings.TrimSpace(secondary)
}

// IsMissed reports whether a call status counts as missed.
func IsMissed(status string) bool {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(status)), "-", "_") {
	case "missed", "no_answer":
		return true
	}
	return false
}

// GroupCalls buckets calls by counterparty. Groups are ordered by their most
// recent call, newest first, with ties broken by number; calls within a
// group are newest first with ties broken by id. Calls with no counterparty
// are left out. The input is not modified.
func GroupCalls(log []model.Call) []Group {
	byNumber := make(map[string]*Group)
	for _, c := range log {
		number := Counterparty(c)
		if number == "" {
			continue
		}
		g, ok := byNumber[number]
		if !ok {
			g = &Group{CounterpartyNumber: number}
			byNumber[number] = g
		}
		g.Calls = append(g.Calls, c)
		g.Total++
		g.TotalDuration += c.DurationSeconds
		if IsMissed(c.Status) {
			g.Missed++
		}
	}

	groups := make([]Group, 0, len(byNumber))
	for _, g := range byNumber {
		sort.SliceStable(g.Calls, func(i, j int) bool {
			return newer(g.Calls[i], g.Calls[j])
		})
		g.MostRecent = g.Calls[0]
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		a, b := startOf(groups[i].MostRecent), startOf(groups[j].MostRecent)
		if !a.Equal(b) {
			return a.After(b)
		}
		return groups[i].CounterpartyNumber < groups[j].CounterpartyNumber
	})
	return groups
}

func newer(a, b model.Call) bool {
	ta, tb := startOf(a), startOf(b)
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return a.ID < b.ID
}

func startOf(c model.Call) time.Time {
	if c.StartedAt.IsZero() {
		return c.EndedAt
	}
	return c.StartedAt
}
