// Package merge reconciles message records observed from polls, push events
// and optimistic writes so a message status never moves backwards.
//
// Statuses are ordered pending < sent < delivered < read. A failed status is
// ranked below pending but always wins when it arrives: a failure is final
// and must surface over a stale "sent".
package merge

import (
	"sort"

	"github.com/matheus3301/inboxd/internal/model"
)

// Outcome describes what a status merge did.
type Outcome string

const (
	// Advanced means the incoming status was strictly higher and was taken.
	Advanced Outcome = "advanced"
	// Unchanged means both statuses had the same priority.
	Unchanged Outcome = "unchanged"
	// Retained means the incoming status was lower and the cached one was kept.
	Retained Outcome = "retained"
	// FailureOverride means an incoming failed status replaced a higher one.
	FailureOverride Outcome = "failure_override"
)

// Priority ranks a status. Unknown statuses rank as pending.
func Priority(s model.MessageStatus) int {
	switch s {
	case model.StatusFailed:
		return -1
	case model.StatusSent:
		return 1
	case model.StatusDelivered:
		return 2
	case model.StatusRead:
		return 3
	default:
		return 0
	}
}

// Status returns the status that should be visible after observing next on
// top of cur.
func Status(cur, next model.MessageStatus) (model.MessageStatus, Outcome) {
	if next == model.StatusFailed {
		if cur == model.StatusFailed {
			return next, Unchanged
		}
		return next, FailureOverride
	}
	pc, pn := Priority(cur), Priority(next)
	switch {
	case pn > pc:
		return next, Advanced
	case pn == pc:
		return next, Unchanged
	default:
		return cur, Retained
	}
}

// Message merges an incoming observation of a message into the cached copy.
// Every field except Status comes from incoming; the result is never
// optimistic because incoming is authoritative.
func Message(cached, incoming model.Message) (model.Message, Outcome) {
	status, outcome := Status(cached.Status, incoming.Status)
	out := incoming
	out.Status = status
	if out.CreatedAt.IsZero() {
		out.CreatedAt = cached.CreatedAt
	}
	if out.ClientID == "" {
		out.ClientID = cached.ClientID
	}
	out.Optimistic = false
	return out, outcome
}

// Result is the outcome of merging a polled list into the cached list.
type Result struct {
	// Messages is the full merged list ordered by CreatedAt then ID.
	Messages []model.Message
	// Changed holds the ids of messages that must be written back.
	Changed []string
	// Absorbed holds the ids of optimistic entries replaced by their
	// authoritative counterpart.
	Absorbed []string
	// Outcomes counts merge outcomes for messages present on both sides.
	Outcomes map[Outcome]int
}

// Messages merges a freshly polled list into the cached list of one
// conversation. Cached messages missing from the poll are kept: a poll is not
// authoritative for deletions. A polled message carrying the client id of a
// cached optimistic entry absorbs that entry; without a client id it absorbs
// the oldest entry it Claims.
func Messages(cached, polled []model.Message) Result {
	res := Result{Outcomes: make(map[Outcome]int)}

	byID := make(map[string]model.Message, len(cached))
	for _, m := range cached {
		byID[m.ID] = m
	}

	for _, in := range polled {
		if in.ID == "" {
			continue
		}
		if in.ClientID != "" && in.ClientID != in.ID {
			if opt, ok := byID[in.ClientID]; ok && opt.Optimistic {
				delete(byID, in.ClientID)
				res.Absorbed = append(res.Absorbed, in.ClientID)
				if cur, ok := byID[in.ID]; ok {
					opt.Status, _ = Status(opt.Status, cur.Status)
				}
				byID[in.ID] = opt
			}
		}

		if _, cached := byID[in.ID]; !cached && in.ClientID == "" {
			if opt, ok := oldestClaimed(byID, in); ok {
				delete(byID, opt.ID)
				res.Absorbed = append(res.Absorbed, opt.ID)
				byID[in.ID] = opt
			}
		}

		cur, ok := byID[in.ID]
		if !ok {
			in.Optimistic = false
			byID[in.ID] = in
			res.Changed = append(res.Changed, in.ID)
			continue
		}
		merged, outcome := Message(cur, in)
		res.Outcomes[outcome]++
		byID[in.ID] = merged
		res.Changed = append(res.Changed, in.ID)
	}

	res.Messages = make([]model.Message, 0, len(byID))
	for _, m := range byID {
		res.Messages = append(res.Messages, m)
	}
	SortMessages(res.Messages)
	return res
}

// Claims reports whether the authoritative message in stands for the
// optimistic entry opt when the server did not echo a client id: same
// conversation, same content, outbound, and opt still awaiting confirmation.
func Claims(opt, in model.Message) bool {
	return opt.Optimistic &&
		opt.Status == model.StatusPending &&
		in.Direction == model.Outbound &&
		opt.ConversationID == in.ConversationID &&
		opt.Content == in.Content
}

func oldestClaimed(byID map[string]model.Message, in model.Message) (model.Message, bool) {
	var (
		best  model.Message
		found bool
	)
	for _, m := range byID {
		if !Claims(m, in) {
			continue
		}
		if !found || m.CreatedAt.Before(best.CreatedAt) || (m.CreatedAt.Equal(best.CreatedAt) && m.ID < best.ID) {
			best, found = m, true
		}
	}
	return best, found
}

// SortMessages orders messages oldest first, breaking ties by id.
func SortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
