package bus

import "time"

// Event represents a signal published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the daemon. Subscribers filter by prefix, so the
// part before the dot is the namespace ("conn.", "cache.", ...).
const (
	KindConnState      = "conn.state"
	KindConnError      = "conn.error"
	KindCacheChanged   = "cache.changed"
	KindCacheStale     = "cache.invalidated"
	KindPollFailed     = "poll.failed"
	KindTyping         = "typing.update"
	KindNotification   = "notification.new"
	KindMessageFailed  = "message.send_failed"
	KindMessageAck     = "message.send_ack"
	KindCredentialSeen = "credential.changed"
)
