package store

import "strings"

// Resource keys. Each key names one cache entry that can be invalidated and
// refetched on its own.
const (
	KeyConversations = "conversations"
	KeyStats         = "stats"
	KeyNotifications = "notifications"
	KeyUnreadCount   = "notifications:unread"
	KeyCallLog       = "dialer:logs"
	KeyActiveCalls   = "dialer:active"

	messagesPrefix     = "messages:"
	conversationPrefix = "conversation:"
)

// MessagesKey is the key of one conversation's message list.
func MessagesKey(conversationID string) string {
	return messagesPrefix + conversationID
}

// ConversationKey is the key of a single conversation entry.
func ConversationKey(conversationID string) string {
	return conversationPrefix + conversationID
}

// ParseMessagesKey returns the conversation id of a messages key.
func ParseMessagesKey(key string) (string, bool) {
	return strings.CutPrefix(key, messagesPrefix)
}

// ParseConversationKey returns the conversation id of a single-conversation key.
func ParseConversationKey(key string) (string, bool) {
	return strings.CutPrefix(key, conversationPrefix)
}
