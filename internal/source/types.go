package source

import "time"

// MessageType is the closed set of message kinds a backend can report.
// Unrecognized wire values map to MessageTypeUnknown, never to an error.
type MessageType string

const (
	MessageTypeMessage        MessageType = "MESSAGE"
	MessageTypeChannelJoin    MessageType = "CHANNEL_JOIN"
	MessageTypeMessageChanged MessageType = "MESSAGE_CHANGED"
	MessageTypeBotMessage     MessageType = "BOT_MESSAGE"
	MessageTypePinnedItem     MessageType = "PINNED_ITEM"
	MessageTypeUnknown        MessageType = "UNKNOWN"
)

// ParseMessageType maps a backend wire value to the closed type set.
func ParseMessageType(wire string) MessageType {
	switch wire {
	case "", "message":
		return MessageTypeMessage
	case "channel_join", "group_join":
		return MessageTypeChannelJoin
	case "message_changed":
		return MessageTypeMessageChanged
	case "bot_message":
		return MessageTypeBotMessage
	case "pinned_item":
		return MessageTypePinnedItem
	default:
		return MessageTypeUnknown
	}
}

// Room is an immutable snapshot of a chat room at fetch time.
type Room struct {
	ID        string
	Name      string
	Private   bool
	MemberIDs []string
}

// User is an immutable snapshot of a chat user at fetch time.
type User struct {
	ID           string
	Name         string
	MentionName  string
	Status       string
	Timezone     string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Message is one chat message produced by a ChatSource. FromUserID is
// the sentinel "0" when the backend reported a user field that could
// not be resolved to a numeric id.
type Message struct {
	Timestamp       time.Time
	RoomID          string
	FromUserID      string
	FromDisplayName string
	Text            string
	Type            MessageType
}

// SentinelUserID replaces unresolvable user id fields so a malformed
// field never loses an otherwise valid message.
const SentinelUserID = "0"
