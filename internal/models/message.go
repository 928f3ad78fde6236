package models

// ChatKind mirrors the chat types reported by the Telegram Bot API.
type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

// MultiParty reports whether the chat has more than one human participant.
func (k ChatKind) MultiParty() bool {
	return k == ChatGroup || k == ChatSupergroup
}

// InboundMessage is the transport-neutral view of a received text message.
type InboundMessage struct {
	UpdateID  int64
	ChatID    int64
	ChatKind  ChatKind
	MessageID int64
	SenderID  int64
	Text      string

	// IsReply is set when the message replies to another message;
	// ReplyToSenderID then holds the author of that message.
	IsReply         bool
	ReplyToSenderID int64
}
