package telegram

import "chatrelay/internal/models"

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type Message struct {
	MessageID      int64    `json:"message_id"`
	From           *User    `json:"from,omitempty"`
	Chat           Chat     `json:"chat"`
	Date           int64    `json:"date"`
	Text           string   `json:"text,omitempty"`
	ReplyToMessage *Message `json:"reply_to_message,omitempty"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Inbound converts a received message into the transport-neutral form.
func (m *Message) Inbound(updateID int64) models.InboundMessage {
	in := models.InboundMessage{
		UpdateID:  updateID,
		ChatID:    m.Chat.ID,
		ChatKind:  models.ChatKind(m.Chat.Type),
		MessageID: m.MessageID,
		Text:      m.Text,
	}
	if m.From != nil {
		in.SenderID = m.From.ID
	}
	if m.ReplyToMessage != nil {
		in.IsReply = true
		if m.ReplyToMessage.From != nil {
			in.ReplyToSenderID = m.ReplyToMessage.From.ID
		}
	}
	return in
}
