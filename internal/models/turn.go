package models

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Storable reports whether turns with this role may be persisted. The system
// prompt lives in runtime settings and is never written to history.
func (r Role) Storable() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one stored message of a chat at a fixed sequence position.
type Turn struct {
	ChatID   int64  `json:"chat_id"`
	Sequence int64  `json:"sequence"`
	Role     Role   `json:"role"`
	Content  string `json:"content"`
}
