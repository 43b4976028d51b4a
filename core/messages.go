package core

import "time"

type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one entry of a call's conversation history.
type ChatMessage struct {
	Role      ChatRole  `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func NewChatMessage(role ChatRole, text string) ChatMessage {
	return ChatMessage{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}
}
