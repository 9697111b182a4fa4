package models

import "time"

// Role identifies who produced a conversation entry.
type Role string

const (
	RoleAssistant  Role = "assistant"
	RoleUser       Role = "user"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
	RoleSystem     Role = "system"
)

// ConversationEntry is one line of an agent's append-only conversation log.
type ConversationEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEntry stamps a conversation entry with the current time.
func NewEntry(role Role, content string, metadata map[string]any) ConversationEntry {
	return ConversationEntry{
		Timestamp: time.Now().UTC(),
		Role:      role,
		Content:   content,
		Metadata:  metadata,
	}
}
