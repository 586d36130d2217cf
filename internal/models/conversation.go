package models

import "time"

// Conversation is the top-level container for a chat thread.
type Conversation struct {
	ID           string
	UserID       string
	Title        string
	ModelID      string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Message is one append-only entry in a Conversation's log.
type Message struct {
	ID             string
	ConversationID string
	Role           MessageRole
	Content        string
	Metadata       map[string]any
	TokenCount     *int
	TurnID         string
	CreatedAt      time.Time
}

// AuditEvent is an append-only, never-mutated process-wide record.
type AuditEvent struct {
	ID             string
	Timestamp      time.Time
	Type           AuditEventType
	UserID         string
	ConversationID string
	Action         string
	Detail         map[string]any
	RiskLevel      RiskLevel
}

// UserMemory is a user-scoped fact/preference row.
type UserMemory struct {
	ID       string
	UserID   string
	Content  string
	Category MemoryCategory
	Source   MemorySource
	Metadata map[string]any
}
