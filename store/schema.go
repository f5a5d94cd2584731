package store

import (
	"time"
)

// Conversation is one chat thread within a space.
type Conversation struct {
	ID        string `gorm:"primaryKey"`
	SpaceID   string `gorm:"not null;index:idx_space"`
	Title     string `gorm:"default:''"`
	SessionID string `gorm:"default:''"` // backend session id used for resume
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one persisted turn entry of a conversation.
type Message struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index:idx_conversation"`
	Role           string `gorm:"not null;check:role IN ('user','assistant')"`
	Body           string `gorm:"default:''"`
	Thoughts       string `gorm:"default:''"` // JSON array of thought records
	ToolCalls      string `gorm:"default:''"` // JSON array of tool call snapshots
	Usage          string `gorm:"default:''"` // JSON token usage block
	Status         string `gorm:"default:''"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ChangeSetDoc holds the retained change set history of one conversation as
// a single JSON document.
type ChangeSetDoc struct {
	SpaceID        string `gorm:"primaryKey"`
	ConversationID string `gorm:"primaryKey"`
	Document       string `gorm:"not null;default:'[]'"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
