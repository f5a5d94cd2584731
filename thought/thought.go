// Package thought converts decoded backend wire messages into the ordered
// sequence of immutable Thought records that make up a conversation turn.
package thought

import (
	"time"
)

// Kind discriminates between thought kinds.
type Kind string

const (
	KindThinking   Kind = "thinking"
	KindText       Kind = "text"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindSystem     Kind = "system"
	KindResult     Kind = "result"
	KindError      Kind = "error"
)

// Visibility controls whether a thought is surfaced to the user or kept for
// debug views only.
type Visibility string

const (
	VisibilityUser  Visibility = "user"
	VisibilityDebug Visibility = "debug"
)

// Thought is one immutable semantic unit of agent output. Identity is
// Kind+ID: a tool_use and its tool_result legitimately share an ID.
type Thought struct {
	Kind         Kind                   `json:"kind"`
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	ParentToolID string                 `json:"parentToolId,omitempty"`
	Visibility   Visibility             `json:"visibility"`
	Text         string                 `json:"text,omitempty"`
	ToolName     string                 `json:"toolName,omitempty"`
	ToolInput    map[string]interface{} `json:"toolInput,omitempty"`
	ToolOutput   string                 `json:"toolOutput,omitempty"`
	IsError      bool                   `json:"isError,omitempty"`
	Subtype      string                 `json:"subtype,omitempty"`
	DurationMs   int64                  `json:"durationMs,omitempty"`
}

// Key returns the identity of the thought.
func (t Thought) Key() string {
	return string(t.Kind) + ":" + t.ID
}
