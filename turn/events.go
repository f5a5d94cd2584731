package turn

import (
	"encoding/json"

	"github.com/harborai/skiff/protocol"
	"github.com/harborai/skiff/thought"
)

// EventMeta tags every outbound event with the conversation and run that
// produced it. UI clients key their rendering on these two ids.
type EventMeta struct {
	ConversationID string `json:"conversationId"`
	RunID          string `json:"runId"`
}

// Meta returns the event's routing metadata.
func (m EventMeta) Meta() EventMeta { return m }

// Event is one typed update surfaced to the UI boundary.
type Event interface {
	Meta() EventMeta
}

// RunStartEvent announces that a turn has been accepted and is running.
type RunStartEvent struct {
	EventMeta
	MessageID string `json:"messageId"`
}

// ToolsAvailableEvent lists what the backend session can do, published once
// the session's init message arrives. QuestionSchema is the JSON schema of
// the interactive question tool input so clients can render its payloads.
type ToolsAvailableEvent struct {
	EventMeta
	Tools          []string        `json:"tools"`
	Skills         []string        `json:"skills,omitempty"`
	SlashCommands  []string        `json:"slashCommands,omitempty"`
	QuestionSchema json.RawMessage `json:"questionSchema,omitempty"`
}

// MessageEvent carries assistant text. Delta events append to the current
// text block; NewBlock marks the authoritative start of a fresh block.
type MessageEvent struct {
	EventMeta
	Text     string `json:"text"`
	Delta    bool   `json:"delta"`
	NewBlock bool   `json:"newBlock,omitempty"`
}

// ThoughtEvent surfaces one parsed thought record.
type ThoughtEvent struct {
	EventMeta
	Thought thought.Thought `json:"thought"`
}

// ToolCallEvent reports a tool-call state change.
type ToolCallEvent struct {
	EventMeta
	Call ToolCall `json:"call"`
}

// ToolResultEvent reports a finished tool call with its output attached.
type ToolResultEvent struct {
	EventMeta
	Call ToolCall `json:"call"`
}

// CompactEvent signals that the backend compacted its context window.
type CompactEvent struct {
	EventMeta
}

// CompleteEvent is the single terminal event of a non-error turn.
type CompleteEvent struct {
	EventMeta
	Reason     TerminalReason `json:"reason"`
	Body       string         `json:"body"`
	Usage      Usage          `json:"usage"`
	DurationMs int64          `json:"durationMs"`
	NumTurns   int            `json:"numTurns"`
}

// ErrorEvent is the single terminal event of a failed turn.
type ErrorEvent struct {
	EventMeta
	Message string `json:"message"`
}

// MCPStatusEvent reports connection status of configured MCP servers.
type MCPStatusEvent struct {
	EventMeta
	Servers []protocol.MCPServer `json:"servers"`
}
