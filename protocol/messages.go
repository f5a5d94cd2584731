// Package protocol decodes the raw JSONL wire events emitted by the agent
// backend into a closed tagged union. Decoding happens exactly once, at the
// boundary; everything above this package works with typed messages.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates between message kinds.
type MessageType string

const (
	MessageTypeSystem          MessageType = "system"
	MessageTypeAssistant       MessageType = "assistant"
	MessageTypeUser            MessageType = "user"
	MessageTypeResult          MessageType = "result"
	MessageTypeStreamDelta     MessageType = "stream_event"
	MessageTypeControlRequest  MessageType = "control_request"
	MessageTypeControlResponse MessageType = "control_response"
)

// Message is the interface for all decoded wire messages.
type Message interface {
	MsgType() MessageType
}

// MCPServer describes one MCP server connection reported by the backend.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// SystemMessage carries session initialization and system-level events.
// Subtypes observed on the wire: "init", "task_notification", "compact",
// "hook_event", "raw_output".
type SystemMessage struct {
	ExitCode       *int        `json:"exit_code,omitempty"`
	UUID           string      `json:"uuid"`
	Type           MessageType `json:"type"`
	Subtype        string      `json:"subtype"`
	SessionID      string      `json:"session_id"`
	Model          string      `json:"model,omitempty"`
	CWD            string      `json:"cwd,omitempty"`
	PermissionMode string      `json:"permissionMode,omitempty"`
	Stderr         string      `json:"stderr,omitempty"`
	Stdout         string      `json:"stdout,omitempty"`
	HookEvent      string      `json:"hook_event,omitempty"`
	HookName       string      `json:"hook_name,omitempty"`
	Message        string      `json:"message,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
	Skills         []string    `json:"skills,omitempty"`
	SlashCommands  []string    `json:"slash_commands,omitempty"`
	MCPServers     []MCPServer `json:"mcp_servers,omitempty"`
}

// MsgType returns the message type.
func (m SystemMessage) MsgType() MessageType { return MessageTypeSystem }

// Usage tracks token usage for one message or turn.
type Usage struct {
	ServiceTier              string `json:"service_tier,omitempty"`
	InputTokens              int    `json:"input_tokens"`
	CacheCreationInputTokens int    `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int    `json:"cache_read_input_tokens"`
	OutputTokens             int    `json:"output_tokens"`
}

// FlexibleContent is message content that arrives either as a plain string
// or as an array of content blocks.
type FlexibleContent struct {
	raw json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	fc.raw = data
	return nil
}

// MarshalJSON implements json.Marshaler.
func (fc FlexibleContent) MarshalJSON() ([]byte, error) {
	if fc.raw == nil {
		return []byte("null"), nil
	}
	return fc.raw, nil
}

// IsString reports whether the content is a plain string.
func (fc FlexibleContent) IsString() bool {
	if len(fc.raw) == 0 {
		return false
	}
	return fc.raw[0] == '"'
}

// AsString returns the content as a string (if it is one).
func (fc FlexibleContent) AsString() (string, bool) {
	if !fc.IsString() {
		return "", false
	}
	var s string
	if err := json.Unmarshal(fc.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsBlocks returns the content as content blocks (if it is an array).
func (fc FlexibleContent) AsBlocks() (ContentBlocks, bool) {
	if fc.IsString() || len(fc.raw) == 0 {
		return nil, false
	}
	var blocks ContentBlocks
	if err := json.Unmarshal(fc.raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// MessageContent is the inner content of assistant/user messages.
type MessageContent struct {
	Model        string          `json:"model,omitempty"`
	ID           string          `json:"id,omitempty"`
	Type         string          `json:"type,omitempty"`
	Role         string          `json:"role"`
	Content      FlexibleContent `json:"content"`
	StopReason   *string         `json:"stop_reason"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        Usage           `json:"usage,omitempty"`
}

// AssistantMessage is a complete message from the agent. ParentToolUseID is
// non-nil when the message was produced inside a sub-agent tool call.
type AssistantMessage struct {
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	Type            MessageType    `json:"type"`
	SessionID       string         `json:"session_id"`
	UUID            string         `json:"uuid"`
	Message         MessageContent `json:"message"`
}

// MsgType returns the message type.
func (m AssistantMessage) MsgType() MessageType { return MessageTypeAssistant }

// UserMessage carries tool results echoed back by the backend.
type UserMessage struct {
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	Type            MessageType    `json:"type"`
	SessionID       string         `json:"session_id"`
	UUID            string         `json:"uuid"`
	Message         MessageContent `json:"message"`
}

// MsgType returns the message type.
func (m UserMessage) MsgType() MessageType { return MessageTypeUser }

// ResultMessage contains turn completion metrics. Exactly one arrives per
// backend turn, error or not.
type ResultMessage struct {
	SessionID     string      `json:"session_id"`
	Subtype       string      `json:"subtype"`
	UUID          string      `json:"uuid"`
	Type          MessageType `json:"type"`
	Result        string      `json:"result"`
	Usage         Usage       `json:"usage"`
	TotalCostUSD  float64     `json:"total_cost_usd"`
	NumTurns      int         `json:"num_turns"`
	DurationAPIMs int64       `json:"duration_api_ms"`
	DurationMs    int64       `json:"duration_ms"`
	IsError       bool        `json:"is_error"`
}

// MsgType returns the message type.
func (m ResultMessage) MsgType() MessageType { return MessageTypeResult }

// UnknownMessage preserves wire events whose type we do not recognize.
// Keeping the raw bytes instead of dropping them lets callers log or record
// the event without this package guessing at its shape.
type UnknownMessage struct {
	TypeName string
	Raw      json.RawMessage
}

// MsgType returns the message type.
func (m UnknownMessage) MsgType() MessageType { return MessageType(m.TypeName) }

// UserMessageToSend is the outbound user message envelope.
type UserMessageToSend struct {
	Message UserMessageToSendInner `json:"message"`
	Type    string                 `json:"type"`
}

// UserMessageToSendInner is the inner part of messages we send.
type UserMessageToSendInner struct {
	Content interface{} `json:"content"`
	Role    string      `json:"role"`
}

// Marshal serializes the message to a JSON line ready to write to the backend.
func (m UserMessageToSend) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal UserMessageToSend: %w", err)
	}
	return b, nil
}

// NewUserTextMessage constructs a UserMessageToSend with a plain text string.
func NewUserTextMessage(text string) UserMessageToSend {
	return UserMessageToSend{
		Type: "user",
		Message: UserMessageToSendInner{
			Role:    "user",
			Content: text,
		},
	}
}
