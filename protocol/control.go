package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// ControlRequest wraps control messages from the backend.
type ControlRequest struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

// MsgType returns the message type.
func (m ControlRequest) MsgType() MessageType { return MessageTypeControlRequest }

// ParsedRequest parses the inner request from a ControlRequest.
func (m ControlRequest) ParsedRequest() (ControlRequestData, error) {
	return ParseControlRequest(m.Request)
}

// ControlRequestSubtype is the subtype of a control request.
type ControlRequestSubtype string

const (
	ControlRequestSubtypeCanUseTool        ControlRequestSubtype = "can_use_tool"
	ControlRequestSubtypeSetPermissionMode ControlRequestSubtype = "set_permission_mode"
	ControlRequestSubtypeInterrupt         ControlRequestSubtype = "interrupt"
)

// ControlRequestData is the interface for control request discrimination.
type ControlRequestData interface {
	Subtype() ControlRequestSubtype
}

// CanUseToolRequest asks permission for a tool use.
type CanUseToolRequest struct {
	Input        map[string]interface{} `json:"input"`
	BlockedPath  *string                `json:"blocked_path,omitempty"`
	SubtypeField ControlRequestSubtype  `json:"subtype"`
	ToolName     string                 `json:"tool_name"`
	ToolUseID    string                 `json:"tool_use_id,omitempty"`
}

// Subtype returns the control request subtype.
func (r CanUseToolRequest) Subtype() ControlRequestSubtype { return r.SubtypeField }

// ParseControlRequest parses the inner request from a ControlRequest.
// Unknown subtypes return (nil, nil).
func ParseControlRequest(data json.RawMessage) (ControlRequestData, error) {
	var base struct {
		Subtype ControlRequestSubtype `json:"subtype"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}

	switch base.Subtype {
	case ControlRequestSubtypeCanUseTool:
		var r CanUseToolRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return r, nil
	default:
		slog.Warn("skipping unknown control request subtype", "subtype", base.Subtype)
		return nil, nil
	}
}

// ControlResponse wraps responses sent to the backend.
type ControlResponse struct {
	Type     MessageType            `json:"type"`
	Response ControlResponsePayload `json:"response"`
}

// MsgType returns the message type.
func (m ControlResponse) MsgType() MessageType { return MessageTypeControlResponse }

// Marshal serializes the control response to a JSON line.
func (m ControlResponse) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal ControlResponse: %w", err)
	}
	return b, nil
}

// ControlResponsePayload is the inner response payload.
type ControlResponsePayload struct {
	Subtype   string      `json:"subtype"`
	RequestID string      `json:"request_id"`
	Response  interface{} `json:"response,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// PermissionBehavior is the behavior for a permission response.
type PermissionBehavior string

const (
	PermissionBehaviorAllow PermissionBehavior = "allow"
	PermissionBehaviorDeny  PermissionBehavior = "deny"
)

// PermissionResultAllow allows tool execution. The wire format forbids a
// null updatedInput; pass the original input when nothing changed.
type PermissionResultAllow struct {
	Behavior     PermissionBehavior     `json:"behavior"`
	UpdatedInput map[string]interface{} `json:"updatedInput"`
}

// PermissionResultDeny denies tool execution.
type PermissionResultDeny struct {
	Behavior  PermissionBehavior `json:"behavior"`
	Message   string             `json:"message,omitempty"`
	Interrupt bool               `json:"interrupt,omitempty"`
}

// NewPermissionAllow constructs a control_response granting tool execution.
func NewPermissionAllow(requestID string, input map[string]interface{}) ControlResponse {
	if input == nil {
		input = map[string]interface{}{}
	}
	return ControlResponse{
		Type: MessageTypeControlResponse,
		Response: ControlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response: PermissionResultAllow{
				Behavior:     PermissionBehaviorAllow,
				UpdatedInput: input,
			},
		},
	}
}

// NewPermissionDeny constructs a control_response blocking tool execution.
// interrupt signals the backend to stop the current turn rather than continue.
func NewPermissionDeny(requestID string, message string, interrupt bool) ControlResponse {
	return ControlResponse{
		Type: MessageTypeControlResponse,
		Response: ControlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response: PermissionResultDeny{
				Behavior:  PermissionBehaviorDeny,
				Message:   message,
				Interrupt: interrupt,
			},
		},
	}
}

// ControlRequestToSend is a control request we send to the backend.
type ControlRequestToSend struct {
	Request   interface{} `json:"request"`
	Type      string      `json:"type"`
	RequestID string      `json:"request_id"`
}

// Marshal serializes the control request to a JSON line.
func (m ControlRequestToSend) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal ControlRequestToSend: %w", err)
	}
	return b, nil
}

// InterruptRequestToSend is the request body for interrupting.
type InterruptRequestToSend struct {
	Subtype string `json:"subtype"`
}

// SetPermissionModeRequestToSend is the request body for setting permission mode.
type SetPermissionModeRequestToSend struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode"`
}

// SetMaxThinkingTokensRequestToSend raises or lowers the thinking budget.
type SetMaxThinkingTokensRequestToSend struct {
	Subtype   string `json:"subtype"`
	MaxTokens int    `json:"max_tokens"`
}

// MCPServerRequestToSend reconnects or toggles a named MCP server.
type MCPServerRequestToSend struct {
	Subtype    string `json:"subtype"`
	ServerName string `json:"server_name"`
	Enabled    *bool  `json:"enabled,omitempty"`
}

// NewInterrupt constructs a control_request that interrupts the current turn.
func NewInterrupt(requestID string) ControlRequestToSend {
	return ControlRequestToSend{
		Type:      "control_request",
		RequestID: requestID,
		Request:   InterruptRequestToSend{Subtype: string(ControlRequestSubtypeInterrupt)},
	}
}

// NewSetPermissionMode constructs a control_request that changes the
// backend permission mode.
func NewSetPermissionMode(requestID, mode string) ControlRequestToSend {
	return ControlRequestToSend{
		Type:      "control_request",
		RequestID: requestID,
		Request:   SetPermissionModeRequestToSend{Subtype: string(ControlRequestSubtypeSetPermissionMode), Mode: mode},
	}
}

// NewSetMaxThinkingTokens constructs a control_request that changes the
// backend thinking-token budget.
func NewSetMaxThinkingTokens(requestID string, maxTokens int) ControlRequestToSend {
	return ControlRequestToSend{
		Type:      "control_request",
		RequestID: requestID,
		Request:   SetMaxThinkingTokensRequestToSend{Subtype: "set_max_thinking_tokens", MaxTokens: maxTokens},
	}
}

// NewReconnectMCPServer constructs a control_request that reconnects a
// named MCP server.
func NewReconnectMCPServer(requestID, serverName string) ControlRequestToSend {
	return ControlRequestToSend{
		Type:      "control_request",
		RequestID: requestID,
		Request:   MCPServerRequestToSend{Subtype: "mcp_reconnect", ServerName: serverName},
	}
}

// NewToggleMCPServer constructs a control_request that enables or disables a
// named MCP server.
func NewToggleMCPServer(requestID, serverName string, enabled bool) ControlRequestToSend {
	return ControlRequestToSend{
		Type:      "control_request",
		RequestID: requestID,
		Request:   MCPServerRequestToSend{Subtype: "mcp_toggle", ServerName: serverName, Enabled: &enabled},
	}
}
