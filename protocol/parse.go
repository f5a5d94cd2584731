package protocol

import (
	"encoding/json"
	"fmt"
)

// ParseMessage decodes a single JSONL wire event into a typed Message.
// Events with an unrecognized type decode into UnknownMessage rather than
// being dropped, so no fields are silently lost.
func ParseMessage(line []byte) (Message, error) {
	var base struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}

	switch base.Type {
	case MessageTypeSystem:
		var m SystemMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("decode system message: %w", err)
		}
		return m, nil
	case MessageTypeAssistant:
		var m AssistantMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("decode assistant message: %w", err)
		}
		return m, nil
	case MessageTypeUser:
		var m UserMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("decode user message: %w", err)
		}
		return m, nil
	case MessageTypeResult:
		var m ResultMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("decode result message: %w", err)
		}
		return m, nil
	case MessageTypeStreamDelta:
		var m StreamDelta
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("decode stream event: %w", err)
		}
		return m, nil
	case MessageTypeControlRequest:
		var m ControlRequest
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("decode control request: %w", err)
		}
		return m, nil
	case MessageTypeControlResponse:
		var m ControlResponse
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("decode control response: %w", err)
		}
		return m, nil
	default:
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		return UnknownMessage{TypeName: string(base.Type), Raw: raw}, nil
	}
}
