package thought

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harborai/skiff/protocol"
)

// Parser translates decoded wire messages into Thought records. The zero
// value is not usable; call NewParser.
type Parser struct {
	now   func() time.Time
	newID func() string
}

// NewParser returns a Parser with wall-clock timestamps and UUID ids.
func NewParser() *Parser {
	return &Parser{
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// system subtypes surfaced to the user rather than debug views.
var userVisibleSystemSubtypes = map[string]bool{
	"init":              true,
	"task_notification": true,
}

// Parse converts one message into zero or more Thoughts, preserving block
// order. Message types this package does not model (token-level deltas,
// control traffic, unknown events) yield an empty slice, never an error:
// dropping an event must not fail the turn.
func (p *Parser) Parse(msg protocol.Message) []Thought {
	switch m := msg.(type) {
	case protocol.SystemMessage:
		return p.parseSystem(m)
	case protocol.AssistantMessage:
		return p.parseAssistant(m)
	case protocol.UserMessage:
		return p.parseUser(m)
	case protocol.ResultMessage:
		return p.parseResult(m)
	default:
		return nil
	}
}

func (p *Parser) parseSystem(m protocol.SystemMessage) []Thought {
	vis := VisibilityDebug
	if userVisibleSystemSubtypes[m.Subtype] {
		vis = VisibilityUser
	}

	id := m.UUID
	if id == "" {
		id = p.newID()
	}

	text := m.Message
	if text == "" && m.Subtype == "init" {
		text = fmt.Sprintf("session %s ready (model %s)", m.SessionID, m.Model)
	}

	return []Thought{{
		Kind:       KindSystem,
		ID:         id,
		Timestamp:  p.now(),
		Visibility: vis,
		Subtype:    m.Subtype,
		Text:       text,
	}}
}

func (p *Parser) parseAssistant(m protocol.AssistantMessage) []Thought {
	blocks, ok := m.Message.Content.AsBlocks()
	if !ok {
		return nil
	}

	parent := ""
	if m.ParentToolUseID != nil {
		parent = *m.ParentToolUseID
	}

	thoughts := make([]Thought, 0, len(blocks))
	for _, block := range blocks {
		switch b := block.(type) {
		case protocol.ThinkingBlock:
			thoughts = append(thoughts, Thought{
				Kind:         KindThinking,
				ID:           p.newID(),
				Timestamp:    p.now(),
				ParentToolID: parent,
				Visibility:   VisibilityUser,
				Text:         b.Thinking,
			})
		case protocol.ToolUseBlock:
			id := b.ID
			if id == "" {
				id = p.newID()
			}
			thoughts = append(thoughts, Thought{
				Kind:         KindToolUse,
				ID:           id,
				Timestamp:    p.now(),
				ParentToolID: parent,
				Visibility:   VisibilityUser,
				ToolName:     b.Name,
				ToolInput:    b.Input,
			})
		case protocol.TextBlock:
			thoughts = append(thoughts, Thought{
				Kind:         KindText,
				ID:           p.newID(),
				Timestamp:    p.now(),
				ParentToolID: parent,
				Visibility:   VisibilityUser,
				Text:         b.Text,
			})
		}
	}
	return thoughts
}

func (p *Parser) parseUser(m protocol.UserMessage) []Thought {
	blocks, ok := m.Message.Content.AsBlocks()
	if !ok {
		return nil
	}

	parent := ""
	if m.ParentToolUseID != nil {
		parent = *m.ParentToolUseID
	}

	var thoughts []Thought
	for _, block := range blocks {
		rb, ok := block.(protocol.ToolResultBlock)
		if !ok {
			continue
		}
		isError := rb.IsError != nil && *rb.IsError
		thoughts = append(thoughts, Thought{
			Kind:         KindToolResult,
			ID:           rb.ToolUseID,
			Timestamp:    p.now(),
			ParentToolID: parent,
			Visibility:   VisibilityUser,
			ToolOutput:   stringifyToolOutput(rb.Content),
			IsError:      isError,
		})
	}
	return thoughts
}

func (p *Parser) parseResult(m protocol.ResultMessage) []Thought {
	id := m.UUID
	if id == "" {
		id = p.newID()
	}
	kind := KindResult
	if m.IsError {
		kind = KindError
	}
	return []Thought{{
		Kind:       kind,
		ID:         id,
		Timestamp:  p.now(),
		Visibility: VisibilityUser,
		Subtype:    m.Subtype,
		Text:       m.Result,
		IsError:    m.IsError,
		DurationMs: m.DurationMs,
	}}
}

// stringifyToolOutput normalizes tool result content: strings pass through,
// anything structured is JSON-encoded.
func stringifyToolOutput(content interface{}) string {
	if content == nil {
		return ""
	}
	if s, ok := content.(string); ok {
		return s
	}
	b, err := json.Marshal(content)
	if err != nil {
		return fmt.Sprintf("%v", content)
	}
	return string(b)
}
