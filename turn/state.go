package turn

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harborai/skiff/backend"
	"github.com/harborai/skiff/interact"
	"github.com/harborai/skiff/protocol"
	"github.com/harborai/skiff/thought"
)

// TerminalReason classifies how a turn ended. The four reasons are mutually
// exclusive; exactly one is chosen per turn.
type TerminalReason string

const (
	ReasonCompleted TerminalReason = "completed"
	ReasonNoText    TerminalReason = "no_text"
	ReasonStopped   TerminalReason = "stopped"
	ReasonError     TerminalReason = "error"
)

// ToolStatus is the lifecycle of one tool call within a turn.
type ToolStatus string

const (
	ToolPending         ToolStatus = "pending"
	ToolRunning         ToolStatus = "running"
	ToolSuccess         ToolStatus = "success"
	ToolError           ToolStatus = "error"
	ToolWaitingApproval ToolStatus = "waiting_approval"
	ToolCancelled       ToolStatus = "cancelled"
)

func (s ToolStatus) terminal() bool {
	return s == ToolSuccess || s == ToolError || s == ToolCancelled
}

// ToolCall is one tool invocation observed during a turn. Seq preserves
// arrival order across the map.
type ToolCall struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Seq    int                    `json:"seq"`
	Status ToolStatus             `json:"status"`
	Input  map[string]interface{} `json:"input,omitempty"`
	Output string                 `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Usage accumulates token counts and cost across a turn.
type Usage struct {
	InputTokens         int     `json:"inputTokens"`
	OutputTokens        int     `json:"outputTokens"`
	CacheReadTokens     int     `json:"cacheReadTokens"`
	CacheCreationTokens int     `json:"cacheCreationTokens"`
	CostUSD             float64 `json:"costUsd"`
}

func (u *Usage) add(w protocol.Usage) {
	u.InputTokens += w.InputTokens
	u.OutputTokens += w.OutputTokens
	u.CacheReadTokens += w.CacheReadInputTokens
	u.CacheCreationTokens += w.CacheCreationInputTokens
}

// SessionState is the mutable state of one active turn. The run loop owns
// most mutation; the mutex covers access from stop, approval, and
// permission-gate goroutines.
type SessionState struct {
	RunID          string
	SpaceID        string
	ConversationID string
	MessageID      string

	ctx    context.Context
	cancel context.CancelFunc

	session  backend.Session
	registry *interact.Registry

	// approval carries HandleToolApproval verdicts to the gate goroutine.
	approval chan bool

	mu          sync.Mutex
	finalized   bool
	reason      TerminalReason
	terminalAt  time.Time
	seq         int
	tools       map[string]*ToolCall
	order       []string
	thoughts    []thought.Thought
	usage       Usage
	diagnostics []string

	// Text reconciliation. flushed holds completed streamed blocks,
	// streaming the block in flight; assistantText is the latest whole
	// assistant message text. Once sawTokenDeltas is set, whole-message
	// text is never accumulated again, only recorded as assistantText.
	assistantText  string
	flushed        strings.Builder
	streaming      strings.Builder
	sawTokenDeltas bool

	// unbound queues question pending ids registered by the gate before
	// their tool_use block arrived.
	unbound []string
}

func newSessionState(runID, spaceID, conversationID, messageID string) *SessionState {
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionState{
		RunID:          runID,
		SpaceID:        spaceID,
		ConversationID: conversationID,
		MessageID:      messageID,
		ctx:            ctx,
		cancel:         cancel,
		registry:       interact.NewRegistry(runID),
		approval:       make(chan bool, 1),
		tools:          make(map[string]*ToolCall),
	}
}

func (s *SessionState) meta() EventMeta {
	return EventMeta{ConversationID: s.ConversationID, RunID: s.RunID}
}

// addToolCall records a new tool call and returns a snapshot of it.
func (s *SessionState) addToolCall(id, name string, input map[string]interface{}) ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	call := &ToolCall{ID: id, Name: name, Seq: s.seq, Status: ToolRunning, Input: input}
	s.tools[id] = call
	s.order = append(s.order, id)
	return *call
}

// completeToolCall applies a tool result and returns the updated snapshot.
// Unknown ids return ok=false; the backend occasionally echoes results for
// sub-agent calls we never saw.
func (s *SessionState) completeToolCall(id, output string, isError bool) (ToolCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.tools[id]
	if !ok {
		return ToolCall{}, false
	}
	call.Output = output
	if isError {
		call.Status = ToolError
		call.Error = output
	} else {
		call.Status = ToolSuccess
	}
	return *call, true
}

// setToolStatus transitions a call by id, matching the newest non-terminal
// call with the given name when id is empty. Returns the updated snapshot.
func (s *SessionState) setToolStatus(id, name string, status ToolStatus) (ToolCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if call, ok := s.tools[id]; ok {
			call.Status = status
			return *call, true
		}
		return ToolCall{}, false
	}
	for i := len(s.order) - 1; i >= 0; i-- {
		call := s.tools[s.order[i]]
		if call.Name == name && !call.Status.terminal() {
			call.Status = status
			return *call, true
		}
	}
	return ToolCall{}, false
}

func (s *SessionState) appendThought(t thought.Thought) {
	s.mu.Lock()
	s.thoughts = append(s.thoughts, t)
	s.mu.Unlock()
}

func (s *SessionState) addDiagnostic(msg string) {
	if strings.TrimSpace(msg) == "" {
		return
	}
	s.mu.Lock()
	s.diagnostics = append(s.diagnostics, msg)
	s.mu.Unlock()
}

// toolSnapshot returns the tool calls in arrival order.
func (s *SessionState) toolSnapshot() []ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolCall, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tools[id])
	}
	return out
}

func (s *SessionState) pushUnbound(pendingID string) {
	s.mu.Lock()
	s.unbound = append(s.unbound, pendingID)
	s.mu.Unlock()
}

func (s *SessionState) popUnbound() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.unbound) == 0 {
		return "", false
	}
	id := s.unbound[0]
	s.unbound = s.unbound[1:]
	return id, true
}
