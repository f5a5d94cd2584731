package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborai/skiff/backend"
	"github.com/harborai/skiff/changeset"
	"github.com/harborai/skiff/config"
	"github.com/harborai/skiff/interact"
	"github.com/harborai/skiff/protocol"
	"github.com/harborai/skiff/store"
	"github.com/harborai/skiff/thought"
)

const (
	defaultDrainTimeout    = 3 * time.Second
	defaultEventBufferSize = 256
)

var (
	// ErrTurnActive is returned when a conversation already has a turn running.
	ErrTurnActive = errors.New("turn: a turn is already active for this conversation")
	// ErrNoActiveTurn is returned for operations that need a running turn.
	ErrNoActiveTurn = errors.New("turn: no active turn for this conversation")
)

// ConversationStore is the slice of conversation persistence the
// orchestrator needs. *store.Store satisfies it.
type ConversationStore interface {
	GetConversation(ctx context.Context, spaceID, conversationID string) (*store.ConversationRecord, error)
	AddMessage(ctx context.Context, spaceID, conversationID string, msg store.Message) error
	UpdateLastMessage(ctx context.Context, spaceID, conversationID string, update store.TurnUpdate) error
	SaveSessionID(ctx context.Context, spaceID, conversationID, sessionID string) error
}

// mutatingTools maps file-writing tool names to their path input field.
var mutatingTools = map[string]string{
	"Write":        "file_path",
	"Edit":         "file_path",
	"MultiEdit":    "file_path",
	"NotebookEdit": "notebook_path",
}

// questionToolName is the interactive-question tool surfaced by the backend.
const questionToolName = "AskUserQuestion"

// SendRequest is one user message to run as a turn.
type SendRequest struct {
	SpaceID        string
	ConversationID string
	Text           string
	// ProfileID overrides the active profile when set.
	ProfileID string
	// WorkDir is the root for file operations and change tracking.
	WorkDir string
}

// Orchestrator drives turns end to end: it resolves provider config,
// acquires sessions, runs the event loop, tracks file changes, arbitrates
// interactive questions, and finalizes each turn exactly once.
type Orchestrator struct {
	settings *config.Settings
	pool     *Pool
	ledger   *changeset.Ledger
	store    ConversationStore
	parser   *thought.Parser
	logger   *slog.Logger

	drainTimeout time.Duration
	autoApprove  bool
	resourceHash func() string
	newRunID     func() string

	events chan Event

	mu     sync.Mutex
	active map[string]*SessionState
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDrainTimeout bounds the post-interrupt stream drain.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.drainTimeout = d }
}

// WithAutoApprove skips the user-approval step for file-writing tools.
func WithAutoApprove() Option {
	return func(o *Orchestrator) { o.autoApprove = true }
}

// WithResourceHash supplies the current resource-index hash for session
// fingerprinting. Defaults to blank, which disables index-driven rebuilds.
func WithResourceHash(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.resourceHash = fn
		}
	}
}

// WithEventBufferSize sets the outbound event channel capacity.
func WithEventBufferSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.events = make(chan Event, n)
		}
	}
}

// NewOrchestrator wires the turn driver from its collaborators.
func NewOrchestrator(settings *config.Settings, pool *Pool, ledger *changeset.Ledger, st ConversationStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		settings:     settings,
		pool:         pool,
		ledger:       ledger,
		store:        st,
		parser:       thought.NewParser(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		drainTimeout: defaultDrainTimeout,
		resourceHash: func() string { return "" },
		newRunID:     uuid.NewString,
		events:       make(chan Event, defaultEventBufferSize),
		active:       make(map[string]*SessionState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Events is the outbound stream of typed UI events.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// SendMessage starts one turn for the conversation and returns its run id.
// The turn itself proceeds asynchronously; progress and the terminal outcome
// arrive on Events.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest) (string, error) {
	profileID := req.ProfileID
	if profileID == "" {
		profileID = o.settings.ActiveProfile
	}
	profile, modelCfg, err := o.settings.Resolve(req.ProfileID)
	if err != nil {
		return "", err
	}

	fp := Fingerprint{
		BrowserTool:            profile.BrowserTool,
		LazySkills:             profile.LazySkills,
		ProfileID:              profileID,
		ProviderSignature:      modelCfg.Signature(),
		EffectiveModel:         modelCfg.EffectiveModel,
		PluginMCPHash:          o.settings.PluginMCPHash(),
		ResourceIndexHash:      o.resourceHash(),
		HasInteractionCallback: true,
	}

	resume := ""
	if rec, err := o.store.GetConversation(ctx, req.SpaceID, req.ConversationID); err == nil {
		resume = rec.Conversation.SessionID
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	runID := o.newRunID()
	messageID := uuid.NewString()
	state := newSessionState(runID, req.SpaceID, req.ConversationID, messageID)

	o.mu.Lock()
	if _, exists := o.active[req.ConversationID]; exists {
		o.mu.Unlock()
		return "", ErrTurnActive
	}
	o.active[req.ConversationID] = state
	o.mu.Unlock()

	if err := o.ledger.Begin(req.SpaceID, req.ConversationID, req.WorkDir); err != nil {
		o.removeActive(req.ConversationID)
		return "", err
	}

	if err := o.store.AddMessage(ctx, req.SpaceID, req.ConversationID, store.Message{
		ID:   uuid.NewString(),
		Role: store.RoleUser,
		Body: req.Text,
	}); err != nil {
		o.abortStart(state, err, false)
		return "", err
	}
	if err := o.store.AddMessage(ctx, req.SpaceID, req.ConversationID, store.Message{
		ID:     messageID,
		Role:   store.RoleAssistant,
		Status: "running",
	}); err != nil {
		o.abortStart(state, err, false)
		return "", err
	}

	cfg := backend.SessionConfig{
		CLIPath:     o.settings.CLIPath,
		WorkDir:     req.WorkDir,
		ModelID:     modelCfg.ModelID,
		BaseURL:     modelCfg.BaseURL,
		APIKey:      modelCfg.APIKey,
		Resume:      resume,
		BrowserTool: profile.BrowserTool,
		LazySkills:  profile.LazySkills,
		MCPServers:  o.settings.MCPServers,
		Gate:        o.gateFor(state),
		Logger:      o.logger,
	}

	session, err := o.pool.Acquire(ctx, req.ConversationID, cfg, fp)
	if err != nil {
		o.abortStart(state, err, true)
		return "", err
	}
	state.session = session

	o.emit(RunStartEvent{EventMeta: state.meta(), MessageID: messageID})

	if err := session.Send(ctx, req.Text); err != nil {
		o.finalizeError(state, nil, err.Error())
		return "", err
	}

	go o.runLoop(state)
	return runID, nil
}

// abortStart unwinds a turn that failed before its run loop started.
// placeholderWritten marks whether the assistant placeholder row made it into
// the store; when it did, it must not be left with status "running".
func (o *Orchestrator) abortStart(state *SessionState, err error, placeholderWritten bool) {
	if placeholderWritten {
		update := store.TurnUpdate{
			Body:      HumanizeError(nil, err.Error()),
			Thoughts:  "[]",
			ToolCalls: "[]",
			Usage:     "{}",
			Status:    string(ReasonError),
		}
		if uerr := o.store.UpdateLastMessage(context.Background(), state.SpaceID, state.ConversationID, update); uerr != nil {
			o.logger.Warn("failed to persist aborted message", "error", uerr)
		}
	}
	if _, lerr := o.ledger.Finalize(state.ConversationID, state.MessageID); lerr != nil {
		o.logger.Warn("failed to close change scope", "error", lerr)
	}
	o.removeActive(state.ConversationID)
	o.logger.Error("turn start failed", "conversation_id", state.ConversationID, "error", err)
}

// StopGeneration aborts the conversation's active turn, or every active turn
// when conversationID is empty. Cancellation and question denial happen
// synchronously here for all targets; the bounded interrupt-drain then runs
// in each turn's own loop.
func (o *Orchestrator) StopGeneration(conversationID string) {
	o.mu.Lock()
	var targets []*SessionState
	if conversationID == "" {
		for _, state := range o.active {
			targets = append(targets, state)
		}
	} else if state, ok := o.active[conversationID]; ok {
		targets = append(targets, state)
	}
	o.mu.Unlock()

	for _, state := range targets {
		state.registry.DenyAll("generation stopped by user")
		state.cancel()
	}
}

// HandleToolApproval resolves the turn's pending tool-approval prompt.
func (o *Orchestrator) HandleToolApproval(conversationID string, approved bool) error {
	state, ok := o.lookupActive(conversationID)
	if !ok {
		return ErrNoActiveTurn
	}
	waiting := false
	for _, call := range state.toolSnapshot() {
		if call.Status == ToolWaitingApproval {
			waiting = true
			break
		}
	}
	if !waiting {
		return errors.New("turn: no tool call awaiting approval")
	}
	select {
	case state.approval <- approved:
		return nil
	default:
		return errors.New("turn: approval already submitted")
	}
}

// SubmitInteractionAnswer routes a user answer to one of the turn's pending
// interactive questions. Duplicate submissions succeed as no-ops.
func (o *Orchestrator) SubmitInteractionAnswer(conversationID string, target interact.Target, answer interact.Answer) error {
	state, ok := o.lookupActive(conversationID)
	if !ok {
		return ErrNoActiveTurn
	}
	return state.registry.Resolve(target, answer)
}

// ListChangeSets returns the conversation's persisted change history.
func (o *Orchestrator) ListChangeSets(spaceID, conversationID string) ([]changeset.ChangeSet, error) {
	return o.ledger.List(spaceID, conversationID)
}

// AcceptChangeSet marks a change set (or one file of it) accepted.
func (o *Orchestrator) AcceptChangeSet(spaceID, conversationID, changeSetID, filePath string) (*changeset.ChangeSet, error) {
	return o.ledger.Accept(spaceID, conversationID, changeSetID, filePath)
}

// RollbackChangeSet restores the pre-images of a change set, or of one file.
func (o *Orchestrator) RollbackChangeSet(spaceID, conversationID, changeSetID, filePath string, force bool) (*changeset.RollbackResult, error) {
	return o.ledger.Rollback(spaceID, conversationID, changeSetID, filePath, force)
}

// InvalidateSessions closes every pooled session after a configuration
// change. In-flight turns keep their direct handles.
func (o *Orchestrator) InvalidateSessions() {
	o.pool.InvalidateAll()
}

// Close stops all active turns and tears the pool down.
func (o *Orchestrator) Close() {
	o.StopGeneration("")
	o.pool.Close()
}

func (o *Orchestrator) lookupActive(conversationID string) (*SessionState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.active[conversationID]
	return state, ok
}

func (o *Orchestrator) removeActive(conversationID string) {
	o.mu.Lock()
	delete(o.active, conversationID)
	o.mu.Unlock()
}

// emit delivers an event without ever blocking the turn loop. A full
// channel drops the event with a warning.
func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		o.logger.Warn("event channel full, dropping event",
			"conversation_id", ev.Meta().ConversationID, "event", fmt.Sprintf("%T", ev))
	}
}

// runLoop consumes the session stream until a terminal condition. A closed
// stream without a result is a backend failure.
func (o *Orchestrator) runLoop(state *SessionState) {
	for {
		select {
		case <-state.ctx.Done():
			o.stopDrain(state)
			return
		case msg, ok := <-state.session.Events():
			if !ok {
				o.finalizeError(state, nil, "backend stream ended unexpectedly")
				return
			}
			if o.handleMessage(state, msg) {
				return
			}
		}
	}
}

// handleMessage applies one decoded message to turn state. Returns true
// when the turn reached a terminal condition.
func (o *Orchestrator) handleMessage(state *SessionState, msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.SystemMessage:
		o.handleSystem(state, m)
	case protocol.StreamDelta:
		o.handleStreamDelta(state, m)
	case protocol.AssistantMessage:
		o.handleAssistant(state, m)
	case protocol.UserMessage:
		o.handleToolResults(state, m)
	case protocol.ResultMessage:
		o.handleResult(state, m)
		return true
	case protocol.UnknownMessage:
		o.logger.Debug("ignoring unknown message", "type", m.TypeName)
	}
	return false
}

func (o *Orchestrator) handleSystem(state *SessionState, m protocol.SystemMessage) {
	switch m.Subtype {
	case "init":
		o.emit(ToolsAvailableEvent{
			EventMeta:      state.meta(),
			Tools:          m.Tools,
			Skills:         m.Skills,
			SlashCommands:  m.SlashCommands,
			QuestionSchema: interact.ToolSchema(),
		})
		if len(m.MCPServers) > 0 {
			o.emit(MCPStatusEvent{EventMeta: state.meta(), Servers: m.MCPServers})
		}
		if m.SessionID != "" {
			if err := o.store.SaveSessionID(context.Background(), state.SpaceID, state.ConversationID, m.SessionID); err != nil {
				o.logger.Warn("failed to persist session id", "error", err)
			}
		}
	case "compact_boundary":
		o.emit(CompactEvent{EventMeta: state.meta()})
	}
	for _, t := range o.parser.Parse(m) {
		state.appendThought(t)
		o.emit(ThoughtEvent{EventMeta: state.meta(), Thought: t})
	}
}

func (o *Orchestrator) handleStreamDelta(state *SessionState, m protocol.StreamDelta) {
	// Sub-agent deltas arrive with a parent tool id; their text belongs to
	// the tool call, not the top-level message.
	if m.ParentToolUseID != nil {
		return
	}
	event, err := protocol.ParseStreamEvent(m.Event)
	if err != nil {
		o.logger.Debug("unparseable stream event", "error", err)
		return
	}
	switch e := event.(type) {
	case protocol.ContentBlockStartEvent:
		block, err := e.ParsedBlock()
		if err != nil || block == nil {
			return
		}
		if _, ok := block.(protocol.TextBlock); ok {
			state.mu.Lock()
			state.streaming.Reset()
			state.sawTokenDeltas = true
			state.mu.Unlock()
			o.emit(MessageEvent{EventMeta: state.meta(), Delta: true, NewBlock: true})
		}
	case protocol.ContentBlockDeltaEvent:
		delta, err := e.ParsedDelta()
		if err != nil || delta == nil {
			return
		}
		if d, ok := delta.(protocol.TextDelta); ok {
			state.mu.Lock()
			state.streaming.WriteString(d.Text)
			state.mu.Unlock()
			o.emit(MessageEvent{EventMeta: state.meta(), Delta: true, Text: d.Text})
		}
	case protocol.ContentBlockStopEvent:
		state.mu.Lock()
		state.flushed.WriteString(state.streaming.String())
		state.streaming.Reset()
		state.mu.Unlock()
	}
}

func (o *Orchestrator) handleAssistant(state *SessionState, m protocol.AssistantMessage) {
	state.mu.Lock()
	state.usage.add(m.Message.Usage)
	state.mu.Unlock()

	for _, t := range o.parser.Parse(m) {
		state.appendThought(t)
		o.emit(ThoughtEvent{EventMeta: state.meta(), Thought: t})

		switch t.Kind {
		case thought.KindText:
			if t.ParentToolID != "" {
				continue
			}
			state.mu.Lock()
			state.assistantText = t.Text
			streamed := state.sawTokenDeltas
			state.mu.Unlock()
			// Once deltas streamed this text, the whole-message copy is
			// only recorded, never re-emitted.
			if !streamed {
				o.emit(MessageEvent{EventMeta: state.meta(), Text: t.Text})
			}
		case thought.KindToolUse:
			call := state.addToolCall(t.ID, t.ToolName, t.ToolInput)
			o.emit(ToolCallEvent{EventMeta: state.meta(), Call: call})
			if t.ToolName == questionToolName {
				if pendingID, ok := state.popUnbound(); ok {
					if err := state.registry.BindToolCall(pendingID, t.ID); err != nil {
						o.logger.Warn("failed to bind question to tool call", "error", err)
					}
				}
			}
		}
	}
}

func (o *Orchestrator) handleToolResults(state *SessionState, m protocol.UserMessage) {
	for _, t := range o.parser.Parse(m) {
		state.appendThought(t)
		o.emit(ThoughtEvent{EventMeta: state.meta(), Thought: t})
		if t.Kind != thought.KindToolResult {
			continue
		}
		if call, ok := state.completeToolCall(t.ID, t.ToolOutput, t.IsError); ok {
			o.emit(ToolResultEvent{EventMeta: state.meta(), Call: call})
		}
	}
}

func (o *Orchestrator) handleResult(state *SessionState, m protocol.ResultMessage) {
	for _, t := range o.parser.Parse(m) {
		state.appendThought(t)
		o.emit(ThoughtEvent{EventMeta: state.meta(), Thought: t})
	}
	if m.IsError {
		state.addDiagnostic(m.Result)
		o.finalizeError(state, &m, "")
		return
	}
	o.finalize(state, ReasonCompleted, &m, "")
}

// stopDrain is the second phase of an abort: interrupt the backend, drain
// its remaining stream until the result or the timeout, then finalize.
func (o *Orchestrator) stopDrain(state *SessionState) {
	ctx, cancel := context.WithTimeout(context.Background(), o.drainTimeout)
	defer cancel()

	if err := state.session.Interrupt(ctx); err != nil {
		o.logger.Warn("interrupt failed", "conversation_id", state.ConversationID, "error", err)
	}

	var result *protocol.ResultMessage
drain:
	for {
		select {
		case <-ctx.Done():
			o.logger.Warn("interrupt drain timed out", "conversation_id", state.ConversationID)
			break drain
		case msg, ok := <-state.session.Events():
			if !ok {
				break drain
			}
			if r, ok := msg.(protocol.ResultMessage); ok {
				result = &r
				break drain
			}
		}
	}
	o.finalize(state, ReasonStopped, result, "")
}

func (o *Orchestrator) finalizeError(state *SessionState, result *protocol.ResultMessage, fallback string) {
	state.mu.Lock()
	diagnostics := append([]string(nil), state.diagnostics...)
	state.mu.Unlock()
	o.finalize(state, ReasonError, result, HumanizeError(diagnostics, fallback))
}

// finalize enters the terminal state exactly once: freeze tool calls, deny
// outstanding questions, persist the assistant message, close the change
// scope, and emit the single terminal event. Safe to call from both the
// drain path and the cleanup path.
func (o *Orchestrator) finalize(state *SessionState, reason TerminalReason, result *protocol.ResultMessage, errMsg string) {
	state.mu.Lock()
	if state.finalized {
		state.mu.Unlock()
		return
	}
	state.finalized = true
	state.terminalAt = time.Now()

	resultContent := ""
	if result != nil && !result.IsError {
		resultContent = result.Result
	}
	body := FinalBody(resultContent, state.assistantText, state.flushed.String(), state.streaming.String())
	if reason == ReasonCompleted && body == "" {
		reason = ReasonNoText
	}
	state.reason = reason

	var frozen []ToolCall
	for _, id := range state.order {
		call := state.tools[id]
		if !call.Status.terminal() && reason != ReasonCompleted {
			call.Status = ToolCancelled
		}
		frozen = append(frozen, *call)
	}
	thoughts := append([]thought.Thought(nil), state.thoughts...)
	// Result usage is the turn's cumulative total, so it replaces the
	// per-message accumulation; the running sum only stands in when the
	// turn ends without a result.
	usage := state.usage
	if result != nil {
		if result.Usage != (protocol.Usage{}) {
			usage = Usage{}
			usage.add(result.Usage)
		}
		usage.CostUSD = result.TotalCostUSD
	}
	state.mu.Unlock()

	state.registry.DenyAll("generation ended")
	state.cancel()

	for _, call := range frozen {
		if call.Status == ToolCancelled {
			o.emit(ToolCallEvent{EventMeta: state.meta(), Call: call})
		}
	}

	persistedBody := body
	if reason == ReasonError && persistedBody == "" {
		persistedBody = errMsg
	}
	update := store.TurnUpdate{
		Body:      persistedBody,
		Thoughts:  marshalOr(thoughts, "[]"),
		ToolCalls: marshalOr(frozen, "[]"),
		Usage:     marshalOr(usage, "{}"),
		Status:    string(reason),
	}
	if err := o.store.UpdateLastMessage(context.Background(), state.SpaceID, state.ConversationID, update); err != nil {
		o.logger.Warn("failed to persist assistant message", "error", err)
	}

	if _, err := o.ledger.Finalize(state.ConversationID, state.MessageID); err != nil {
		o.logger.Warn("failed to finalize change scope", "error", err)
	}

	o.removeActive(state.ConversationID)

	if reason == ReasonError {
		o.pool.Discard(state.ConversationID)
		o.emit(ErrorEvent{EventMeta: state.meta(), Message: errMsg})
		return
	}
	var durationMs int64
	var numTurns int
	if result != nil {
		durationMs = result.DurationMs
		numTurns = result.NumTurns
	}
	o.emit(CompleteEvent{
		EventMeta:  state.meta(),
		Reason:     reason,
		Body:       body,
		Usage:      usage,
		DurationMs: durationMs,
		NumTurns:   numTurns,
	})
}

// marshalOr encodes v as JSON, substituting fallback when encoding fails
// or when v is a nil slice.
func marshalOr(v any, fallback string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return fallback
	}
	return string(data)
}

// gateFor builds the permission gate for one turn. File-writing tools are
// tracked in the change scope and, unless auto-approve is on, held until
// the user answers the approval prompt. The interactive-question tool
// suspends the backend call until an answer or denial arrives.
func (o *Orchestrator) gateFor(state *SessionState) backend.PermissionGate {
	return backend.PermissionGateFunc(func(ctx context.Context, toolName string, input map[string]interface{}) backend.Decision {
		if toolName == questionToolName {
			return o.gateQuestion(ctx, state, input)
		}

		pathField, mutating := mutatingTools[toolName]
		if mutating {
			if path, ok := input[pathField].(string); ok && path != "" {
				o.ledger.Track(state.ConversationID, path)
			}
		}

		if !mutating || o.autoApprove {
			return backend.Decision{Behavior: protocol.PermissionBehaviorAllow, UpdatedInput: input}
		}

		if call, ok := state.setToolStatus("", toolName, ToolWaitingApproval); ok {
			o.emit(ToolCallEvent{EventMeta: state.meta(), Call: call})
		}
		select {
		case approved := <-state.approval:
			if !approved {
				if call, ok := state.setToolStatus("", toolName, ToolError); ok {
					o.emit(ToolCallEvent{EventMeta: state.meta(), Call: call})
				}
				return backend.Decision{Behavior: protocol.PermissionBehaviorDeny, Message: "denied by user"}
			}
			if call, ok := state.setToolStatus("", toolName, ToolRunning); ok {
				o.emit(ToolCallEvent{EventMeta: state.meta(), Call: call})
			}
			return backend.Decision{Behavior: protocol.PermissionBehaviorAllow, UpdatedInput: input}
		case <-state.ctx.Done():
			return backend.Decision{Behavior: protocol.PermissionBehaviorDeny, Message: "generation stopped"}
		case <-ctx.Done():
			return backend.Decision{Behavior: protocol.PermissionBehaviorDeny, Message: "session closed"}
		}
	})
}

// gateQuestion registers a pending interactive question and suspends the
// tool call until the user resolves it.
func (o *Orchestrator) gateQuestion(ctx context.Context, state *SessionState, input map[string]interface{}) backend.Decision {
	snap, err := interact.NormalizeInput(input)
	if err != nil {
		return backend.Decision{Behavior: protocol.PermissionBehaviorDeny, Message: err.Error()}
	}
	mode := interact.ModeBatch
	if len(snap.Questions) == 1 && len(snap.Questions[0].Options) == 0 {
		mode = interact.ModeLegacy
	}

	pendingID := uuid.NewString()
	pending, err := state.registry.Register(pendingID, "", snap, mode)
	if err != nil {
		return backend.Decision{Behavior: protocol.PermissionBehaviorDeny, Message: err.Error()}
	}
	state.pushUnbound(pendingID)

	outcome, err := pending.Await(ctx)
	if err != nil {
		return backend.Decision{Behavior: protocol.PermissionBehaviorDeny, Message: "question abandoned"}
	}
	if outcome.Denied {
		reason := outcome.Reason
		if reason == "" {
			reason = "question denied"
		}
		return backend.Decision{Behavior: protocol.PermissionBehaviorDeny, Message: reason}
	}

	updated := make(map[string]interface{}, len(input)+3)
	for k, v := range input {
		updated[k] = v
	}
	if outcome.Legacy != "" {
		updated["answer"] = outcome.Legacy
	}
	if len(outcome.Answers) > 0 {
		updated["answers"] = outcome.Answers
	}
	if len(outcome.Skipped) > 0 {
		updated["skipped"] = outcome.Skipped
	}
	return backend.Decision{Behavior: protocol.PermissionBehaviorAllow, UpdatedInput: updated}
}
