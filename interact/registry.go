package interact

import (
	"context"
	"strings"
	"sync"
	"time"
)

// defaultRecentTTL is how long a resolved tool-call id stays in the
// recently-resolved index for idempotent duplicate handling.
const defaultRecentTTL = 30 * time.Second

// Answer is a user-supplied answer submission. Exactly one of Legacy or
// Answers/Skipped should carry content.
type Answer struct {
	// Legacy is a bare free-form string (legacy single-question mode).
	Legacy string
	// Answers maps question id to the chosen answer (batch mode).
	Answers map[string]string
	// Skipped lists question ids the user explicitly skipped (batch mode).
	Skipped []string
}

func (a Answer) isLegacy() bool {
	return a.Answers == nil && a.Skipped == nil
}

func (a Answer) isEmpty() bool {
	return strings.TrimSpace(a.Legacy) == "" && len(a.Answers) == 0 && len(a.Skipped) == 0
}

// Target identifies which pending question an answer is for.
type Target struct {
	// ToolCallID routes the answer to a specific question. May be empty when
	// only one question is pending.
	ToolCallID string
	// RunID, when set, must match the run the registry belongs to.
	RunID string
}

// Outcome is what the waiting tool-call handler receives when its question
// resolves.
type Outcome struct {
	// Legacy carries the single string answer in legacy mode.
	Legacy string
	// Answers maps question id to answer in batch mode.
	Answers map[string]string
	// Skipped lists explicitly skipped question ids in batch mode.
	Skipped []string
	// Denied is set when the question was resolved negatively (stop path,
	// permission denial) rather than answered.
	Denied bool
	// Reason explains a denial.
	Reason string
}

// Pending is one in-flight interactive question. The registry holds the
// producer side of the outcome channel; the original tool-call handler
// awaits the consumer side.
type Pending struct {
	ID         string
	ToolCallID string
	RunID      string
	Mode       Mode
	Snapshot   Snapshot
	CreatedAt  time.Time

	outcome chan Outcome
}

// Await blocks until the question resolves or ctx is done.
func (p *Pending) Await(ctx context.Context) (Outcome, error) {
	select {
	case out := <-p.outcome:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Registry tracks the pending interactive questions of one run. A turn may
// have zero, one, or several questions pending concurrently.
type Registry struct {
	mu        sync.Mutex
	runID     string
	order     []*Pending
	byID      map[string]*Pending
	byTool    map[string]string // tool-call id -> pending id
	recent    map[string]time.Time
	recentTTL time.Duration
	now       func() time.Time
}

// NewRegistry creates a registry bound to one run id.
func NewRegistry(runID string) *Registry {
	return &Registry{
		runID:     runID,
		byID:      make(map[string]*Pending),
		byTool:    make(map[string]string),
		recent:    make(map[string]time.Time),
		recentTTL: defaultRecentTTL,
		now:       time.Now,
	}
}

// RunID returns the run this registry belongs to.
func (r *Registry) RunID() string { return r.runID }

// Register adds a pending question. toolCallID may be empty and bound later
// via BindToolCall; at most one pending question may own a tool-call id.
func (r *Registry) Register(pendingID, toolCallID string, snap Snapshot, mode Mode) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[pendingID]; exists {
		return nil, &Error{Code: CodeInvalidQuestion, Message: "pending id already registered: " + pendingID}
	}
	if toolCallID != "" {
		if _, exists := r.byTool[toolCallID]; exists {
			return nil, &Error{Code: CodeInvalidQuestion, Message: "tool call already has a pending question: " + toolCallID}
		}
	}

	p := &Pending{
		ID:         pendingID,
		ToolCallID: toolCallID,
		RunID:      r.runID,
		Mode:       mode,
		Snapshot:   snap,
		CreatedAt:  r.now(),
		outcome:    make(chan Outcome, 1),
	}
	r.order = append(r.order, p)
	r.byID[pendingID] = p
	if toolCallID != "" {
		r.byTool[toolCallID] = pendingID
	}
	return p, nil
}

// BindToolCall attaches a tool-call id to a question registered before the
// id was known.
func (r *Registry) BindToolCall(pendingID, toolCallID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[pendingID]
	if !ok {
		return &Error{Code: CodeTargetNotFound, Message: "no pending question " + pendingID}
	}
	if _, exists := r.byTool[toolCallID]; exists {
		return &Error{Code: CodeInvalidQuestion, Message: "tool call already has a pending question: " + toolCallID}
	}
	p.ToolCallID = toolCallID
	r.byTool[toolCallID] = pendingID
	return nil
}

// PendingCount returns the number of unresolved questions.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Resolve routes an answer to a pending question. Duplicate submissions for
// an already-resolved tool call return nil (idempotent no-op). Registry
// entries are cleared before the waiting handler is notified.
func (r *Registry) Resolve(target Target, ans Answer) error {
	r.mu.Lock()

	r.pruneRecentLocked()

	if ans.isEmpty() {
		r.mu.Unlock()
		return &Error{Code: CodeEmptyAnswer, Message: "answer carries no content"}
	}
	if ans.isLegacy() && len(r.order) > 1 {
		r.mu.Unlock()
		return &Error{Code: CodeLegacyNotAllowed, Message: "bare string answer is ambiguous with multiple questions pending"}
	}
	if target.ToolCallID == "" && len(r.order) > 1 {
		r.mu.Unlock()
		return &Error{Code: CodeToolCallRequired, Message: "tool call id required with multiple questions pending"}
	}
	if target.RunID != "" && target.RunID != r.runID {
		r.mu.Unlock()
		return &Error{Code: CodeRunMismatch, Message: "answer targets run " + target.RunID + " but current run is " + r.runID}
	}

	var p *Pending
	if target.ToolCallID != "" {
		if pid, ok := r.byTool[target.ToolCallID]; ok {
			p = r.byID[pid]
		} else if _, ok := r.recent[target.ToolCallID]; ok {
			// Duplicate submit for an already-resolved question.
			r.mu.Unlock()
			return nil
		} else {
			r.mu.Unlock()
			return &Error{Code: CodeTargetNotFound, Message: "no pending question for tool call " + target.ToolCallID}
		}
	} else {
		if len(r.order) == 1 {
			p = r.order[0]
		} else if len(r.recent) > 0 {
			// Nothing pending but something resolved moments ago: treat an
			// untargeted duplicate as idempotent rather than failing.
			r.mu.Unlock()
			return nil
		} else {
			r.mu.Unlock()
			return &Error{Code: CodeTargetNotFound, Message: "no pending question"}
		}
	}

	r.removeLocked(p)
	if p.ToolCallID != "" {
		r.recent[p.ToolCallID] = r.now()
	}
	r.mu.Unlock()

	p.outcome <- normalizeOutcome(p, ans)
	return nil
}

// DenyAll resolves every pending question negatively. Used by the stop path
// so the backend cannot hang on an unanswered question.
func (r *Registry) DenyAll(reason string) {
	r.mu.Lock()
	pending := make([]*Pending, len(r.order))
	copy(pending, r.order)
	for _, p := range pending {
		r.removeLocked(p)
		if p.ToolCallID != "" {
			r.recent[p.ToolCallID] = r.now()
		}
	}
	r.mu.Unlock()

	for _, p := range pending {
		p.outcome <- Outcome{Denied: true, Reason: reason}
	}
}

// removeLocked clears p from all pending structures. Caller holds r.mu.
func (r *Registry) removeLocked(p *Pending) {
	delete(r.byID, p.ID)
	if p.ToolCallID != "" {
		delete(r.byTool, p.ToolCallID)
	}
	for i, q := range r.order {
		if q == p {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) pruneRecentLocked() {
	cutoff := r.now().Add(-r.recentTTL)
	for id, at := range r.recent {
		if at.Before(cutoff) {
			delete(r.recent, id)
		}
	}
}

// normalizeOutcome shapes the raw answer for the question's mode: a single
// string for legacy mode, a per-question map plus skip list for batch mode.
func normalizeOutcome(p *Pending, ans Answer) Outcome {
	if p.Mode == ModeLegacy {
		legacy := ans.Legacy
		if legacy == "" && len(ans.Answers) > 0 {
			// Structured submit against a legacy question: collapse to the
			// first (only) question's answer.
			for _, q := range p.Snapshot.Questions {
				if v, ok := ans.Answers[q.ID]; ok {
					legacy = v
					break
				}
			}
		}
		return Outcome{Legacy: legacy}
	}

	out := Outcome{
		Answers: make(map[string]string, len(ans.Answers)),
		Skipped: append([]string(nil), ans.Skipped...),
	}
	for id, v := range ans.Answers {
		out.Answers[id] = v
	}
	if len(out.Answers) == 0 && ans.Legacy != "" && len(p.Snapshot.Questions) == 1 {
		out.Answers[p.Snapshot.Questions[0].ID] = ans.Legacy
	}
	return out
}
