package turn

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harborai/skiff/backend"
)

const (
	// DefaultIdleTimeout is how long an unused session survives.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultReaperInterval is how often idle sessions are checked.
	DefaultReaperInterval = 60 * time.Second
	// DefaultRebuildDebounce suppresses resource-index-only rebuilds that
	// happen in quick succession.
	DefaultRebuildDebounce = 5 * time.Second
)

type poolEntry struct {
	session   backend.Session
	fp        Fingerprint
	createdAt time.Time
	lastUsed  time.Time
	rebuiltAt time.Time
}

// Pool keeps one persistent backend session per conversation and decides
// reuse versus rebuild from the config fingerprint.
type Pool struct {
	launcher        backend.Launcher
	logger          *slog.Logger
	idleTimeout     time.Duration
	reaperInterval  time.Duration
	rebuildDebounce time.Duration
	now             func() time.Time

	mu      sync.Mutex
	entries map[string]*poolEntry

	done      chan struct{}
	closeOnce sync.Once
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithIdleTimeout overrides how long an unused session survives.
func WithIdleTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.idleTimeout = d }
}

// WithReaperInterval overrides the idle-check interval.
func WithReaperInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reaperInterval = d }
}

// WithRebuildDebounce overrides the resource-index rebuild debounce window.
func WithRebuildDebounce(d time.Duration) PoolOption {
	return func(p *Pool) { p.rebuildDebounce = d }
}

// NewPool creates a session pool and starts its idle reaper.
func NewPool(launcher backend.Launcher, opts ...PoolOption) *Pool {
	p := &Pool{
		launcher:        launcher,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		idleTimeout:     DefaultIdleTimeout,
		reaperInterval:  DefaultReaperInterval,
		rebuildDebounce: DefaultRebuildDebounce,
		now:             time.Now,
		entries:         make(map[string]*poolEntry),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.reap()
	return p
}

// Acquire returns a live session for the conversation. An existing entry is
// reused when its fingerprint matches, or when only the resource-index hash
// changed and a rebuild already happened within the debounce window. Any
// other difference closes the old session and launches a fresh one.
func (p *Pool) Acquire(ctx context.Context, conversationID string, cfg backend.SessionConfig, fp Fingerprint) (backend.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if entry, ok := p.entries[conversationID]; ok {
		if entry.fp.Equal(fp) {
			entry.lastUsed = now
			return entry.session, nil
		}
		if onlyResourceIndexDiff(entry.fp, fp) && now.Sub(entry.rebuiltAt) < p.rebuildDebounce {
			p.logger.Debug("reusing stale session inside rebuild debounce",
				"conversation_id", conversationID)
			entry.lastUsed = now
			return entry.session, nil
		}
		p.logger.Info("config fingerprint changed, rebuilding session",
			"conversation_id", conversationID)
		if err := entry.session.Close(); err != nil {
			p.logger.Warn("failed to close stale session", "error", err)
		}
		delete(p.entries, conversationID)
	}

	session, err := p.launcher.Launch(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.entries[conversationID] = &poolEntry{
		session:   session,
		fp:        fp,
		createdAt: now,
		lastUsed:  now,
		rebuiltAt: now,
	}
	return session, nil
}

// Discard closes and evicts the conversation's session, if any. Used after
// backend errors, since the process state behind a failed turn is untrusted.
func (p *Pool) Discard(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[conversationID]
	if !ok {
		return
	}
	if err := entry.session.Close(); err != nil {
		p.logger.Warn("failed to close discarded session",
			"conversation_id", conversationID, "error", err)
	}
	delete(p.entries, conversationID)
}

// InvalidateAll closes every live session. In-flight turns are unaffected
// because they hold a direct session reference.
func (p *Pool) InvalidateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.entries {
		if err := entry.session.Close(); err != nil {
			p.logger.Warn("failed to close session", "conversation_id", id, "error", err)
		}
		delete(p.entries, id)
	}
}

// Size returns the number of live entries.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the reaper and closes every session.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.InvalidateAll()
}

func (p *Pool) reap() {
	ticker := time.NewTicker(p.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for id, entry := range p.entries {
		if now.Sub(entry.lastUsed) < p.idleTimeout {
			continue
		}
		p.logger.Info("reaping idle session", "conversation_id", id,
			"idle", now.Sub(entry.lastUsed).String())
		if err := entry.session.Close(); err != nil {
			p.logger.Warn("failed to close idle session", "conversation_id", id, "error", err)
		}
		delete(p.entries, id)
	}
}
