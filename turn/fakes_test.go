package turn

import (
	"context"
	"sync"

	"github.com/harborai/skiff/backend"
	"github.com/harborai/skiff/protocol"
	"github.com/harborai/skiff/store"
)

// fakeSession is a scriptable backend session. Tests feed protocol messages
// into events and observe Send/Interrupt/Close calls.
type fakeSession struct {
	mu         sync.Mutex
	events     chan protocol.Message
	sent       []string
	interrupts int
	closed     bool
	sessionID  string

	// onInterrupt, when set, runs inside Interrupt before it returns.
	onInterrupt func()
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan protocol.Message, 64)}
}

func (f *fakeSession) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Events() <-chan protocol.Message { return f.events }

func (f *fakeSession) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	f.interrupts++
	hook := f.onInterrupt
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeSession) SetPermissionMode(ctx context.Context, mode string) error { return nil }

func (f *fakeSession) SetMaxThinkingTokens(ctx context.Context, maxTokens int) error { return nil }

func (f *fakeSession) ReconnectMCPServer(ctx context.Context, serverName string) error { return nil }

func (f *fakeSession) ToggleMCPServer(ctx context.Context, serverName string, enabled bool) error {
	return nil
}

func (f *fakeSession) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSession) interruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

func (f *fakeSession) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeLauncher hands out pre-built sessions in order and records the
// configs it saw.
type fakeLauncher struct {
	mu        sync.Mutex
	sessions  []*fakeSession
	configs   []backend.SessionConfig
	launched  int
	launchErr error
}

func (f *fakeLauncher) Launch(ctx context.Context, cfg backend.SessionConfig) (backend.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	var s *fakeSession
	if f.launched < len(f.sessions) {
		s = f.sessions[f.launched]
	} else {
		s = newFakeSession()
		f.sessions = append(f.sessions, s)
	}
	f.launched++
	return s, nil
}

func (f *fakeLauncher) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launched
}

func (f *fakeLauncher) lastConfig() backend.SessionConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[len(f.configs)-1]
}

// memConvStore is an in-memory ConversationStore recording every call.
type memConvStore struct {
	mu          sync.Mutex
	records     map[string]*store.ConversationRecord
	sessionIDs  map[string]string
	lastBody    string
	lastStatus  string
	lastUpdates int
}

func newMemConvStore() *memConvStore {
	return &memConvStore{
		records:    make(map[string]*store.ConversationRecord),
		sessionIDs: make(map[string]string),
	}
}

func (m *memConvStore) key(spaceID, conversationID string) string {
	return spaceID + "/" + conversationID
}

func (m *memConvStore) GetConversation(ctx context.Context, spaceID, conversationID string) (*store.ConversationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[m.key(spaceID, conversationID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (m *memConvStore) AddMessage(ctx context.Context, spaceID, conversationID string, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(spaceID, conversationID)
	rec, ok := m.records[k]
	if !ok {
		rec = &store.ConversationRecord{
			Conversation: store.Conversation{ID: conversationID, SpaceID: spaceID},
		}
		m.records[k] = rec
	}
	msg.ConversationID = conversationID
	rec.Messages = append(rec.Messages, msg)
	return nil
}

func (m *memConvStore) UpdateLastMessage(ctx context.Context, spaceID, conversationID string, update store.TurnUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[m.key(spaceID, conversationID)]
	if !ok || len(rec.Messages) == 0 {
		return store.ErrNotFound
	}
	last := &rec.Messages[len(rec.Messages)-1]
	last.Body = update.Body
	last.Thoughts = update.Thoughts
	last.ToolCalls = update.ToolCalls
	last.Usage = update.Usage
	last.Status = update.Status
	m.lastBody = update.Body
	m.lastStatus = update.Status
	m.lastUpdates++
	return nil
}

func (m *memConvStore) SaveSessionID(ctx context.Context, spaceID, conversationID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionIDs[m.key(spaceID, conversationID)] = sessionID
	k := m.key(spaceID, conversationID)
	if rec, ok := m.records[k]; ok {
		rec.Conversation.SessionID = sessionID
	}
	return nil
}

func (m *memConvStore) finalState() (body, status string, updates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBody, m.lastStatus, m.lastUpdates
}
