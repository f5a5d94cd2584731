package changeset

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHistoryLimit is how many change sets are retained per conversation,
// newest first.
const DefaultHistoryLimit = 3

var (
	// ErrScopeOpen is returned by Begin when a scope is already open for
	// the conversation.
	ErrScopeOpen = errors.New("changeset: scope already open for conversation")
	// ErrNotFound is returned when no change set matches the given id.
	ErrNotFound = errors.New("changeset: change set not found")
)

// Conflict describes one file that could not be rolled back because its
// on-disk content no longer matches the recorded post-image.
type Conflict struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// RollbackResult is the outcome of a rollback attempt. When Conflicts is
// non-empty and force was not set, no files were touched.
type RollbackResult struct {
	ChangeSet *ChangeSet `json:"changeSet,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// snapshot is the pre-image of one file captured on first touch.
type snapshot struct {
	path    string
	existed bool
	content string
	hash    string
}

// scope tracks the files touched during one turn of one conversation.
type scope struct {
	spaceID string
	rootDir string
	files   map[string]*snapshot
	order   []string
}

// Ledger snapshots files before tools mutate them and turns the collected
// pre/post pairs into persisted ChangeSets at turn end.
type Ledger struct {
	store  Store
	logger *slog.Logger
	limit  int

	mu     sync.Mutex
	scopes map[string]*scope
	newID  func() string
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger used for skip and error diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithHistoryLimit overrides how many change sets are retained per
// conversation.
func WithHistoryLimit(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.limit = n
		}
	}
}

// NewLedger creates a Ledger persisting through store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		limit:  DefaultHistoryLimit,
		scopes: make(map[string]*scope),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Begin opens a tracking scope for the conversation. Paths are resolved
// against rootDir and anything escaping it is ignored. At most one scope
// may be open per conversation.
func (l *Ledger) Begin(spaceID, conversationID, rootDir string) error {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return fmt.Errorf("resolving root dir: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.scopes[conversationID]; ok {
		return ErrScopeOpen
	}
	l.scopes[conversationID] = &scope{
		spaceID: spaceID,
		rootDir: abs,
		files:   make(map[string]*snapshot),
	}
	return nil
}

// Track records the pre-image of path before a tool mutates it. Only the
// first touch per scope snapshots; later calls for the same file are no-ops.
// Calls without an open scope, or for paths outside the scope root, are
// silently ignored.
func (l *Ledger) Track(conversationID, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sc, ok := l.scopes[conversationID]
	if !ok {
		return
	}
	resolved, ok := sc.resolve(path)
	if !ok {
		l.logger.Debug("ignoring path outside scope root", "path", path, "root", sc.rootDir)
		return
	}
	if _, seen := sc.files[resolved]; seen {
		return
	}
	snap := &snapshot{path: resolved}
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		snap.existed = true
		snap.content = string(data)
		snap.hash = hashContent(snap.content)
	case os.IsNotExist(err):
		// First touch of a file the tool is about to create.
	default:
		l.logger.Warn("failed to snapshot file", "path", resolved, "error", err)
		return
	}
	sc.files[resolved] = snap
	sc.order = append(sc.order, resolved)
}

// resolve normalizes path against the scope root and reports whether it
// stays inside it.
func (sc *scope) resolve(path string) (string, bool) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(sc.rootDir, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(sc.rootDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return path, true
}

// Finalize closes the scope, compares every tracked file's current content
// against its pre-image, and persists a ChangeSet for the non-trivial
// changes. It returns nil when every tracked file ended up unchanged.
// The scope is closed even when persistence fails.
func (l *Ledger) Finalize(conversationID, messageID string) (*ChangeSet, error) {
	l.mu.Lock()
	sc, ok := l.scopes[conversationID]
	delete(l.scopes, conversationID)
	l.mu.Unlock()
	if !ok || len(sc.order) == 0 {
		return nil, nil
	}

	var files []ChangeFile
	for _, path := range sc.order {
		snap := sc.files[path]
		cf, changed := l.classify(snap)
		if changed {
			files = append(files, cf)
		}
	}
	if len(files) == 0 {
		return nil, nil
	}

	cs := ChangeSet{
		ID:             l.newID(),
		ConversationID: conversationID,
		MessageID:      messageID,
		CreatedAt:      l.now(),
		Status:         StatusApplied,
		Files:          files,
	}

	sets, err := l.store.LoadChangeSets(sc.spaceID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading change set history: %w", err)
	}
	sets = append([]ChangeSet{cs}, sets...)
	if len(sets) > l.limit {
		sets = sets[:l.limit]
	}
	if err := l.store.SaveChangeSets(sc.spaceID, conversationID, sets); err != nil {
		return nil, fmt.Errorf("saving change set history: %w", err)
	}
	return &cs, nil
}

// classify reads the file's current state and produces its change record.
// The second return is false when the file is a no-op (content identical to
// the pre-image, or never created).
func (l *Ledger) classify(snap *snapshot) (ChangeFile, bool) {
	var afterExists bool
	var afterContent string
	data, err := os.ReadFile(snap.path)
	switch {
	case err == nil:
		afterExists = true
		afterContent = string(data)
	case os.IsNotExist(err):
	default:
		l.logger.Warn("failed to read file at finalize", "path", snap.path, "error", err)
		return ChangeFile{}, false
	}

	cf := ChangeFile{
		Path:          snap.path,
		Status:        FileStatusApplied,
		BeforeExists:  snap.existed,
		BeforeContent: snap.content,
		BeforeHash:    snap.hash,
		AfterContent:  afterContent,
	}
	switch {
	case !snap.existed && !afterExists:
		return ChangeFile{}, false
	case !snap.existed:
		cf.Type = FileTypeCreate
	case !afterExists:
		cf.Type = FileTypeDelete
	default:
		if hashContent(afterContent) == snap.hash {
			return ChangeFile{}, false
		}
		cf.Type = FileTypeEdit
	}
	if afterExists {
		cf.AfterHash = hashContent(afterContent)
	}
	cf.LinesAdded, cf.LinesRemoved = diffStats(cf.BeforeContent, cf.AfterContent)
	return cf, true
}

// List returns the retained change sets for the conversation, newest first.
func (l *Ledger) List(spaceID, conversationID string) ([]ChangeSet, error) {
	return l.store.LoadChangeSets(spaceID, conversationID)
}

// Accept marks files of the change set accepted. When filePath is non-empty
// only that file is accepted, otherwise every file not already rolled back.
func (l *Ledger) Accept(spaceID, conversationID, changeSetID, filePath string) (*ChangeSet, error) {
	sets, err := l.store.LoadChangeSets(spaceID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading change set history: %w", err)
	}
	cs := findChangeSet(sets, changeSetID)
	if cs == nil {
		return nil, ErrNotFound
	}
	matched := false
	for i := range cs.Files {
		f := &cs.Files[i]
		if filePath != "" && f.Path != filePath {
			continue
		}
		matched = true
		if f.Status != FileStatusRolledBack {
			f.Status = FileStatusAccepted
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: no file %q in change set %s", ErrNotFound, filePath, changeSetID)
	}
	cs.DeriveStatus()
	if err := l.store.SaveChangeSets(spaceID, conversationID, sets); err != nil {
		return nil, fmt.Errorf("saving change set history: %w", err)
	}
	return cs, nil
}

// Rollback restores the pre-images of the change set's files. Files whose
// on-disk content no longer matches the recorded post-image are reported as
// conflicts and, unless force is set, nothing is written when any exist.
func (l *Ledger) Rollback(spaceID, conversationID, changeSetID, filePath string, force bool) (*RollbackResult, error) {
	sets, err := l.store.LoadChangeSets(spaceID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading change set history: %w", err)
	}
	cs := findChangeSet(sets, changeSetID)
	if cs == nil {
		return nil, ErrNotFound
	}

	var targets []*ChangeFile
	for i := range cs.Files {
		f := &cs.Files[i]
		if filePath != "" && f.Path != filePath {
			continue
		}
		if f.Status == FileStatusRolledBack {
			continue
		}
		targets = append(targets, f)
	}
	if filePath != "" && len(targets) == 0 {
		return nil, fmt.Errorf("%w: no file %q in change set %s", ErrNotFound, filePath, changeSetID)
	}

	var conflicts []Conflict
	for _, f := range targets {
		if c, ok := l.checkConflict(f); ok {
			conflicts = append(conflicts, c)
		}
	}
	if len(conflicts) > 0 && !force {
		return &RollbackResult{Conflicts: conflicts}, nil
	}

	for _, f := range targets {
		if err := restoreFile(f); err != nil {
			return nil, fmt.Errorf("restoring %s: %w", f.Path, err)
		}
		f.Status = FileStatusRolledBack
	}
	cs.DeriveStatus()
	if err := l.store.SaveChangeSets(spaceID, conversationID, sets); err != nil {
		return nil, fmt.Errorf("saving change set history: %w", err)
	}
	return &RollbackResult{ChangeSet: cs, Conflicts: conflicts}, nil
}

// checkConflict reports whether the file's on-disk state has drifted from
// the recorded post-image.
func (l *Ledger) checkConflict(f *ChangeFile) (Conflict, bool) {
	data, err := os.ReadFile(f.Path)
	switch {
	case err == nil:
		if f.Type == FileTypeDelete {
			return Conflict{Path: f.Path, Reason: "file was recreated after deletion"}, true
		}
		if hashContent(string(data)) != f.AfterHash {
			return Conflict{Path: f.Path, Reason: "file was modified after the change"}, true
		}
	case os.IsNotExist(err):
		if f.Type != FileTypeDelete {
			return Conflict{Path: f.Path, Reason: "file was deleted after the change"}, true
		}
	default:
		return Conflict{Path: f.Path, Reason: fmt.Sprintf("unreadable: %v", err)}, true
	}
	return Conflict{}, false
}

// restoreFile writes the file back to its pre-image state.
func restoreFile(f *ChangeFile) error {
	if !f.BeforeExists {
		err := os.Remove(f.Path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.Path, []byte(f.BeforeContent), 0o644)
}

func findChangeSet(sets []ChangeSet, id string) *ChangeSet {
	for i := range sets {
		if sets[i].ID == id {
			return &sets[i]
		}
	}
	return nil
}
