package resindex

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last filesystem
// event before recomputing the digest.
const DefaultDebounce = 5 * time.Second

// Watcher recomputes the resource digest after filesystem churn settles and
// publishes it on Updates. Rapid bursts of events collapse into one
// recompute.
type Watcher struct {
	dirs     []string
	debounce time.Duration
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	updates  chan string

	mu   sync.Mutex
	last string
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides the settle window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher starts watching dirs (recursively) and computes the initial
// digest.
func NewWatcher(dirs []string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		dirs:     dirs,
		debounce: DefaultDebounce,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		updates:  make(chan string, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.fsw = fsw

	for _, dir := range dirs {
		if err := w.addRecursive(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	hash, err := HashDirs(dirs)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	w.last = hash
	return w, nil
}

// Current returns the most recently computed digest.
func (w *Watcher) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Updates delivers a new digest each time the watched tree settles on a
// different state.
func (w *Watcher) Updates() <-chan string {
	return w.updates
}

// Run processes filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				// New directories need their own watches.
				if err := w.addRecursive(event.Name); err != nil {
					w.logger.Debug("failed to watch new path", "path", event.Name, "error", err)
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("resource watcher error", "error", err)
		case <-fire:
			timer = nil
			fire = nil
			w.recompute()
		}
	}
}

// recompute publishes the digest when it changed, replacing any undelivered
// update so consumers always see the newest value.
func (w *Watcher) recompute() {
	hash, err := HashDirs(w.dirs)
	if err != nil {
		w.logger.Warn("failed to rehash resource dirs", "error", err)
		return
	}
	w.mu.Lock()
	if hash == w.last {
		w.mu.Unlock()
		return
	}
	w.last = hash
	w.mu.Unlock()
	select {
	case w.updates <- hash:
	default:
		select {
		case <-w.updates:
		default:
		}
		w.updates <- hash
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// addRecursive watches path and every directory below it. Non-directories
// are covered by their parent's watch.
func (w *Watcher) addRecursive(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsw.Add(p)
	})
}
