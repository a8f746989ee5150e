package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// ParamsChangeEvent represents a notification that a params file changed.
type ParamsChangeEvent struct {
	// Path is the absolute path of the params file.
	Path string
	// Removed is set when the file no longer exists.
	Removed bool
	// Timestamp is when the change was detected.
	Timestamp time.Time
}

// ParamsSubscriber receives notifications when the params file changes.
// Implementations must be safe for concurrent use.
type ParamsSubscriber interface {
	OnParamsChanged(event ParamsChangeEvent)
}

// ParamsSubscriberFunc adapts a function to ParamsSubscriber.
type ParamsSubscriberFunc func(event ParamsChangeEvent)

func (f ParamsSubscriberFunc) OnParamsChanged(event ParamsChangeEvent) { f(event) }

// ParamsWatcher monitors a single params file and notifies subscribers
// after writes settle. The parent directory is watched rather than the
// file so that editors that save by rename keep being observed.
//
// Thread-safety: All public methods are safe for concurrent use.
type ParamsWatcher struct {
	mu sync.RWMutex

	watcher *fsnotify.Watcher
	path    string

	subscribers map[uint64]ParamsSubscriber
	nextID      uint64

	debounceDelay time.Duration
	pending       *ParamsChangeEvent
	debounceTimer *time.Timer
	debounceMu    sync.Mutex

	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewParamsWatcher creates a watcher for path.
// Call Start() to begin watching and Close() when done.
func NewParamsWatcher(path string, logger *slog.Logger) (*ParamsWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	return &ParamsWatcher{
		watcher:       watcher,
		path:          absPath,
		subscribers:   make(map[uint64]ParamsSubscriber),
		debounceDelay: DebounceDelay,
		logger:        logger,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// Path returns the absolute path being watched.
func (pw *ParamsWatcher) Path() string {
	return pw.path
}

// SetDebounceDelay sets the debounce delay for batching rapid changes.
// Must be called before Start().
func (pw *ParamsWatcher) SetDebounceDelay(d time.Duration) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.debounceDelay = d
}

// Start begins the event processing loop.
func (pw *ParamsWatcher) Start() {
	go pw.eventLoop()
}

// Close stops the watcher. After Close returns, no more events will be
// delivered. Close is idempotent but Start must have been called.
func (pw *ParamsWatcher) Close() error {
	var err error
	pw.closeOnce.Do(func() {
		close(pw.done)
		err = pw.watcher.Close()
		<-pw.stopped

		pw.debounceMu.Lock()
		if pw.debounceTimer != nil {
			pw.debounceTimer.Stop()
			pw.debounceTimer = nil
		}
		pw.pending = nil
		pw.debounceMu.Unlock()
	})
	return err
}

// Subscribe registers sub for change notifications and returns a
// function that removes it.
func (pw *ParamsWatcher) Subscribe(sub ParamsSubscriber) (unsubscribe func()) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.nextID++
	id := pw.nextID
	pw.subscribers[id] = sub
	return func() {
		pw.mu.Lock()
		defer pw.mu.Unlock()
		delete(pw.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (pw *ParamsWatcher) SubscriberCount() int {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return len(pw.subscribers)
}

func (pw *ParamsWatcher) eventLoop() {
	defer close(pw.stopped)

	for {
		select {
		case <-pw.done:
			return

		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			pw.handleEvent(event)

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			if pw.logger != nil {
				pw.logger.Warn("Params watcher error", "error", err)
			}
		}
	}
}

func (pw *ParamsWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != pw.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	if pw.logger != nil {
		pw.logger.Debug("Params file changed", "path", pw.path, "op", event.Op.String())
	}

	removed := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)

	pw.mu.RLock()
	delay := pw.debounceDelay
	pw.mu.RUnlock()

	pw.debounceMu.Lock()
	pw.pending = &ParamsChangeEvent{Path: pw.path, Removed: removed}
	if pw.debounceTimer != nil {
		pw.debounceTimer.Stop()
	}
	pw.debounceTimer = time.AfterFunc(delay, pw.firePending)
	pw.debounceMu.Unlock()
}

// firePending notifies subscribers about the last change seen during the
// debounce window.
func (pw *ParamsWatcher) firePending() {
	pw.debounceMu.Lock()
	pending := pw.pending
	pw.pending = nil
	pw.debounceTimer = nil
	pw.debounceMu.Unlock()

	if pending == nil {
		return
	}
	select {
	case <-pw.done:
		return
	default:
	}
	pending.Timestamp = time.Now()

	pw.mu.RLock()
	subs := make([]ParamsSubscriber, 0, len(pw.subscribers))
	for _, sub := range pw.subscribers {
		subs = append(subs, sub)
	}
	pw.mu.RUnlock()

	for _, sub := range subs {
		sub.OnParamsChanged(*pending)
	}
}
