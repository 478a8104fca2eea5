// Package watcher manages per-endpoint filesystem watches. Each registered
// endpoint owns one watch whose lifecycle the manager tracks, so closing an
// endpoint deterministically stops its notifications before the endpoint is
// considered removed.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/doriancollier/relay/errs"
)

const notifyDebounce = 100 * time.Millisecond

// ChangeFunc is invoked, debounced, when the watched path changes.
type ChangeFunc func(path string)

// Watch is one endpoint's active filesystem watch.
type Watch struct {
	endpointID string
	dir        string
	watcher    *fsnotify.Watcher
	done       chan struct{}

	mu      sync.Mutex
	timer   *time.Timer
	pending sync.WaitGroup
	closed  bool

	closeOnce sync.Once
}

// Close stops the watch and waits for its event loop and any pending
// debounced callback to finish. Idempotent.
func (w *Watch) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		if w.timer != nil && w.timer.Stop() {
			w.pending.Done()
		}
		w.timer = nil
		w.mu.Unlock()

		_ = w.watcher.Close()
		<-w.done
		w.pending.Wait()
	})
}

// Manager owns every endpoint watch so multiple independent relay instances
// never share ambient watcher state.
type Manager struct {
	logger zerolog.Logger

	mu      sync.Mutex
	watches map[string]*Watch
	closed  bool
}

// NewManager constructs an empty watch manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		logger:  logger.With().Str("component", "watcher").Logger(),
		watches: make(map[string]*Watch),
	}
}

// Register starts watching dir on behalf of the endpoint. Registering the
// same endpoint id twice is a conflict.
func (m *Manager) Register(endpointID, dir string, fn ChangeFunc) error {
	if endpointID == "" {
		return errs.New("watcher/register", errs.CodeInvalid, errs.WithMessage("endpoint id required"))
	}
	if fn == nil {
		return errs.New("watcher/register", errs.CodeInvalid, errs.WithMessage("change callback required"))
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errs.New("watcher/register", errs.CodePersistence, errs.WithEntity(endpointID), errs.WithCause(err))
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.New("watcher/register", errs.CodeUnavailable, errs.WithEntity(endpointID), errs.WithCause(err))
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return errs.New("watcher/register", errs.CodeUnavailable, errs.WithEntity(endpointID),
			errs.WithCause(fmt.Errorf("watch %q: %w", dir, err)))
	}

	w := &Watch{
		endpointID: endpointID,
		dir:        dir,
		watcher:    fsw,
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = fsw.Close()
		return errs.New("watcher/register", errs.CodeUnavailable, errs.WithMessage("manager closed"))
	}
	if _, exists := m.watches[endpointID]; exists {
		m.mu.Unlock()
		_ = fsw.Close()
		return errs.New("watcher/register", errs.CodeConflict, errs.WithEntity(endpointID),
			errs.WithMessage("endpoint already watched"))
	}
	m.watches[endpointID] = w
	m.mu.Unlock()

	go m.run(w, fn)
	return nil
}

// Unregister stops the endpoint's watch and waits for it to fully close
// before returning, so the endpoint is only considered removed once no
// further notifications can arrive.
func (m *Manager) Unregister(endpointID string) error {
	m.mu.Lock()
	w, ok := m.watches[endpointID]
	delete(m.watches, endpointID)
	m.mu.Unlock()
	if !ok {
		return errs.New("watcher/unregister", errs.CodeNotFound, errs.WithEntity(endpointID))
	}
	w.Close()
	return nil
}

// Watched reports whether the endpoint currently has an active watch.
func (m *Manager) Watched(endpointID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[endpointID]
	return ok
}

// CloseAll closes every watch. Idempotent.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	watches := make([]*Watch, 0, len(m.watches))
	for id, w := range m.watches {
		watches = append(watches, w)
		delete(m.watches, id)
	}
	m.mu.Unlock()

	for _, w := range watches {
		w.Close()
	}
}

func (m *Manager) run(w *Watch, fn ChangeFunc) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Remove) {
				continue
			}
			w.schedule(event.Name, fn)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn().Err(err).Str("endpoint", w.endpointID).Msg("endpoint watch error")
		}
	}
}

// schedule coalesces rapid event bursts into a single callback.
func (w *Watch) schedule(path string, fn ChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil && w.timer.Stop() {
		w.pending.Done()
	}
	w.pending.Add(1)
	w.timer = time.AfterFunc(notifyDebounce, func() {
		defer w.pending.Done()
		fn(path)
	})
}
