// Package binding maps external conversation identities to internal agent
// sessions. The map is bounded by LRU eviction and persisted as JSON so
// restarts keep conversations attached to their sessions.
package binding

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/doriancollier/relay/errs"
)

// DefaultCapacity bounds the binding map when no capacity is configured.
const DefaultCapacity = 1000

// CreateFunc provisions a new session for a binding key. It may block on
// external work; the router guarantees at most one in-flight call per key.
type CreateFunc func(ctx context.Context, key string) (string, error)

// Binding is one persisted external-key to session mapping.
type Binding struct {
	Key        string    `json:"key"`
	SessionID  string    `json:"sessionId"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

type pendingCreate struct {
	done      chan struct{}
	sessionID string
	err       error
}

// Router resolves binding keys to sessions with in-flight deduplication:
// concurrent lookups for an unbound key share one creation attempt instead
// of racing to provision duplicates.
type Router struct {
	path     string
	capacity int
	create   CreateFunc
	logger   zerolog.Logger
	clock    func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used
	pending map[string]*pendingCreate
	dirty   bool
	closed  bool
}

// Option adjusts router construction.
type Option func(*Router)

// WithCapacity overrides the eviction bound.
func WithCapacity(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRouter loads any persisted bindings from path. A missing file starts
// empty; a malformed file is logged and discarded rather than refusing to
// start.
func NewRouter(path string, create CreateFunc, logger zerolog.Logger, opts ...Option) (*Router, error) {
	if create == nil {
		return nil, fmt.Errorf("binding router requires a session create function")
	}
	r := &Router{
		path:     path,
		capacity: DefaultCapacity,
		create:   create,
		logger:   logger.With().Str("component", "binding-router").Logger(),
		clock:    time.Now,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		pending:  make(map[string]*pendingCreate),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.load()
	return r, nil
}

func (r *Router) load() {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("path", r.path).Msg("binding map unreadable, starting empty")
		}
		return
	}
	var bindings []Binding
	if err := json.Unmarshal(raw, &bindings); err != nil {
		r.logger.Warn().Err(err).Str("path", r.path).Msg("binding map malformed, starting empty")
		return
	}
	// Stored most-recent-first; PushBack preserves that recency order.
	for _, b := range bindings {
		if b.Key == "" || b.SessionID == "" {
			continue
		}
		if _, exists := r.entries[b.Key]; exists {
			continue
		}
		binding := b
		r.entries[b.Key] = r.order.PushBack(&binding)
	}
	for r.order.Len() > r.capacity {
		r.evictOldestLocked()
	}
}

// GetOrCreateSession returns the session bound to key, creating one when no
// binding exists. Every concurrent caller for the same unbound key observes
// the result of a single creation attempt.
func (r *Router) GetOrCreateSession(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", errs.New("binding.get_or_create", errs.CodeInvalid,
			errs.WithMessage("binding key must not be empty"))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", errs.New("binding.get_or_create", errs.CodeUnavailable,
			errs.WithMessage("binding router is closed"))
	}
	if elem, ok := r.entries[key]; ok {
		binding := elem.Value.(*Binding)
		binding.LastUsedAt = r.clock()
		r.order.MoveToFront(elem)
		r.dirty = true
		r.persistLocked()
		id := binding.SessionID
		r.mu.Unlock()
		return id, nil
	}
	if p, inflight := r.pending[key]; inflight {
		r.mu.Unlock()
		select {
		case <-p.done:
			return p.sessionID, p.err
		case <-ctx.Done():
			return "", fmt.Errorf("awaiting session creation for %q: %w", key, ctx.Err())
		}
	}
	p := &pendingCreate{done: make(chan struct{})}
	r.pending[key] = p
	r.mu.Unlock()

	sessionID, err := r.create(ctx, key)

	r.mu.Lock()
	delete(r.pending, key)
	if err != nil {
		p.err = errs.New("binding.get_or_create", errs.CodeUnavailable,
			errs.WithEntity(key), errs.WithMessage("session creation failed"), errs.WithCause(err))
	} else if sessionID == "" {
		p.err = errs.New("binding.get_or_create", errs.CodeUnavailable,
			errs.WithEntity(key), errs.WithMessage("session creation returned an empty id"))
	} else {
		p.sessionID = sessionID
		now := r.clock()
		r.entries[key] = r.order.PushFront(&Binding{
			Key:        key,
			SessionID:  sessionID,
			CreatedAt:  now,
			LastUsedAt: now,
		})
		for r.order.Len() > r.capacity {
			r.evictOldestLocked()
		}
		r.dirty = true
		r.persistLocked()
	}
	r.mu.Unlock()

	close(p.done)
	return p.sessionID, p.err
}

// Lookup returns the bound session without creating one or touching recency.
func (r *Router) Lookup(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.entries[key]
	if !ok {
		return "", false
	}
	return elem.Value.(*Binding).SessionID, true
}

// Drop removes the binding for key, if any.
func (r *Router) Drop(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.entries[key]
	if !ok {
		return
	}
	r.order.Remove(elem)
	delete(r.entries, key)
	r.dirty = true
	r.persistLocked()
}

// Len reports the number of live bindings.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Bindings returns a recency-ordered snapshot, most recent first.
func (r *Router) Bindings() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Close makes a final persistence attempt and rejects further creations.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.dirty {
		r.persistLocked()
	}
	r.closed = true
}

func (r *Router) evictOldestLocked() {
	oldest := r.order.Back()
	if oldest == nil {
		return
	}
	binding := oldest.Value.(*Binding)
	r.order.Remove(oldest)
	delete(r.entries, binding.Key)
	r.dirty = true
	r.logger.Debug().Str("key", binding.Key).Str("session_id", binding.SessionID).
		Msg("binding evicted")
}

func (r *Router) snapshotLocked() []Binding {
	out := make([]Binding, 0, r.order.Len())
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		out = append(out, *elem.Value.(*Binding))
	}
	return out
}

// persistLocked writes the map atomically. Failures are non-fatal: memory
// stays authoritative and the dirty flag keeps the write pending for the
// next mutating operation.
func (r *Router) persistLocked() {
	raw, err := json.MarshalIndent(r.snapshotLocked(), "", "  ")
	if err != nil {
		r.logger.Warn().Err(err).Msg("binding map not persisted")
		return
	}
	tmp := r.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		r.logger.Warn().Err(err).Msg("binding map not persisted")
		return
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		r.logger.Warn().Err(err).Msg("binding map not persisted")
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		r.logger.Warn().Err(err).Msg("binding map not persisted")
		return
	}
	r.dirty = false
}
