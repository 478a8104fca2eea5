// Package registry maintains durable pattern→subscriber bindings. Only the
// structural record of a subscription is persisted; live handler callbacks
// stay in memory and must be re-bound by their owning component after a
// restart.
package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/doriancollier/relay/errs"
	"github.com/doriancollier/relay/internal/schema"
	"github.com/doriancollier/relay/internal/subject"
)

// Handler receives envelopes matched to a subscription.
type Handler func(ctx context.Context, env *schema.Envelope) error

// Bound pairs a live handler with its subscription identity for dispatch.
type Bound struct {
	ID      string
	Owner   string
	Pattern string
	Handler Handler
}

// Subscription is the caller-facing handle returned by Subscribe.
type Subscription struct {
	ID      string
	Pattern string
	Owner   string

	reg  *Registry
	once sync.Once
}

// Unsubscribe removes the subscription from the registry. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.reg == nil {
		return
	}
	s.once.Do(func() {
		s.reg.remove(s.ID)
	})
}

type entry struct {
	record  schema.SubscriptionRecord
	handler Handler
}

// Registry stores subscriptions in insertion order and mirrors their durable
// records to a JSON file with atomic writes.
type Registry struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	dirty   bool
	closed  bool
}

// NewRegistry loads any persisted records from path; they come back unbound
// and deliver nothing until Rebind attaches a handler. A malformed file is
// logged and treated as empty.
func NewRegistry(path string, logger zerolog.Logger) *Registry {
	r := &Registry{
		path:    filepath.Clean(path),
		logger:  logger.With().Str("component", "registry").Logger(),
		entries: make(map[string]*entry),
	}
	r.load()
	return r
}

// Subscribe registers the handler for every subject matching pattern and
// persists the durable record. Multiple handlers may share one pattern.
func (r *Registry) Subscribe(pattern, owner string, handler Handler) (*Subscription, error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, errs.New("registry/subscribe", errs.CodeInvalid, errs.WithCause(err))
	}
	if handler == nil {
		return nil, errs.New("registry/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}

	record := schema.SubscriptionRecord{
		ID:        uuid.NewString(),
		Pattern:   pattern,
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errs.New("registry/subscribe", errs.CodeUnavailable, errs.WithMessage("registry closed"))
	}
	r.entries[record.ID] = &entry{record: record, handler: handler}
	r.order = append(r.order, record.ID)
	r.persistLocked()
	r.mu.Unlock()

	return &Subscription{ID: record.ID, Pattern: pattern, Owner: owner, reg: r}, nil
}

// Rebind attaches a handler to every unbound record with the given owner,
// returning the number of records re-armed.
func (r *Registry) Rebind(owner string, handler Handler) int {
	if handler == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bound := 0
	for _, id := range r.order {
		e := r.entries[id]
		if e != nil && e.handler == nil && e.record.Owner == owner {
			e.handler = handler
			bound++
		}
	}
	return bound
}

// Match returns the bound subscriptions whose pattern matches the subject,
// in subscription order. Unbound records are skipped until re-registered.
func (r *Registry) Match(subj string) []Bound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Bound
	for _, id := range r.order {
		e := r.entries[id]
		if e == nil || e.handler == nil {
			continue
		}
		if subject.Matches(subj, e.record.Pattern) {
			out = append(out, Bound{
				ID:      e.record.ID,
				Owner:   e.record.Owner,
				Pattern: e.record.Pattern,
				Handler: e.handler,
			})
		}
	}
	return out
}

// Records returns a snapshot of all durable records, bound or not.
func (r *Registry) Records() []schema.SubscriptionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.SubscriptionRecord, 0, len(r.order))
	for _, id := range r.order {
		if e := r.entries[id]; e != nil {
			out = append(out, e.record)
		}
	}
	return out
}

// Clear drops all subscriptions from memory and disk. Used on full shutdown
// so no subscription outlives its owning core.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry)
	r.order = nil
	r.closed = true
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn().Err(err).Msg("remove subscription file failed")
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	for i, candidate := range r.order {
		if candidate == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.persistLocked()
}

func (r *Registry) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("path", r.path).Msg("subscription file unreadable, starting empty")
		}
		return
	}
	var records []schema.SubscriptionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		r.logger.Warn().Err(err).Str("path", r.path).Msg("subscription file malformed, starting empty")
		return
	}
	for _, record := range records {
		if record.ID == "" || subject.ValidatePattern(record.Pattern) != nil {
			continue
		}
		if _, exists := r.entries[record.ID]; exists {
			continue
		}
		r.entries[record.ID] = &entry{record: record, handler: nil}
		r.order = append(r.order, record.ID)
	}
}

// persistLocked writes records via temp file + rename. Failure is non-fatal:
// in-memory state stays authoritative and the write is retried on the next
// mutation. Callers hold r.mu.
func (r *Registry) persistLocked() {
	records := make([]schema.SubscriptionRecord, 0, len(r.order))
	for _, id := range r.order {
		if e := r.entries[id]; e != nil {
			records = append(records, e.record)
		}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		r.dirty = true
		r.logger.Warn().Err(err).Msg("encode subscriptions failed")
		return
	}
	if err := writeAtomic(r.path, data); err != nil {
		r.dirty = true
		r.logger.Warn().Err(err).Msg("persist subscriptions failed, will retry on next mutation")
		return
	}
	r.dirty = false
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".subscriptions-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
