package shared

import (
	"sync"
	"time"

	"github.com/doriancollier/relay/internal/schema"
)

// StatusTracker maintains an adapter status snapshot. Every mutation builds
// a complete replacement value under the lock, so Snapshot never observes a
// torn write.
type StatusTracker struct {
	mu     sync.Mutex
	status schema.AdapterStatus
}

// NewStatusTracker starts in the idle state.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{status: schema.AdapterStatus{State: schema.AdapterStateIdle}}
}

// MarkStarted moves the adapter to running and stamps the start time.
func (t *StatusTracker) MarkStarted(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.status
	next.State = schema.AdapterStateRunning
	started := now
	next.StartedAt = &started
	t.status = next
}

// MarkStopped moves the adapter to stopped.
func (t *StatusTracker) MarkStopped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.status
	next.State = schema.AdapterStateStopped
	t.status = next
}

// RecordInbound counts one message received from the external system.
func (t *StatusTracker) RecordInbound() {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.status
	next.MessageCount.Inbound++
	t.status = next
}

// RecordOutbound counts one message delivered to the external system.
func (t *StatusTracker) RecordOutbound() {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.status
	next.MessageCount.Outbound++
	t.status = next
}

// RecordError counts a failure and remembers it; the adapter stays
// observable without crashing the bus.
func (t *StatusTracker) RecordError(err error, now time.Time) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.status
	next.ErrorCount++
	next.LastError = err.Error()
	at := now
	next.LastErrorAt = &at
	next.State = schema.AdapterStateErrored
	t.status = next
}

// Snapshot returns the current status value.
func (t *StatusTracker) Snapshot() schema.AdapterStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}
