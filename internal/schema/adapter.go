package schema

import (
	"strings"
	"time"
)

// AdapterState enumerates adapter lifecycle states surfaced in status snapshots.
type AdapterState string

const (
	// AdapterStateIdle marks an adapter that is loaded but not started.
	AdapterStateIdle AdapterState = "idle"
	// AdapterStateRunning marks an adapter accepting traffic.
	AdapterStateRunning AdapterState = "running"
	// AdapterStateStopped marks an adapter after a graceful stop.
	AdapterStateStopped AdapterState = "stopped"
	// AdapterStateErrored marks an adapter whose last operation failed.
	AdapterStateErrored AdapterState = "errored"
)

// PluginRef locates a dynamically loaded adapter implementation.
type PluginRef struct {
	Package string `json:"package,omitempty" yaml:"package,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// AdapterConfig is one externally supplied adapter entry.
type AdapterConfig struct {
	ID      string         `json:"id" yaml:"id"`
	Type    string         `json:"type" yaml:"type"`
	Enabled *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Builtin bool           `json:"builtin,omitempty" yaml:"builtin,omitempty"`
	Plugin  PluginRef      `json:"plugin,omitempty" yaml:"plugin,omitempty"`
	Config  map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (c AdapterConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MessageCount tallies traffic crossing an adapter boundary.
type MessageCount struct {
	Inbound  int64 `json:"inbound"`
	Outbound int64 `json:"outbound"`
}

// AdapterStatus is an immutable status snapshot. Producers replace the whole
// value on every update so readers never observe a torn write.
type AdapterStatus struct {
	State        AdapterState `json:"state"`
	MessageCount MessageCount `json:"messageCount"`
	ErrorCount   int64        `json:"errorCount"`
	LastError    string       `json:"lastError,omitempty"`
	LastErrorAt  *time.Time   `json:"lastErrorAt,omitempty"`
	StartedAt    *time.Time   `json:"startedAt,omitempty"`
}

// AccessAction is the verdict an access rule carries.
type AccessAction string

const (
	// ActionAllow permits the matched traffic.
	ActionAllow AccessAction = "allow"
	// ActionDeny blocks the matched traffic.
	ActionDeny AccessAction = "deny"
)

// AccessRule gates traffic between a sender pattern and a destination pattern.
// Rules are evaluated priority-descending, first match wins.
type AccessRule struct {
	From     string       `json:"from"`
	To       string       `json:"to"`
	Action   AccessAction `json:"action"`
	Priority int          `json:"priority"`
}

// Normalize trims pattern whitespace and lowercases the action.
func (r AccessRule) Normalize() AccessRule {
	r.From = strings.TrimSpace(r.From)
	r.To = strings.TrimSpace(r.To)
	r.Action = AccessAction(strings.ToLower(strings.TrimSpace(string(r.Action))))
	return r
}

// Valid reports whether the rule carries usable patterns and a known action.
func (r AccessRule) Valid() bool {
	if r.From == "" || r.To == "" {
		return false
	}
	return r.Action == ActionAllow || r.Action == ActionDeny
}

// SubscriptionRecord is the durable portion of a subscription. Handlers are
// process-local and never serialized; restarted processes reload records
// unbound until the owning component re-registers.
type SubscriptionRecord struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
