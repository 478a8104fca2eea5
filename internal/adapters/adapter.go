// Package adapters defines the lifecycle contract every relay adapter
// satisfies and the dependencies the relay hands to adapter factories.
package adapters

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/doriancollier/relay/internal/schema"
)

// Adapter translates between the relay and one external system. Status
// snapshots are replaced wholesale on every update, never field-mutated.
type Adapter interface {
	ID() string
	SubjectPrefixes() []string
	DisplayName() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Deliver(ctx context.Context, env *schema.Envelope) error
	Status() schema.AdapterStatus
}

// Publisher is the bus-side hook adapters use to inject inbound traffic.
type Publisher interface {
	Publish(ctx context.Context, env *schema.Envelope) error
}

// SessionResolver maps an external conversation identity to a long-lived
// internal session.
type SessionResolver interface {
	GetOrCreateSession(ctx context.Context, key string) (string, error)
}

// Deps carries the relay-side collaborators injected into adapter factories.
type Deps struct {
	Publisher Publisher
	Sessions  SessionResolver
	Logger    zerolog.Logger
}

// Factory instantiates a builtin adapter from its config entry. The result
// is structurally validated by the loader, so factories return any rather
// than the Adapter interface: dynamically loaded adapters pass through the
// same validation path.
type Factory func(cfg schema.AdapterConfig, deps Deps) (any, error)
