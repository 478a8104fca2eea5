// Package session connects relay subjects to long-running agent sessions.
// Delivered envelopes become prompts; the agent's streamed response chunks
// flow back to the envelope's reply subject.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/doriancollier/relay/errs"
	"github.com/doriancollier/relay/internal/adapters"
	"github.com/doriancollier/relay/internal/adapters/shared"
	"github.com/doriancollier/relay/internal/schema"
)

// Runner is the agent-session collaborator. Stream submits a prompt to the
// session and returns a channel of stream events; the channel closes when
// the response completes.
type Runner interface {
	Stream(ctx context.Context, sessionID, prompt string) (<-chan map[string]any, error)
}

// Adapter forwards envelopes into agent sessions resolved through the
// binding router and relays streamed text back onto the bus.
type Adapter struct {
	id          string
	displayName string
	prefixes    []string

	runner    Runner
	publisher adapters.Publisher
	sessions  adapters.SessionResolver
	logger    zerolog.Logger
	tracker   *shared.StatusTracker

	mu      sync.Mutex
	started bool
}

// New builds a session adapter. The Runner collaborator is injected by the
// hosting process rather than configured.
func New(runner Runner) adapters.Factory {
	return func(cfg schema.AdapterConfig, deps adapters.Deps) (any, error) {
		if runner == nil {
			return nil, errs.New("session.new", errs.CodeInvalid,
				errs.WithEntity(cfg.ID), errs.WithMessage("session adapter requires a runner"))
		}
		if deps.Sessions == nil {
			return nil, errs.New("session.new", errs.CodeInvalid,
				errs.WithEntity(cfg.ID), errs.WithMessage("session adapter requires a session resolver"))
		}
		prefix, _ := cfg.Config["subject_prefix"].(string)
		if prefix == "" {
			prefix = "relay.agent."
		}
		name, _ := cfg.Config["display_name"].(string)
		if name == "" {
			name = "Agent Session"
		}
		return &Adapter{
			id:          cfg.ID,
			displayName: name,
			prefixes:    []string{prefix},
			runner:      runner,
			publisher:   deps.Publisher,
			sessions:    deps.Sessions,
			logger:      deps.Logger.With().Str("component", "session-adapter").Str("adapter_id", cfg.ID).Logger(),
			tracker:     shared.NewStatusTracker(),
		}, nil
	}
}

func (a *Adapter) ID() string                { return a.id }
func (a *Adapter) SubjectPrefixes() []string { return a.prefixes }
func (a *Adapter) DisplayName() string       { return a.displayName }

func (a *Adapter) Status() schema.AdapterStatus { return a.tracker.Snapshot() }

func (a *Adapter) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errs.New("session.start", errs.CodeConflict,
			errs.WithEntity(a.id), errs.WithMessage("adapter already started"))
	}
	a.started = true
	a.tracker.MarkStarted(time.Now().UTC())
	return nil
}

func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	a.tracker.MarkStopped()
	return nil
}

// Deliver renders the payload to a prompt, resolves the target session, and
// relays the streamed response. Silent events (status, lifecycle, tool
// activity) are skipped; text deltas and error messages go to the
// envelope's reply subject.
func (a *Adapter) Deliver(ctx context.Context, env *schema.Envelope) error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return errs.New("session.deliver", errs.CodeUnavailable,
			errs.WithEntity(a.id), errs.WithMessage("adapter not started"))
	}

	sessionID, err := a.sessions.GetOrCreateSession(ctx, a.bindingKey(env))
	if err != nil {
		a.tracker.RecordError(err, time.Now().UTC())
		return errs.New("session.deliver", errs.CodeUnavailable,
			errs.WithEntity(a.id), errs.WithMessage("session resolution failed"), errs.WithCause(err))
	}

	prompt := shared.ExtractText(env.Payload)
	events, err := a.runner.Stream(ctx, sessionID, prompt)
	if err != nil {
		a.tracker.RecordError(err, time.Now().UTC())
		return errs.New("session.deliver", errs.CodeDelivery,
			errs.WithEntity(a.id), errs.WithMessage("agent stream failed"), errs.WithCause(err))
	}
	a.tracker.RecordOutbound()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, open := <-events:
			if !open {
				return nil
			}
			a.relayEvent(ctx, env, sessionID, event)
		}
	}
}

// bindingKey prefers an explicit session key in the payload, falling back
// to the sender so each conversation partner gets its own session.
func (a *Adapter) bindingKey(env *schema.Envelope) string {
	if fields, ok := env.Payload.(map[string]any); ok {
		if key, ok := fields["sessionKey"].(string); ok && key != "" {
			return key
		}
	}
	return env.From
}

func (a *Adapter) relayEvent(ctx context.Context, env *schema.Envelope, sessionID string, event map[string]any) {
	eventType, _ := event["type"].(string)
	if shared.SilentEventType(eventType) {
		return
	}
	text, ok := shared.StreamEventText(event)
	if !ok || text == "" {
		return
	}
	if env.ReplyTo == "" {
		a.logger.Debug().Str("session_id", sessionID).Msg("dropping agent response with no reply subject")
		return
	}
	a.tracker.RecordInbound()
	reply := schema.NewEnvelope(env.ReplyTo, a.prefixes[0]+sessionID, env.Budget.Clone(),
		map[string]any{"content": text, "sessionId": sessionID, "eventType": eventType})
	if err := a.publisher.Publish(ctx, reply); err != nil {
		a.tracker.RecordError(err, time.Now().UTC())
		a.logger.Warn().Err(err).Str("session_id", sessionID).Msg("agent response not published")
	}
}
