// Package relay wires the subject registry, access store, delivery pipeline,
// watcher manager, and adapters into the message bus the rest of the process
// talks to.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/doriancollier/relay/errs"
	"github.com/doriancollier/relay/internal/access"
	"github.com/doriancollier/relay/internal/adapters"
	"github.com/doriancollier/relay/internal/budget"
	"github.com/doriancollier/relay/internal/pipeline"
	"github.com/doriancollier/relay/internal/registry"
	"github.com/doriancollier/relay/internal/schema"
	"github.com/doriancollier/relay/internal/subject"
	"github.com/doriancollier/relay/internal/watcher"
)

const (
	systemSubject      = "relay.system"
	adapterStopTimeout = 10 * time.Second
)

// Endpoint describes one addressable participant: a subscription pattern, a
// handler, and optionally a directory whose changes the endpoint wants to
// observe.
type Endpoint struct {
	ID       string
	Pattern  string
	Handler  registry.Handler
	Flow     pipeline.FlowController
	Dir      string
	OnChange watcher.ChangeFunc
}

type endpointState struct {
	sub     *registry.Subscription
	watched bool
}

// Options carries the collaborators the core orchestrates.
type Options struct {
	Registry *registry.Registry
	Access   *access.Store
	Pipeline *pipeline.Pipeline
	Watchers *watcher.Manager
	Logger   zerolog.Logger
	Clock    func() time.Time
}

// Core is the bus facade: publish, subscribe, endpoint and adapter
// lifecycle, ordered shutdown.
type Core struct {
	registry *registry.Registry
	access   *access.Store
	pipeline *pipeline.Pipeline
	watchers *watcher.Manager
	logger   zerolog.Logger
	clock    func() time.Time

	published metric.Int64Counter
	rejected  metric.Int64Counter
	denied    metric.Int64Counter

	mu        sync.Mutex
	endpoints map[string]*endpointState
	adapters  map[string]adapters.Adapter
	flows     map[string]pipeline.FlowController
	closed    bool
	closeOnce sync.Once
}

// NewCore assembles the bus. All collaborators are required except Clock.
func NewCore(opts Options) (*Core, error) {
	if opts.Registry == nil || opts.Access == nil || opts.Pipeline == nil || opts.Watchers == nil {
		return nil, fmt.Errorf("relay core requires registry, access store, pipeline, and watcher manager")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	meter := otel.Meter("relay")
	published, err := meter.Int64Counter("relay.publish.total",
		metric.WithDescription("Envelopes accepted for fan-out"))
	if err != nil {
		return nil, fmt.Errorf("init publish counter: %w", err)
	}
	rejected, err := meter.Int64Counter("relay.publish.rejected",
		metric.WithDescription("Envelopes rejected before fan-out"))
	if err != nil {
		return nil, fmt.Errorf("init rejected counter: %w", err)
	}
	denied, err := meter.Int64Counter("relay.access.denied",
		metric.WithDescription("Deliveries blocked by access rules"))
	if err != nil {
		return nil, fmt.Errorf("init denied counter: %w", err)
	}
	return &Core{
		registry:  opts.Registry,
		access:    opts.Access,
		pipeline:  opts.Pipeline,
		watchers:  opts.Watchers,
		logger:    opts.Logger.With().Str("component", "relay-core").Logger(),
		clock:     opts.Clock,
		published: published,
		rejected:  rejected,
		denied:    denied,
		endpoints: make(map[string]*endpointState),
		adapters:  make(map[string]adapters.Adapter),
		flows:     make(map[string]pipeline.FlowController),
	}, nil
}

// Publish validates the envelope and its budget, increments the budget once,
// applies access control per concrete destination, and fans out through the
// delivery pipeline. Budget and access rejections drop the message on the
// bus: nothing is delivered and, when the envelope names a reply subject, a
// failure reply is emitted. The in-process caller additionally gets the
// typed rejection back as the return value so adapters can surface it on
// their own edge (for example as an HTTP status); remote parties only ever
// see the failure reply.
func (c *Core) Publish(ctx context.Context, env *schema.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.New("relay.publish", errs.CodeUnavailable, errs.WithMessage("relay is closed"))
	}
	c.mu.Unlock()

	nextBudget, err := budget.ValidateForForward(env, env.Subject, c.clock())
	if err != nil {
		c.rejected.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(errs.ReasonOf(err)))))
		c.logger.Warn().Err(err).Str("subject", env.Subject).Str("from", env.From).
			Msg("publish rejected by budget")
		c.replyFailure(ctx, env, err)
		return err
	}

	// Every subscriber of this publish observes the identical incremented
	// budget: the increment happens here, once, never per target.
	forwarded := env.Clone()
	forwarded.Budget = nextBudget

	targets, deniedEndpoints := c.collectTargets(ctx, forwarded)
	for _, blocked := range deniedEndpoints {
		c.denied.Add(ctx, 1)
		deniedErr := errs.New("relay.publish", errs.CodeAccessDenied,
			errs.WithEntity(blocked),
			errs.WithMessage(fmt.Sprintf("delivery from %s to %s denied by access rule", env.From, blocked)))
		c.logger.Warn().Str("from", env.From).Str("endpoint", blocked).Msg("delivery denied by access rule")
		c.replyFailure(ctx, env, deniedErr)
	}

	c.published.Add(ctx, 1)
	return c.pipeline.Dispatch(ctx, forwarded, targets)
}

// collectTargets resolves subscriptions and adapter routes for the subject.
// Access control applies to concrete endpoints only: a literal subscription
// pattern or an adapter prefix owning the subject. Wildcard subscriptions
// are broadcast fan-out and stay unchecked.
func (c *Core) collectTargets(_ context.Context, env *schema.Envelope) ([]pipeline.Target, []string) {
	var deniedEndpoints []string
	var targets []pipeline.Target

	for _, bound := range c.registry.Match(env.Subject) {
		if subject.IsLiteral(bound.Pattern) {
			if decision := c.access.Check(env.From, bound.Pattern); !decision.Allowed {
				deniedEndpoints = append(deniedEndpoints, bound.Pattern)
				continue
			}
		}
		c.mu.Lock()
		flow := c.flows[bound.ID]
		c.mu.Unlock()
		targets = append(targets, pipeline.Target{ID: bound.ID, Handler: bound.Handler, Flow: flow})
	}

	c.mu.Lock()
	routed := make([]adapters.Adapter, 0, len(c.adapters))
	for _, a := range c.adapters {
		for _, prefix := range a.SubjectPrefixes() {
			if strings.HasPrefix(env.Subject, prefix) {
				routed = append(routed, a)
				break
			}
		}
	}
	c.mu.Unlock()

	for _, a := range routed {
		if decision := c.access.Check(env.From, env.Subject); !decision.Allowed {
			deniedEndpoints = append(deniedEndpoints, env.Subject)
			continue
		}
		adapter := a
		targets = append(targets, pipeline.Target{
			ID: "adapter:" + adapter.ID(),
			Handler: func(ctx context.Context, env *schema.Envelope) error {
				return adapter.Deliver(ctx, env)
			},
		})
	}
	return targets, deniedEndpoints
}

// replyFailure routes a rejection notice back to the sender's reply subject.
// It bypasses budget and access checks so a rejection can never recurse into
// another rejection.
func (c *Core) replyFailure(ctx context.Context, env *schema.Envelope, cause error) {
	if env.ReplyTo == "" {
		return
	}
	reply := schema.NewEnvelope(env.ReplyTo, systemSubject, schema.NewBudget(time.Time{}, 1), map[string]any{
		"content": fmt.Sprintf("delivery to %s failed: %s", env.Subject, cause.Error()),
		"code":    string(errs.CodeOf(cause)),
		"refId":   env.ID,
	})
	targets, _ := c.collectTargets(ctx, reply)
	if len(targets) == 0 {
		return
	}
	if err := c.pipeline.Dispatch(ctx, reply, targets); err != nil {
		c.logger.Warn().Err(err).Str("reply_to", env.ReplyTo).Msg("failure reply not delivered")
	}
}

// Subscribe registers a handler for a subject pattern.
func (c *Core) Subscribe(pattern, owner string, handler registry.Handler) (*registry.Subscription, error) {
	return c.SubscribeWithFlow(pattern, owner, handler, nil)
}

// SubscribeWithFlow additionally attaches a flow controller; the pipeline
// pauses delivery to this subscriber while it reports not-ready.
func (c *Core) SubscribeWithFlow(pattern, owner string, handler registry.Handler, flow pipeline.FlowController) (*registry.Subscription, error) {
	sub, err := c.registry.Subscribe(pattern, owner, handler)
	if err != nil {
		return nil, err
	}
	if flow != nil {
		c.mu.Lock()
		c.flows[sub.ID] = flow
		c.mu.Unlock()
	}
	return sub, nil
}

// Unsubscribe removes a subscription by handle.
func (c *Core) Unsubscribe(sub *registry.Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	delete(c.flows, sub.ID)
	c.mu.Unlock()
	sub.Unsubscribe()
	c.pipeline.Release(sub.ID)
}

// RegisterEndpoint subscribes the endpoint's handler and, when a directory
// is given, registers a watch delivering debounced change notifications.
func (c *Core) RegisterEndpoint(_ context.Context, ep Endpoint) error {
	if ep.ID == "" {
		return errs.New("relay.register_endpoint", errs.CodeInvalid, errs.WithMessage("endpoint id required"))
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.New("relay.register_endpoint", errs.CodeUnavailable, errs.WithMessage("relay is closed"))
	}
	if _, exists := c.endpoints[ep.ID]; exists {
		c.mu.Unlock()
		return errs.New("relay.register_endpoint", errs.CodeConflict,
			errs.WithEntity(ep.ID), errs.WithMessage("endpoint already registered"))
	}
	c.mu.Unlock()

	sub, err := c.SubscribeWithFlow(ep.Pattern, ep.ID, ep.Handler, ep.Flow)
	if err != nil {
		return err
	}
	state := &endpointState{sub: sub}
	if ep.Dir != "" && ep.OnChange != nil {
		if err := c.watchers.Register(ep.ID, ep.Dir, ep.OnChange); err != nil {
			c.Unsubscribe(sub)
			return err
		}
		state.watched = true
	}

	c.mu.Lock()
	c.endpoints[ep.ID] = state
	c.mu.Unlock()
	c.logger.Info().Str("endpoint_id", ep.ID).Str("pattern", ep.Pattern).Msg("endpoint registered")
	return nil
}

// UnregisterEndpoint removes the endpoint's subscription and awaits its
// watcher's shutdown before reporting the endpoint gone.
func (c *Core) UnregisterEndpoint(id string) error {
	c.mu.Lock()
	state, ok := c.endpoints[id]
	if ok {
		delete(c.endpoints, id)
	}
	c.mu.Unlock()
	if !ok {
		return errs.New("relay.unregister_endpoint", errs.CodeNotFound,
			errs.WithEntity(id), errs.WithMessage("endpoint not registered"))
	}
	c.Unsubscribe(state.sub)
	if state.watched {
		if err := c.watchers.Unregister(id); err != nil {
			return err
		}
	}
	c.logger.Info().Str("endpoint_id", id).Msg("endpoint unregistered")
	return nil
}

// AttachAdapter starts the adapter and routes its subject prefixes.
func (c *Core) AttachAdapter(ctx context.Context, a adapters.Adapter) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.New("relay.attach_adapter", errs.CodeUnavailable, errs.WithMessage("relay is closed"))
	}
	if _, exists := c.adapters[a.ID()]; exists {
		c.mu.Unlock()
		return errs.New("relay.attach_adapter", errs.CodeConflict,
			errs.WithEntity(a.ID()), errs.WithMessage("adapter already attached"))
	}
	c.mu.Unlock()

	if err := a.Start(ctx); err != nil {
		return errs.New("relay.attach_adapter", errs.CodeAdapterLoad,
			errs.WithEntity(a.ID()), errs.WithMessage("adapter start failed"), errs.WithCause(err))
	}
	c.mu.Lock()
	c.adapters[a.ID()] = a
	c.mu.Unlock()
	c.logger.Info().Str("adapter_id", a.ID()).Strs("prefixes", a.SubjectPrefixes()).Msg("adapter attached")
	return nil
}

// AdapterStatuses snapshots every attached adapter.
func (c *Core) AdapterStatuses() map[string]schema.AdapterStatus {
	c.mu.Lock()
	attached := make([]adapters.Adapter, 0, len(c.adapters))
	for _, a := range c.adapters {
		attached = append(attached, a)
	}
	c.mu.Unlock()

	statuses := make(map[string]schema.AdapterStatus, len(attached))
	for _, a := range attached {
		statuses[a.ID()] = a.Status()
	}
	return statuses
}

// Release resumes delivery to a paused subscriber queue.
func (c *Core) Release(targetID string) {
	c.pipeline.Release(targetID)
}

// Close shuts the bus down in dependency order: subscription registry first
// so nothing new routes, then watchers, then the pipeline with its dedup
// timers, then the adapters. Safe to call more than once.
func (c *Core) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		attached := make([]adapters.Adapter, 0, len(c.adapters))
		for _, a := range c.adapters {
			attached = append(attached, a)
		}
		c.adapters = make(map[string]adapters.Adapter)
		c.endpoints = make(map[string]*endpointState)
		c.mu.Unlock()

		c.registry.Clear()
		c.watchers.CloseAll()
		c.pipeline.Close()

		ctx, cancel := context.WithTimeout(context.Background(), adapterStopTimeout)
		defer cancel()
		for _, a := range attached {
			if err := a.Stop(ctx); err != nil {
				c.logger.Warn().Err(err).Str("adapter_id", a.ID()).Msg("adapter stop failed")
			}
		}
		c.logger.Info().Msg("relay closed")
	})
}
