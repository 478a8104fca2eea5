// Package webhook delivers envelopes to an external HTTP endpoint and
// accepts inbound events pushed back through a registered callback.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/doriancollier/relay/errs"
	"github.com/doriancollier/relay/internal/adapters"
	"github.com/doriancollier/relay/internal/adapters/shared"
	"github.com/doriancollier/relay/internal/schema"
)

const (
	defaultRatePerSec  = 5
	defaultBurst       = 5
	defaultMaxAttempts = 4
	maxRetryInterval   = 10 * time.Second
	requestTimeout     = 15 * time.Second
	maxInboundBody     = 1 << 20
	defaultCallBudget  = 16
)

// outboundEvent is the JSON body POSTed to the target endpoint.
type outboundEvent struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    string `json:"from"`
	Text    string `json:"text"`
	Payload any    `json:"payload"`
}

// inboundEvent is what external systems POST to the callback handler.
type inboundEvent struct {
	Subject string `json:"subject,omitempty"`
	From    string `json:"from,omitempty"`
	Payload any    `json:"payload"`
}

// registration is exchanged with the external system's registration endpoint.
type registration struct {
	AdapterID   string `json:"adapterId"`
	CallbackURL string `json:"callbackUrl"`
}

// Adapter POSTs envelopes to a configured URL, rate limited and retried with
// exponential backoff. When a registration endpoint is configured, Start
// announces the callback URL and Stop deregisters it so the external system
// stops pushing events to a dead endpoint.
type Adapter struct {
	id             string
	displayName    string
	prefixes       []string
	targetURL      string
	registerURL    string
	callbackURL    string
	inboundSubject string
	maxAttempts    int

	client  *http.Client
	limiter *rate.Limiter

	publisher adapters.Publisher
	logger    zerolog.Logger
	tracker   *shared.StatusTracker

	mu         sync.Mutex
	started    bool
	registered bool
}

// New builds a webhook adapter. Required config: url. Optional: register_url
// + callback_url (server-side callback registration), inbound_subject
// (where callback events are published), rate_limit, burst, subject_prefix,
// display_name.
func New(cfg schema.AdapterConfig, deps adapters.Deps) (any, error) {
	target, _ := cfg.Config["url"].(string)
	if target == "" {
		return nil, errs.New("webhook.new", errs.CodeInvalid,
			errs.WithEntity(cfg.ID), errs.WithMessage("webhook adapter requires a url"))
	}
	registerURL, _ := cfg.Config["register_url"].(string)
	callbackURL, _ := cfg.Config["callback_url"].(string)
	if registerURL != "" && callbackURL == "" {
		return nil, errs.New("webhook.new", errs.CodeInvalid,
			errs.WithEntity(cfg.ID), errs.WithMessage("register_url requires a callback_url"))
	}
	prefix, _ := cfg.Config["subject_prefix"].(string)
	if prefix == "" {
		prefix = "webhook."
	}
	name, _ := cfg.Config["display_name"].(string)
	if name == "" {
		name = "Webhook"
	}
	inbound, _ := cfg.Config["inbound_subject"].(string)

	perSec := numberOr(cfg.Config["rate_limit"], defaultRatePerSec)
	burst := int(numberOr(cfg.Config["burst"], defaultBurst))

	return &Adapter{
		id:             cfg.ID,
		displayName:    name,
		prefixes:       []string{prefix},
		targetURL:      target,
		registerURL:    registerURL,
		callbackURL:    callbackURL,
		inboundSubject: inbound,
		maxAttempts:    defaultMaxAttempts,
		client:         &http.Client{Timeout: requestTimeout},
		limiter:        rate.NewLimiter(rate.Limit(perSec), burst),
		publisher:      deps.Publisher,
		logger:         deps.Logger.With().Str("component", "webhook-adapter").Str("adapter_id", cfg.ID).Logger(),
		tracker:        shared.NewStatusTracker(),
	}, nil
}

func numberOr(value any, fallback float64) float64 {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return v
		}
	case int:
		if v > 0 {
			return float64(v)
		}
	}
	return fallback
}

func (a *Adapter) ID() string                { return a.id }
func (a *Adapter) SubjectPrefixes() []string { return a.prefixes }
func (a *Adapter) DisplayName() string       { return a.displayName }

func (a *Adapter) Status() schema.AdapterStatus { return a.tracker.Snapshot() }

// Start registers the callback with the external system when configured.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errs.New("webhook.start", errs.CodeConflict,
			errs.WithEntity(a.id), errs.WithMessage("adapter already started"))
	}
	if a.registerURL != "" {
		if err := a.sendRegistration(ctx, http.MethodPost); err != nil {
			return errs.New("webhook.start", errs.CodeUnavailable,
				errs.WithEntity(a.id), errs.WithMessage("callback registration failed"), errs.WithCause(err))
		}
		a.registered = true
	}
	a.started = true
	a.tracker.MarkStarted(time.Now().UTC())
	return nil
}

// Stop deregisters the callback so the external system stops pushing to a
// dead endpoint.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	if a.registered {
		if err := a.sendRegistration(ctx, http.MethodDelete); err != nil {
			a.logger.Warn().Err(err).Msg("callback deregistration failed")
			a.tracker.RecordError(err, time.Now().UTC())
		}
		a.registered = false
	}
	a.tracker.MarkStopped()
	return nil
}

func (a *Adapter) sendRegistration(ctx context.Context, method string) error {
	body, err := json.Marshal(registration{AdapterID: a.id, CallbackURL: a.callbackURL})
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.registerURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("registration request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("registration endpoint returned %s", resp.Status)
	}
	return nil
}

// Deliver POSTs the envelope to the target, honoring the rate limit and
// retrying transient failures with exponential backoff.
func (a *Adapter) Deliver(ctx context.Context, env *schema.Envelope) error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return errs.New("webhook.deliver", errs.CodeUnavailable,
			errs.WithEntity(a.id), errs.WithMessage("adapter not started"))
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("awaiting rate limiter: %w", err)
	}

	body, err := json.Marshal(outboundEvent{
		ID:      env.ID,
		Subject: env.Subject,
		From:    env.From,
		Text:    shared.ExtractText(env.Payload),
		Payload: env.Payload,
	})
	if err != nil {
		return errs.New("webhook.deliver", errs.CodeDelivery,
			errs.WithEntity(a.id), errs.WithCause(err))
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxRetryInterval
	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		lastErr = a.post(ctx, body)
		if lastErr == nil {
			a.tracker.RecordOutbound()
			return nil
		}
		a.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("webhook delivery attempt failed")
		if attempt == a.maxAttempts {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxRetryInterval
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("webhook delivery interrupted: %w", ctx.Err())
		case <-time.After(sleep):
		}
	}
	a.tracker.RecordError(lastErr, time.Now().UTC())
	return errs.New("webhook.deliver", errs.CodeDelivery,
		errs.WithEntity(a.id), errs.WithMessage("delivery exhausted retries"), errs.WithCause(lastErr))
}

func (a *Adapter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxInboundBody))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}

// InboundHandler accepts events POSTed to the registered callback and
// publishes them onto the bus. The outer transport mounts it.
func (a *Adapter) InboundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		a.mu.Lock()
		started := a.started
		a.mu.Unlock()
		if !started {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var event inboundEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		subject := event.Subject
		if subject == "" {
			subject = a.inboundSubject
		}
		if schema.ValidateSubject(subject) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		from := event.From
		if from == "" {
			from = a.prefixes[0] + "inbound"
		}
		a.tracker.RecordInbound()
		env := schema.NewEnvelope(subject, from, schema.NewBudget(time.Time{}, defaultCallBudget), event.Payload)
		if err := a.publisher.Publish(r.Context(), env); err != nil {
			a.tracker.RecordError(err, time.Now().UTC())
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}
