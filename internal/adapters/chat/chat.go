// Package chat bridges a chat platform's websocket gateway onto the relay.
// Inbound platform messages become envelopes on a configured subject;
// outbound envelopes are rendered to text frames.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/doriancollier/relay/errs"
	"github.com/doriancollier/relay/internal/adapters"
	"github.com/doriancollier/relay/internal/adapters/shared"
	"github.com/doriancollier/relay/internal/schema"
)

const (
	maxReconnectInterval = 30 * time.Second
	readLimit            = 1 << 20
	defaultCallBudget    = 16
)

// inboundFrame is the platform's wire shape for a user message.
type inboundFrame struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// outboundFrame is what the platform expects for a message the relay sends.
type outboundFrame struct {
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Adapter keeps one websocket session to the chat platform alive with
// exponential-backoff reconnection.
type Adapter struct {
	id             string
	displayName    string
	prefixes       []string
	url            string
	inboundSubject string

	publisher adapters.Publisher
	sessions  adapters.SessionResolver
	logger    zerolog.Logger
	tracker   *shared.StatusTracker

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New builds a chat adapter from its config entry. Required config keys:
// url (websocket endpoint) and inbound_subject (where platform messages are
// published).
func New(cfg schema.AdapterConfig, deps adapters.Deps) (any, error) {
	url, _ := cfg.Config["url"].(string)
	if url == "" {
		return nil, errs.New("chat.new", errs.CodeInvalid,
			errs.WithEntity(cfg.ID), errs.WithMessage("chat adapter requires a url"))
	}
	inbound, _ := cfg.Config["inbound_subject"].(string)
	if err := schema.ValidateSubject(inbound); err != nil {
		return nil, errs.New("chat.new", errs.CodeInvalid,
			errs.WithEntity(cfg.ID), errs.WithMessage("chat adapter requires a valid inbound_subject"),
			errs.WithCause(err))
	}
	prefix, _ := cfg.Config["subject_prefix"].(string)
	if prefix == "" {
		prefix = "chat."
	}
	name, _ := cfg.Config["display_name"].(string)
	if name == "" {
		name = "Chat"
	}
	return &Adapter{
		id:             cfg.ID,
		displayName:    name,
		prefixes:       []string{prefix},
		url:            url,
		inboundSubject: inbound,
		publisher:      deps.Publisher,
		sessions:       deps.Sessions,
		logger:         deps.Logger.With().Str("component", "chat-adapter").Str("adapter_id", cfg.ID).Logger(),
		tracker:        shared.NewStatusTracker(),
	}, nil
}

func (a *Adapter) ID() string                { return a.id }
func (a *Adapter) SubjectPrefixes() []string { return a.prefixes }
func (a *Adapter) DisplayName() string       { return a.displayName }

func (a *Adapter) Status() schema.AdapterStatus { return a.tracker.Snapshot() }

// Start launches the connection loop. Dial failures are retried inside the
// loop, so a temporarily unreachable platform does not fail startup.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errs.New("chat.start", errs.CodeConflict,
			errs.WithEntity(a.id), errs.WithMessage("adapter already started"))
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	a.started = true
	a.tracker.MarkStarted(time.Now().UTC())
	go a.connectLoop(loopCtx)
	return nil
}

// Stop tears down the connection loop and waits for it to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	done := a.done
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "adapter stopping")
	}
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("awaiting chat connection shutdown: %w", ctx.Err())
	}
	a.tracker.MarkStopped()
	return nil
}

// Deliver renders the payload to text and writes one frame to the platform.
func (a *Adapter) Deliver(ctx context.Context, env *schema.Envelope) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		err := errs.New("chat.deliver", errs.CodeUnavailable,
			errs.WithEntity(a.id), errs.WithMessage("not connected to chat platform"))
		a.tracker.RecordError(err, time.Now().UTC())
		return err
	}
	frame, err := json.Marshal(outboundFrame{Subject: env.Subject, Text: shared.ExtractText(env.Payload)})
	if err != nil {
		return errs.New("chat.deliver", errs.CodeDelivery,
			errs.WithEntity(a.id), errs.WithCause(err))
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		a.tracker.RecordError(err, time.Now().UTC())
		return errs.New("chat.deliver", errs.CodeDelivery,
			errs.WithEntity(a.id), errs.WithMessage("websocket write failed"), errs.WithCause(err))
	}
	a.tracker.RecordOutbound()
	return nil
}

// connectLoop keeps one websocket session alive until the adapter stops,
// re-dialing with exponential backoff after each failure.
func (a *Adapter) connectLoop(ctx context.Context) {
	defer close(a.done)

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(ctx, a.url, nil)
		if err != nil {
			a.tracker.RecordError(err, time.Now().UTC())
			a.logger.Warn().Err(err).Str("url", a.url).Msg("chat dial failed")
			if !a.sleep(ctx, backoffCfg) {
				return
			}
			continue
		}
		conn.SetReadLimit(readLimit)
		backoffCfg.Reset()

		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		a.logger.Info().Str("url", a.url).Msg("chat connected")

		readErr := a.readPump(ctx, conn)

		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			return
		}
		if readErr != nil && !errors.Is(readErr, context.Canceled) {
			a.tracker.RecordError(readErr, time.Now().UTC())
			a.logger.Warn().Err(readErr).Msg("chat connection lost")
		}
		if !a.sleep(ctx, backoffCfg) {
			return
		}
	}
}

func (a *Adapter) sleep(ctx context.Context, backoffCfg *backoff.ExponentialBackOff) bool {
	sleep := backoffCfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = maxReconnectInterval
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}

// readPump publishes every platform message onto the bus until the
// connection drops.
func (a *Adapter) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			a.logger.Warn().Err(err).Msg("discarding malformed chat frame")
			continue
		}
		if frame.Text == "" {
			continue
		}
		a.tracker.RecordInbound()
		if err := a.publishInbound(ctx, frame); err != nil {
			a.tracker.RecordError(err, time.Now().UTC())
			a.logger.Warn().Err(err).Str("sender", frame.Sender).Msg("inbound chat message not published")
		}
	}
}

func (a *Adapter) publishInbound(ctx context.Context, frame inboundFrame) error {
	sender := frame.Sender
	if sender == "" {
		sender = "anonymous"
	}
	payload := map[string]any{
		"content": frame.Text,
		"sender":  sender,
	}
	if a.sessions != nil {
		sessionID, err := a.sessions.GetOrCreateSession(ctx, a.id+":"+sender)
		if err != nil {
			return fmt.Errorf("resolve session for %q: %w", sender, err)
		}
		payload["sessionId"] = sessionID
	}
	env := schema.NewEnvelope(a.inboundSubject, a.prefixes[0]+sender, schema.NewBudget(time.Time{}, defaultCallBudget), payload)
	env.ReplyTo = a.prefixes[0] + sender
	return a.publisher.Publish(ctx, env)
}
