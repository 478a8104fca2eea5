package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/doriancollier/relay/errs"
	"github.com/doriancollier/relay/internal/adapters"
	"github.com/doriancollier/relay/internal/schema"
)

type capturingPublisher struct {
	mu   sync.Mutex
	envs []*schema.Envelope
}

func (p *capturingPublisher) Publish(_ context.Context, env *schema.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *capturingPublisher) published() []*schema.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*schema.Envelope(nil), p.envs...)
}

type recordingSessions struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (s *recordingSessions) GetOrCreateSession(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.keys = append(s.keys, key)
	return "session-" + key, nil
}

type scriptedRunner struct {
	mu      sync.Mutex
	prompts []string
	events  []map[string]any
	err     error
}

func (r *scriptedRunner) Stream(_ context.Context, sessionID, prompt string) (<-chan map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.prompts = append(r.prompts, sessionID+"|"+prompt)
	out := make(chan map[string]any, len(r.events))
	for _, event := range r.events {
		out <- event
	}
	close(out)
	return out, nil
}

func textDelta(text string) map[string]any {
	return map[string]any{"type": "text_delta", "data": map[string]any{"text": text}}
}

func buildAdapter(t *testing.T, runner Runner, publisher adapters.Publisher, sessions adapters.SessionResolver) *Adapter {
	t.Helper()
	built, err := New(runner)(schema.AdapterConfig{
		ID:     "agent-main",
		Config: map[string]any{"subject_prefix": "relay.agent."},
	}, adapters.Deps{Publisher: publisher, Sessions: sessions, Logger: zerolog.Nop()})
	require.NoError(t, err)
	adapter := built.(*Adapter)
	require.NoError(t, adapter.Start(context.Background()))
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })
	return adapter
}

func inboundEnvelope(payload any) *schema.Envelope {
	env := schema.NewEnvelope("relay.agent.main", "chat.alice", schema.NewBudget(time.Time{}, 8), payload)
	env.ReplyTo = "chat.alice"
	return env
}

func TestDeliverStreamsTextToReplySubject(t *testing.T) {
	runner := &scriptedRunner{events: []map[string]any{
		{"type": "session.started", "data": map[string]any{}},
		textDelta("thinking "),
		{"type": "tool.call", "data": map[string]any{"name": "search"}},
		{"type": "tool.result", "data": map[string]any{}},
		textDelta("done"),
		{"type": "session.ended", "data": map[string]any{}},
	}}
	publisher := &capturingPublisher{}
	sessions := &recordingSessions{}
	adapter := buildAdapter(t, runner, publisher, sessions)

	env := inboundEnvelope(map[string]any{"content": "what is the weather"})
	require.NoError(t, adapter.Deliver(context.Background(), env))

	require.Equal(t, []string{"chat.alice"}, sessions.keys)
	require.Equal(t, []string{"session-chat.alice|what is the weather"}, runner.prompts)

	replies := publisher.published()
	require.Len(t, replies, 2)
	for _, reply := range replies {
		require.Equal(t, "chat.alice", reply.Subject)
		require.Equal(t, "relay.agent.session-chat.alice", reply.From)
	}
	first, _ := replies[0].Payload.(map[string]any)
	second, _ := replies[1].Payload.(map[string]any)
	require.Equal(t, "thinking ", first["content"])
	require.Equal(t, "done", second["content"])

	status := adapter.Status()
	require.Equal(t, int64(1), status.MessageCount.Outbound)
	require.Equal(t, int64(2), status.MessageCount.Inbound)
}

func TestDeliverForwardsErrorEvents(t *testing.T) {
	runner := &scriptedRunner{events: []map[string]any{
		{"type": "error", "data": map[string]any{"message": "model overloaded"}},
	}}
	publisher := &capturingPublisher{}
	adapter := buildAdapter(t, runner, publisher, &recordingSessions{})

	require.NoError(t, adapter.Deliver(context.Background(), inboundEnvelope("hi")))

	replies := publisher.published()
	require.Len(t, replies, 1)
	payload, _ := replies[0].Payload.(map[string]any)
	require.Equal(t, "model overloaded", payload["content"])
}

func TestDeliverPrefersExplicitSessionKey(t *testing.T) {
	runner := &scriptedRunner{}
	sessions := &recordingSessions{}
	adapter := buildAdapter(t, runner, &capturingPublisher{}, sessions)

	env := inboundEnvelope(map[string]any{"content": "hi", "sessionKey": "discord:guild-7"})
	require.NoError(t, adapter.Deliver(context.Background(), env))
	require.Equal(t, []string{"discord:guild-7"}, sessions.keys)
}

func TestDeliverWithoutReplySubjectDropsText(t *testing.T) {
	runner := &scriptedRunner{events: []map[string]any{textDelta("nowhere to go")}}
	publisher := &capturingPublisher{}
	adapter := buildAdapter(t, runner, publisher, &recordingSessions{})

	env := schema.NewEnvelope("relay.agent.main", "chat.bob", schema.NewBudget(time.Time{}, 8), "hi")
	require.NoError(t, adapter.Deliver(context.Background(), env))
	require.Empty(t, publisher.published())
}

func TestDeliverSurfacesSessionResolutionFailure(t *testing.T) {
	adapter := buildAdapter(t, &scriptedRunner{}, &capturingPublisher{},
		&recordingSessions{err: errors.New("binding store down")})

	err := adapter.Deliver(context.Background(), inboundEnvelope("hi"))
	require.Error(t, err)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}

func TestDeliverSurfacesStreamFailure(t *testing.T) {
	adapter := buildAdapter(t, &scriptedRunner{err: errors.New("agent unreachable")},
		&capturingPublisher{}, &recordingSessions{})

	err := adapter.Deliver(context.Background(), inboundEnvelope("hi"))
	require.Error(t, err)
	require.Equal(t, errs.CodeDelivery, errs.CodeOf(err))
}

func TestDeliverRequiresStart(t *testing.T) {
	built, err := New(&scriptedRunner{})(schema.AdapterConfig{ID: "agent-x"},
		adapters.Deps{Publisher: &capturingPublisher{}, Sessions: &recordingSessions{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	adapter := built.(*Adapter)

	err = adapter.Deliver(context.Background(), inboundEnvelope("hi"))
	require.Error(t, err)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}
