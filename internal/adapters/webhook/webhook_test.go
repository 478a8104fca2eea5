package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/doriancollier/relay/errs"
	"github.com/doriancollier/relay/internal/adapters"
	"github.com/doriancollier/relay/internal/schema"
)

type capturingPublisher struct {
	mu   sync.Mutex
	envs []*schema.Envelope
	err  error
}

func (p *capturingPublisher) Publish(_ context.Context, env *schema.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *capturingPublisher) published() []*schema.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*schema.Envelope(nil), p.envs...)
}

func buildAdapter(t *testing.T, config map[string]any, publisher adapters.Publisher) *Adapter {
	t.Helper()
	built, err := New(schema.AdapterConfig{ID: "hook-1", Config: config},
		adapters.Deps{Publisher: publisher, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return built.(*Adapter)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(schema.AdapterConfig{ID: "h"}, adapters.Deps{Logger: zerolog.Nop()})
	require.Error(t, err)

	_, err = New(schema.AdapterConfig{ID: "h", Config: map[string]any{
		"url":          "http://example.test",
		"register_url": "http://example.test/hooks",
	}}, adapters.Deps{Logger: zerolog.Nop()})
	require.Error(t, err)
}

func TestDeliverPostsEnvelope(t *testing.T) {
	received := make(chan []byte, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	adapter := buildAdapter(t, map[string]any{"url": target.URL}, &capturingPublisher{})
	require.NoError(t, adapter.Start(context.Background()))
	defer func() { _ = adapter.Stop(context.Background()) }()

	env := schema.NewEnvelope("webhook.orders", "relay.agent.main", schema.NewBudget(time.Time{}, 4),
		map[string]any{"content": "order shipped"})
	require.NoError(t, adapter.Deliver(context.Background(), env))

	select {
	case body := <-received:
		var event outboundEvent
		require.NoError(t, json.Unmarshal(body, &event))
		require.Equal(t, env.ID, event.ID)
		require.Equal(t, "webhook.orders", event.Subject)
		require.Equal(t, "order shipped", event.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("target never received the event")
	}
	require.Equal(t, int64(1), adapter.Status().MessageCount.Outbound)
}

func TestDeliverRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	adapter := buildAdapter(t, map[string]any{"url": target.URL}, &capturingPublisher{})
	require.NoError(t, adapter.Start(context.Background()))
	defer func() { _ = adapter.Stop(context.Background()) }()

	env := schema.NewEnvelope("webhook.orders", "relay.agent.main", schema.NewBudget(time.Time{}, 4), "retry me")
	require.NoError(t, adapter.Deliver(context.Background(), env))
	require.Equal(t, int64(3), calls.Load())
}

func TestDeliverExhaustsRetries(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer target.Close()

	adapter := buildAdapter(t, map[string]any{"url": target.URL}, &capturingPublisher{})
	adapter.maxAttempts = 2
	require.NoError(t, adapter.Start(context.Background()))
	defer func() { _ = adapter.Stop(context.Background()) }()

	env := schema.NewEnvelope("webhook.orders", "relay.agent.main", schema.NewBudget(time.Time{}, 4), "doomed")
	err := adapter.Deliver(context.Background(), env)
	require.Error(t, err)
	require.Equal(t, errs.CodeDelivery, errs.CodeOf(err))

	status := adapter.Status()
	require.Equal(t, int64(1), status.ErrorCount)
	require.NotEmpty(t, status.LastError)
}

func TestStartRegistersAndStopDeregisters(t *testing.T) {
	type call struct {
		method string
		body   registration
	}
	calls := make(chan call, 2)
	external := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var reg registration
		_ = json.Unmarshal(raw, &reg)
		calls <- call{method: r.Method, body: reg}
		w.WriteHeader(http.StatusOK)
	}))
	defer external.Close()

	adapter := buildAdapter(t, map[string]any{
		"url":          external.URL,
		"register_url": external.URL + "/hooks",
		"callback_url": "http://relay.test/callback",
	}, &capturingPublisher{})

	require.NoError(t, adapter.Start(context.Background()))
	registered := <-calls
	require.Equal(t, http.MethodPost, registered.method)
	require.Equal(t, "hook-1", registered.body.AdapterID)
	require.Equal(t, "http://relay.test/callback", registered.body.CallbackURL)

	require.NoError(t, adapter.Stop(context.Background()))
	deregistered := <-calls
	require.Equal(t, http.MethodDelete, deregistered.method)
	require.Equal(t, "hook-1", deregistered.body.AdapterID)
}

func TestStartFailsWhenRegistrationRejected(t *testing.T) {
	external := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer external.Close()

	adapter := buildAdapter(t, map[string]any{
		"url":          external.URL,
		"register_url": external.URL + "/hooks",
		"callback_url": "http://relay.test/callback",
	}, &capturingPublisher{})

	err := adapter.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}

func TestInboundHandlerPublishes(t *testing.T) {
	publisher := &capturingPublisher{}
	adapter := buildAdapter(t, map[string]any{
		"url":             "http://example.test",
		"inbound_subject": "relay.agent.main",
	}, publisher)
	require.NoError(t, adapter.Start(context.Background()))
	defer func() { _ = adapter.Stop(context.Background()) }()

	handler := adapter.InboundHandler()

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/callback", io.NopCloser(jsonBody(body)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"payload": {"content": "from outside"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	envs := publisher.published()
	require.Len(t, envs, 1)
	require.Equal(t, "relay.agent.main", envs[0].Subject)
	require.Equal(t, "webhook.inbound", envs[0].From)
	require.NoError(t, envs[0].Validate())

	rec = post(`{"subject": "relay.agent.other", "from": "ext.system", "payload": "x"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "relay.agent.other", publisher.published()[1].Subject)
	require.Equal(t, "ext.system", publisher.published()[1].From)

	rec = post(`{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/callback", nil)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusMethodNotAllowed, getRec.Code)
}

func TestInboundHandlerRejectsWhenStopped(t *testing.T) {
	adapter := buildAdapter(t, map[string]any{
		"url":             "http://example.test",
		"inbound_subject": "relay.agent.main",
	}, &capturingPublisher{})

	req := httptest.NewRequest(http.MethodPost, "/callback", jsonBody(`{"payload": "x"}`))
	rec := httptest.NewRecorder()
	adapter.InboundHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func jsonBody(s string) io.Reader { return strings.NewReader(s) }
