package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsInert(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, provider.Meter("relay"))
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://collector.test:4318/")
	t.Setenv("OTEL_SERVICE_NAME", "relay-staging")
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("RELAY_ENV", "staging")
	t.Setenv("OTEL_RESOURCE_ENVIRONMENT", "")

	cfg := DefaultConfig()
	require.False(t, cfg.Enabled)
	require.Equal(t, "https://collector.test:4318/", cfg.OTLPEndpoint)
	require.Equal(t, "relay-staging", cfg.ServiceName)
	require.Equal(t, "staging", cfg.Environment)
	require.Equal(t, 30*time.Second, cfg.MetricInterval)
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318/"))
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
