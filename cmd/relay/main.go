// Command relay launches the relay message bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/doriancollier/relay/config"
	"github.com/doriancollier/relay/internal/access"
	"github.com/doriancollier/relay/internal/adapters"
	"github.com/doriancollier/relay/internal/adapters/chat"
	"github.com/doriancollier/relay/internal/adapters/session"
	"github.com/doriancollier/relay/internal/adapters/webhook"
	"github.com/doriancollier/relay/internal/binding"
	"github.com/doriancollier/relay/internal/pipeline"
	"github.com/doriancollier/relay/internal/plugin"
	"github.com/doriancollier/relay/internal/registry"
	"github.com/doriancollier/relay/internal/relay"
	"github.com/doriancollier/relay/internal/telemetry"
	"github.com/doriancollier/relay/internal/watcher"
)

const (
	defaultConfigPath        = "config/relay.yaml"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfgPath).Msg("load config")
	}
	logger.Info().Str("env", string(cfg.Environment)).Int("adapters", len(cfg.Adapters)).
		Msg("configuration initialised")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("create data directory")
	}

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Environment)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialize telemetry")
	}

	store, err := access.NewStore(cfg.RulesPath(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise access store")
	}

	core, err := relay.NewCore(relay.Options{
		Registry: registry.NewRegistry(cfg.SubscriptionsPath(), logger),
		Access:   store,
		Pipeline: pipeline.New(pipeline.Config{
			DedupWindow: cfg.Pipeline.DedupWindow,
			QueueDepth:  cfg.Pipeline.QueueDepth,
		}, logger),
		Watchers: watcher.NewManager(logger),
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("assemble relay core")
	}

	router, err := binding.NewRouter(cfg.BindingsPath(), newLocalSession, logger,
		binding.WithCapacity(cfg.Bindings.Capacity))
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise binding router")
	}

	deps := adapters.Deps{Publisher: core, Sessions: router, Logger: logger}
	loaded := plugin.NewLoader(logger).Load(ctx, cfg.Adapters, builtinFactories(logger), deps, configDir(cfgPath))
	attached := 0
	for _, adapter := range loaded {
		if err := core.AttachAdapter(ctx, adapter); err != nil {
			logger.Warn().Err(err).Str("adapter_id", adapter.ID()).Msg("adapter not attached")
			continue
		}
		attached++
	}
	logger.Info().Int("attached", attached).Int("configured", len(cfg.Adapters)).Msg("adapters ready")

	logger.Info().Msg("relay started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, initiating graceful shutdown")

	shutdownStart := time.Now()
	core.Close()
	router.Close()
	store.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer shutdownCancel()
	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("telemetry shutdown")
	}
	logger.Info().Dur("elapsed", time.Since(shutdownStart)).Msg("shutdown completed")
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to relay configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(os.Getenv("RELAY_LOG_LEVEL")); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "relay").Logger()
}

func initTelemetry(ctx context.Context, logger zerolog.Logger, env config.Environment) (*telemetry.Provider, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Environment = string(env)
	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.Info().Str("endpoint", cfg.OTLPEndpoint).Str("service", cfg.ServiceName).Msg("telemetry initialized")
	} else {
		logger.Info().Msg("telemetry disabled")
	}
	return provider, nil
}

// builtinFactories lists the adapters compiled into this binary. The session
// adapter is only offered when an agent command is configured; config
// entries referencing it without one fail at load with a clear message.
func builtinFactories(logger zerolog.Logger) map[string]adapters.Factory {
	factories := map[string]adapters.Factory{
		"chat":    chat.New,
		"webhook": webhook.New,
	}
	if command := os.Getenv("RELAY_AGENT_CMD"); command != "" {
		factories["session"] = session.New(newExecRunner(command, logger))
	}
	return factories
}

// newLocalSession provisions process-local session ids for binding keys.
func newLocalSession(context.Context, string) (string, error) {
	return uuid.NewString(), nil
}

func configDir(cfgPath string) string {
	if cfgPath == "" {
		return "."
	}
	return filepath.Dir(cfgPath)
}
