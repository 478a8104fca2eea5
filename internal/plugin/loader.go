package plugin

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/doriancollier/relay/internal/adapters"
	"github.com/doriancollier/relay/internal/schema"
)

// Loader turns adapter config entries into live adapters. Each entry resolves
// to one of three sources: a builtin factory, an installed package under
// <configDir>/plugins, or a local script file.
type Loader struct {
	logger zerolog.Logger
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "plugin-loader").Logger()}
}

// Load resolves and validates every enabled entry. A failure in one entry is
// logged with that entry's id and the entry skipped; remaining entries still
// load. The returned slice preserves config order.
func (l *Loader) Load(ctx context.Context, configs []schema.AdapterConfig, builtins map[string]adapters.Factory, deps adapters.Deps, configDir string) []adapters.Adapter {
	loaded := make([]adapters.Adapter, 0, len(configs))
	seen := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		if err := ctx.Err(); err != nil {
			l.logger.Warn().Err(err).Msg("adapter loading interrupted")
			break
		}
		if !cfg.IsEnabled() {
			l.logger.Debug().Str("adapter_id", cfg.ID).Msg("adapter disabled, skipping")
			continue
		}
		adapter, err := l.loadOne(cfg, builtins, deps, configDir)
		if err != nil {
			l.logger.Warn().Err(err).Str("adapter_id", cfg.ID).Msg("adapter failed to load, skipping")
			continue
		}
		if _, dup := seen[adapter.ID()]; dup {
			l.logger.Warn().Str("adapter_id", cfg.ID).Str("resolved_id", adapter.ID()).
				Msg("adapter id already registered, skipping")
			continue
		}
		seen[adapter.ID()] = struct{}{}
		loaded = append(loaded, adapter)
	}
	return loaded
}

func (l *Loader) loadOne(cfg schema.AdapterConfig, builtins map[string]adapters.Factory, deps adapters.Deps, configDir string) (adapters.Adapter, error) {
	source, err := resolveSource(cfg, configDir)
	if err != nil {
		return nil, err
	}
	switch src := source.(type) {
	case Builtin:
		factory, ok := builtins[src.Type]
		if !ok {
			return nil, fmt.Errorf("no builtin adapter registered for type %q", src.Type)
		}
		candidate, err := factory(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("builtin factory %q: %w", src.Type, err)
		}
		return validateAdapter(candidate)
	case Package:
		adapter, err := loadScript(src.Path, cfg)
		if err != nil {
			return nil, fmt.Errorf("package %q: %w", src.Name, err)
		}
		return adapter, nil
	case LocalFile:
		return loadScript(src.Path, cfg)
	default:
		return nil, fmt.Errorf("unsupported adapter source %q", source.describe())
	}
}
