// Package config centralises runtime configuration for the relay process.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/doriancollier/relay/internal/schema"
)

// Environment identifies the runtime environment where the relay operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// PipelineSettings sizes the delivery pipeline.
type PipelineSettings struct {
	DedupWindow time.Duration `yaml:"dedup_window"`
	QueueDepth  int           `yaml:"queue_depth"`
}

// BindingSettings bounds the external-identity session map.
type BindingSettings struct {
	Capacity int    `yaml:"capacity"`
	File     string `yaml:"file"`
}

// Settings contains the relay configuration tree loaded from defaults, an
// optional YAML file, and environment overrides.
type Settings struct {
	Environment       Environment            `yaml:"environment"`
	DataDir           string                 `yaml:"data_dir"`
	RulesFile         string                 `yaml:"rules_file"`
	SubscriptionsFile string                 `yaml:"subscriptions_file"`
	Pipeline          PipelineSettings       `yaml:"pipeline"`
	Bindings          BindingSettings        `yaml:"bindings"`
	Adapters          []schema.AdapterConfig `yaml:"adapters"`
}

// Default returns the default relay configuration.
func Default() Settings {
	return Settings{
		Environment:       EnvProd,
		DataDir:           "data",
		RulesFile:         "rules.json",
		SubscriptionsFile: "subscriptions.json",
		Pipeline: PipelineSettings{
			DedupWindow: time.Minute,
			QueueDepth:  64,
		},
		Bindings: BindingSettings{
			Capacity: 1000,
			File:     "bindings.json",
		},
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (Settings, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	applyEnv(&cfg)
	return cfg, cfg.validate()
}

// LoadOrDefault behaves like Load but treats a missing file as defaults
// rather than a failure.
func LoadOrDefault(path string) (Settings, error) {
	if path == "" {
		cfg := Default()
		applyEnv(&cfg)
		return cfg, cfg.validate()
	}
	cfg, err := Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		applyEnv(&cfg)
		return cfg, cfg.validate()
	}
	return cfg, err
}

// RulesPath resolves the rules file inside the data directory.
func (s Settings) RulesPath() string { return s.resolve(s.RulesFile) }

// SubscriptionsPath resolves the subscriptions file inside the data directory.
func (s Settings) SubscriptionsPath() string { return s.resolve(s.SubscriptionsFile) }

// BindingsPath resolves the session-binding map file inside the data directory.
func (s Settings) BindingsPath() string { return s.resolve(s.Bindings.File) }

func (s Settings) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.DataDir, name)
}

func applyEnv(cfg *Settings) {
	if env := strings.TrimSpace(os.Getenv("RELAY_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if dir := strings.TrimSpace(os.Getenv("RELAY_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}
}

func (s Settings) validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if s.Pipeline.DedupWindow < 0 {
		return fmt.Errorf("config: pipeline.dedup_window must not be negative")
	}
	if s.Bindings.Capacity < 1 {
		return fmt.Errorf("config: bindings.capacity must be at least 1")
	}
	seen := make(map[string]struct{}, len(s.Adapters))
	for _, adapter := range s.Adapters {
		if strings.TrimSpace(adapter.ID) == "" {
			return fmt.Errorf("config: adapter entries require an id")
		}
		if _, dup := seen[adapter.ID]; dup {
			return fmt.Errorf("config: duplicate adapter id %q", adapter.ID)
		}
		seen[adapter.ID] = struct{}{}
	}
	return nil
}
