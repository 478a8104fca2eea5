// Package plugin discovers and validates relay adapters from three tiers:
// builtin factories, published plugin packages, and local script files.
package plugin

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/doriancollier/relay/internal/schema"
)

// Source is the tagged origin of one adapter entry. Exactly one variant is
// produced per config entry.
type Source interface {
	describe() string
}

// Builtin resolves through the factory table by declared type.
type Builtin struct {
	Type string
}

// Package resolves a published plugin module by name under the config
// directory's plugins root.
type Package struct {
	Name string
	Path string
}

// LocalFile resolves a script path against the config directory.
type LocalFile struct {
	Path string
}

func (b Builtin) describe() string   { return "builtin:" + b.Type }
func (p Package) describe() string   { return "package:" + p.Name }
func (f LocalFile) describe() string { return "file:" + f.Path }

// resolveSource classifies the adapter entry into its loading tier.
func resolveSource(cfg schema.AdapterConfig, configDir string) (Source, error) {
	pkg := strings.TrimSpace(cfg.Plugin.Package)
	path := strings.TrimSpace(cfg.Plugin.Path)

	switch {
	case pkg != "" && path != "":
		return nil, fmt.Errorf("adapter %q declares both a plugin package and a plugin path", cfg.ID)
	case pkg != "":
		resolved := filepath.Join(configDir, "plugins", filepath.FromSlash(pkg), "index.js")
		return Package{Name: pkg, Path: resolved}, nil
	case path != "":
		resolved := filepath.FromSlash(path)
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(configDir, resolved)
		}
		return LocalFile{Path: resolved}, nil
	default:
		if strings.TrimSpace(cfg.Type) == "" {
			return nil, fmt.Errorf("adapter %q declares neither a type nor a plugin location", cfg.ID)
		}
		return Builtin{Type: cfg.Type}, nil
	}
}
