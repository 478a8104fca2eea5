package plugin

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/doriancollier/relay/internal/schema"
)

// scriptAdapter adapts a dynamically loaded script module to the adapter
// contract. The underlying runtime is not goroutine-safe, so every call into
// script code is serialized.
type scriptAdapter struct {
	mu sync.Mutex
	rt *goja.Runtime

	id          string
	displayName string
	prefixes    []string

	start     goja.Callable
	stop      goja.Callable
	deliver   goja.Callable
	getStatus goja.Callable
	this      *goja.Object
}

func (a *scriptAdapter) ID() string                { return a.id }
func (a *scriptAdapter) SubjectPrefixes() []string { return a.prefixes }
func (a *scriptAdapter) DisplayName() string       { return a.displayName }

func (a *scriptAdapter) Start(ctx context.Context) error {
	return a.callLifecycle(ctx, "start", a.start)
}

func (a *scriptAdapter) Stop(ctx context.Context) error {
	return a.callLifecycle(ctx, "stop", a.stop)
}

func (a *scriptAdapter) Deliver(ctx context.Context, env *schema.Envelope) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deliver context: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.deliver(a.this, a.rt.ToValue(env)); err != nil {
		return fmt.Errorf("script adapter %s: deliver: %w", a.id, err)
	}
	return nil
}

func (a *scriptAdapter) Status() schema.AdapterStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	var status schema.AdapterStatus
	value, err := a.getStatus(a.this)
	if err != nil {
		return status
	}
	_ = a.rt.ExportTo(value, &status)
	return status
}

func (a *scriptAdapter) callLifecycle(ctx context.Context, name string, fn goja.Callable) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s context: %w", name, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := fn(a.this); err != nil {
		return fmt.Errorf("script adapter %s: %s: %w", a.id, name, err)
	}
	return nil
}

// loadScript compiles the script, runs it as a CommonJS-style module, calls
// its default factory export with the entry config, and structurally adapts
// the returned object. Missing members are reported by name.
func loadScript(path string, cfg schema.AdapterConfig) (*scriptAdapter, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	program, err := goja.Compile(path, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", path, err)
	}

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	exports, err := runModule(rt, program)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", path, err)
	}

	factory, ok := goja.AssertFunction(exports)
	if !ok {
		return nil, fmt.Errorf("module %q must export a default adapter factory function", path)
	}
	value, err := factory(goja.Undefined(), rt.ToValue(cfg.Config))
	if err != nil {
		return nil, fmt.Errorf("adapter factory %q: %w", path, err)
	}
	object := value.ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("adapter factory %q returned no object", path)
	}
	return adaptScriptObject(rt, object)
}

// adaptScriptObject checks the factory result member by member.
func adaptScriptObject(rt *goja.Runtime, object *goja.Object) (*scriptAdapter, error) {
	adapter := &scriptAdapter{rt: rt, this: object}
	var missing []string

	if id, ok := object.Get("id").Export().(string); ok && strings.TrimSpace(id) != "" {
		adapter.id = id
	} else {
		missing = append(missing, "id")
	}

	prefixes := extractPrefixes(object.Get("subjectPrefix"))
	if len(prefixes) > 0 {
		adapter.prefixes = prefixes
	} else {
		missing = append(missing, "subjectPrefix")
	}

	if name, ok := object.Get("displayName").Export().(string); ok && strings.TrimSpace(name) != "" {
		adapter.displayName = name
	} else {
		missing = append(missing, "displayName")
	}

	for _, member := range []struct {
		name string
		dst  *goja.Callable
	}{
		{"start", &adapter.start},
		{"stop", &adapter.stop},
		{"deliver", &adapter.deliver},
		{"getStatus", &adapter.getStatus},
	} {
		if fn, ok := goja.AssertFunction(object.Get(member.name)); ok {
			*member.dst = fn
		} else {
			missing = append(missing, member.name)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("adapter candidate missing required member(s): %s", strings.Join(missing, ", "))
	}
	return adapter, nil
}

func extractPrefixes(value goja.Value) []string {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil
	}
	switch exported := value.Export().(type) {
	case string:
		if strings.TrimSpace(exported) == "" {
			return nil
		}
		return []string{exported}
	case []any:
		var out []string
		for _, item := range exported {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// runModule executes the program with CommonJS module/exports bindings and a
// muted console, returning module.exports.
func runModule(rt *goja.Runtime, program *goja.Program) (goja.Value, error) {
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	return module.Get("exports"), nil
}

func buildConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	_ = console.Set("warn", noop)
	_ = console.Set("info", noop)
	return console
}
