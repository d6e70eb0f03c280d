package display

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"inkdeck/internal/plugin"
)

// Layouts maps layout names to renderers. Rendering must be a pure function
// of the instance's data: two updates with equal data produce byte-identical
// content, which is what makes fingerprint-based change detection work.
type Layouts struct {
	mu sync.Mutex
	m  map[string]plugin.Renderer
}

// NewLayouts returns a registry with the builtin layouts installed:
// "default" (canonical JSON envelope) and "text" (sorted key/value lines).
func NewLayouts() *Layouts {
	l := &Layouts{m: map[string]plugin.Renderer{}}
	l.m["default"] = jsonLayout{}
	l.m["text"] = textLayout{}
	return l
}

// Register adds a custom layout. Registering an existing name is an error.
func (l *Layouts) Register(name string, r plugin.Renderer) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("layout name is required")
	}
	if r == nil {
		return fmt.Errorf("layout %q: renderer is nil", name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.m[name]; ok {
		return fmt.Errorf("layout %q already registered", name)
	}
	l.m[name] = r
	return nil
}

// Resolve returns the renderer for name. Satisfies plugin.ResolveRenderer.
func (l *Layouts) Resolve(name string) (plugin.Renderer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.m[name]
	if !ok {
		return nil, fmt.Errorf("unknown layout %q", name)
	}
	return r, nil
}

// Names returns the registered layout names, sorted.
func (l *Layouts) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.m))
	for name := range l.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// jsonLayout emits a canonical JSON envelope. json.Marshal sorts map keys,
// so equal data always yields equal bytes.
type jsonLayout struct{}

func (jsonLayout) Render(ctx context.Context, inst *plugin.Instance) ([]byte, error) {
	_ = ctx
	env := struct {
		Plugin string         `json:"plugin"`
		Data   map[string]any `json:"data"`
	}{Plugin: inst.Name(), Data: inst.Data()}
	return json.Marshal(env)
}

// textLayout emits a plain-text block: a title line followed by one
// "key: value" line per data key, sorted.
type textLayout struct{}

func (textLayout) Render(ctx context.Context, inst *plugin.Instance) ([]byte, error) {
	_ = ctx
	data := inst.Data()
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(inst.Name())
	b.WriteByte('\n')
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, data[k])
	}
	return []byte(b.String()), nil
}
