package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"inkdeck/internal/schema"
)

// Result is the outcome of one produce attempt.
type Result struct {
	Data         map[string]any
	Success      bool
	HighPriority bool
}

// UpdateFunc produces fresh content for an instance. It runs inside the
// timeout worker and must not mutate the instance; everything it wants to
// say goes into the Result.
type UpdateFunc func(ctx context.Context, inst *Instance) Result

// InitFunc prepares an instance once at instantiation time (warm a cache,
// resolve static assets). Optional.
type InitFunc func(ctx context.Context, inst *Instance) error

// Renderer turns an instance's current data into opaque display bytes.
// Implementations live in the display package's layout registry.
type Renderer interface {
	Render(ctx context.Context, inst *Instance) ([]byte, error)
}

// ResolveRenderer maps a layout name to a renderer. Unknown names fail the
// instantiation (the entry goes to load_failed).
type ResolveRenderer func(layout string) (Renderer, error)

// Factory declares one plugin type: its params schema and its capabilities.
// Factories are registered at process start; admission rejects declarations
// whose type has no factory.
type Factory struct {
	Type         string
	Description  string
	ParamsSchema schema.Schema
	Init         InitFunc
	Update       UpdateFunc
}

// Factories is the typed plugin-type registry.
type Factories struct {
	mu sync.RWMutex
	m  map[string]Factory
}

func NewFactories() *Factories {
	return &Factories{m: make(map[string]Factory)}
}

// Register adds a factory; re-registering a type is a programming error.
func (f *Factories) Register(fa Factory) error {
	if fa.Type == "" {
		return fmt.Errorf("factory with empty type")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.m[fa.Type]; dup {
		return fmt.Errorf("factory %q already registered", fa.Type)
	}
	f.m[fa.Type] = fa
	return nil
}

// MustRegister panics on registration failure. For process-start wiring.
func (f *Factories) MustRegister(fa Factory) {
	if err := f.Register(fa); err != nil {
		panic(err)
	}
}

func (f *Factories) Lookup(typ string) (Factory, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fa, ok := f.m[typ]
	return fa, ok
}

// Types returns all registered type names, sorted.
func (f *Factories) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.m))
	for t := range f.m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
