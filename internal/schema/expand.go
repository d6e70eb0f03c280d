package schema

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

var tokenRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ProviderFunc supplies the value for one token at expansion time.
type ProviderFunc func() (any, error)

// ProviderRegistry maps ${TOKEN} names to suppliers. Safe for concurrent use.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFunc
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]ProviderFunc)}
}

func (r *ProviderRegistry) Register(name string, fn ProviderFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = fn
}

// RegisterValue registers a fixed value under name.
func (r *ProviderRegistry) RegisterValue(name string, v any) {
	r.Register(name, func() (any, error) { return v, nil })
}

func (r *ProviderRegistry) lookup(name string) (ProviderFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.providers[name]
	return fn, ok
}

// Expand returns a copy of sc with ${TOKEN} markers in rule defaults and
// allowed sets replaced by provider values. A value that is exactly one token
// takes the provider's typed value; tokens embedded in a longer string are
// substituted textually. Unknown tokens are left intact and their names
// returned sorted. A failing provider aborts the expansion.
func (r *ProviderRegistry) Expand(sc Schema) (Schema, []string, error) {
	out := make(Schema, len(sc))
	unknown := make(map[string]struct{})

	for key, rule := range sc {
		def, err := r.expandValue(rule.Default, unknown)
		if err != nil {
			return nil, nil, fmt.Errorf("expand %s.default: %w", key, err)
		}
		rule.Default = def

		if len(rule.Allowed) > 0 {
			allowed := make([]any, len(rule.Allowed))
			for i, a := range rule.Allowed {
				v, err := r.expandValue(a, unknown)
				if err != nil {
					return nil, nil, fmt.Errorf("expand %s.allowed[%d]: %w", key, i, err)
				}
				allowed[i] = v
			}
			rule.Allowed = allowed
		}

		out[key] = rule
	}

	names := make([]string, 0, len(unknown))
	for n := range unknown {
		names = append(names, n)
	}
	sort.Strings(names)
	return out, names, nil
}

func (r *ProviderRegistry) expandValue(v any, unknown map[string]struct{}) (any, error) {
	switch x := v.(type) {
	case string:
		return r.expandString(x, unknown)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ev, err := r.expandValue(e, unknown)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			ev, err := r.expandValue(e, unknown)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *ProviderRegistry) expandString(s string, unknown map[string]struct{}) (any, error) {
	// Whole-value token keeps the provider's type (paths, ints, lists).
	if m := tokenRe.FindStringSubmatch(s); m != nil && m[0] == s {
		name := m[1]
		fn, ok := r.lookup(name)
		if !ok {
			unknown[name] = struct{}{}
			return s, nil
		}
		return fn()
	}

	var firstErr error
	out := tokenRe.ReplaceAllStringFunc(s, func(match string) string {
		name := tokenRe.FindStringSubmatch(match)[1]
		fn, ok := r.lookup(name)
		if !ok {
			unknown[name] = struct{}{}
			return match
		}
		v, err := fn()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return fmt.Sprint(v)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
