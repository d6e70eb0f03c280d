package plugin

import (
	"time"

	"inkdeck/internal/schema"
)

// Declaration is one plugin as declared in configuration, before admission.
type Declaration struct {
	Type     string
	Settings map[string]any
	Params   map[string]any
}

// Entry is the registry's record of one declared plugin. Settings and Params
// hold the merged (validated) maps; Problems keeps the advisory findings of
// the admission pass for diagnostics.
type Entry struct {
	Identity     string
	Type         string
	Settings     map[string]any
	Params       map[string]any
	Status       Status
	StatusReason string
	Signature    uint64
	Problems     []schema.Problem
	AddedAt      time.Time
}

// copy returns a detached value the caller may keep or mutate freely.
func (e *Entry) copy() Entry {
	cp := *e
	cp.Settings = cloneMap(e.Settings)
	cp.Params = cloneMap(e.Params)
	cp.Problems = append([]schema.Problem(nil), e.Problems...)
	return cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = cloneAny(e)
		}
		return s
	default:
		return v
	}
}
