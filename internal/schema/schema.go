package schema

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// FieldType names the value shape a Rule accepts.
type FieldType string

const (
	TypeString FieldType = "str"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeList   FieldType = "list"
	TypeMap    FieldType = "map"
)

// Rule describes one settings key.
//
// Default is substituted whenever the submitted value is absent or rejected,
// so a merged result always has a value for every schema key.
type Rule struct {
	Type        FieldType `yaml:"type" json:"type"`
	Default     any       `yaml:"default" json:"default"`
	Required    bool      `yaml:"required" json:"required"`
	Fatal       bool      `yaml:"fatal" json:"fatal"`
	Allowed     []any     `yaml:"allowed,omitempty" json:"allowed,omitempty"`
	Range       *Range    `yaml:"range,omitempty" json:"range,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// Range bounds a numeric value. Nil ends are open.
type Range struct {
	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// Schema is a flat rule set keyed by setting name.
type Schema map[string]Rule

// Problem codes.
const (
	CodeMissingRequired = "missing_required"
	CodeTypeMismatch    = "type_mismatch"
	CodeInvalidValue    = "invalid_value"
	CodeOutOfRange      = "out_of_range"
	CodeUnknownKey      = "unknown_key"
)

// Problem records one rejected or substituted field.
type Problem struct {
	Field  string
	Code   string
	Detail string
	Fatal  bool
}

func (p Problem) String() string {
	return p.Field + ": " + p.Code + " (" + p.Detail + ")"
}

// Mode controls how keys absent from the schema are handled.
type Mode int

const (
	// Lenient passes unknown keys through to the merged result unmodified.
	Lenient Mode = iota
	// Strict drops unknown keys and records an advisory unknown_key problem.
	Strict
)

func (m Mode) String() string {
	if m == Strict {
		return "strict"
	}
	return "lenient"
}

// ValidationError is returned by Validate when a fatal rule is violated.
// It carries the full problem list, not only the fatal entries.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	var parts []string
	for _, p := range e.Problems {
		if p.Fatal {
			parts = append(parts, p.Field+": "+p.Detail)
		}
	}
	return "invalid settings: " + strings.Join(parts, "; ")
}

// Fatal returns only the fatal problems.
func (e *ValidationError) Fatal() []Problem {
	var out []Problem
	for _, p := range e.Problems {
		if p.Fatal {
			out = append(out, p)
		}
	}
	return out
}

// Check validates cfg against sc and returns the merged settings plus any
// problems found. It never fails: rejected values are replaced by the rule
// default, and every schema key is present in the result.
//
// The pass is deterministic: schema keys are visited in sorted order, then
// unknown config keys in sorted order.
func Check(cfg map[string]any, sc Schema, mode Mode) (map[string]any, []Problem) {
	merged := make(map[string]any, len(sc)+len(cfg))
	var problems []Problem

	for _, key := range sortedRuleKeys(sc) {
		rule := sc[key]
		val, present := lookup(cfg, key)

		if !present {
			if rule.Required {
				problems = append(problems, Problem{
					Field:  key,
					Code:   CodeMissingRequired,
					Detail: fmt.Sprintf("missing required key of type %s", rule.Type),
					Fatal:  rule.Fatal,
				})
			}
			merged[key] = cloneValue(rule.Default)
			continue
		}

		if !typeOK(rule.Type, val) {
			problems = append(problems, Problem{
				Field:  key,
				Code:   CodeTypeMismatch,
				Detail: fmt.Sprintf("expected %s, got %T", rule.Type, val),
				Fatal:  rule.Fatal,
			})
			merged[key] = cloneValue(rule.Default)
			continue
		}

		if len(rule.Allowed) > 0 && !inAllowed(rule.Allowed, val) {
			problems = append(problems, Problem{
				Field:  key,
				Code:   CodeInvalidValue,
				Detail: fmt.Sprintf("value %v not in allowed set", val),
				Fatal:  rule.Fatal,
			})
			merged[key] = cloneValue(rule.Default)
			continue
		}

		if rule.Range != nil {
			if n, ok := asFloat(val); ok && !rule.Range.contains(n) {
				problems = append(problems, Problem{
					Field:  key,
					Code:   CodeOutOfRange,
					Detail: fmt.Sprintf("value %v outside %s", val, rule.Range.describe()),
					Fatal:  rule.Fatal,
				})
				merged[key] = cloneValue(rule.Default)
				continue
			}
		}

		merged[key] = val
	}

	for _, key := range sortedExtraKeys(cfg, sc) {
		switch mode {
		case Strict:
			// Dropped from the merged result; the problem is advisory.
			problems = append(problems, Problem{
				Field:  key,
				Code:   CodeUnknownKey,
				Detail: "key not in schema",
			})
		default:
			merged[key] = cfg[key]
		}
	}

	return merged, problems
}

// Validate runs the same pass as Check but returns a *ValidationError when
// any recorded problem comes from a rule with Fatal set.
func Validate(cfg map[string]any, sc Schema, mode Mode) (map[string]any, error) {
	merged, problems := Check(cfg, sc, mode)
	for _, p := range problems {
		if p.Fatal {
			return merged, &ValidationError{Problems: problems}
		}
	}
	return merged, nil
}

func sortedRuleKeys(sc Schema) []string {
	keys := make([]string, 0, len(sc))
	for k := range sc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedExtraKeys(cfg map[string]any, sc Schema) []string {
	var keys []string
	for k := range cfg {
		if _, ok := sc[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func lookup(cfg map[string]any, key string) (any, bool) {
	if cfg == nil {
		return nil, false
	}
	v, ok := cfg[key]
	return v, ok
}

// typeOK reports whether val matches the declared field type.
// Integers are accepted for float fields; bool never passes as int.
func typeOK(t FieldType, val any) bool {
	switch t {
	case TypeString:
		_, ok := val.(string)
		return ok
	case TypeInt:
		switch x := val.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		// JSON-decoded settings carry numbers as float64; accept exact integers.
		case float32:
			return float64(x) == math.Trunc(float64(x))
		case float64:
			return x == math.Trunc(x)
		}
		return false
	case TypeFloat:
		switch val.(type) {
		case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case TypeBool:
		_, ok := val.(bool)
		return ok
	case TypeList:
		_, ok := val.([]any)
		return ok
	case TypeMap:
		_, ok := val.(map[string]any)
		return ok
	default:
		// Unknown declared type accepts anything; the schema author owns it.
		return true
	}
}

func inAllowed(allowed []any, val any) bool {
	for _, a := range allowed {
		if reflect.DeepEqual(a, val) {
			return true
		}
		// Numeric literals may decode as different widths depending on the
		// schema source; compare numerically when both sides are numbers.
		an, aok := asFloat(a)
		vn, vok := asFloat(val)
		if aok && vok && an == vn {
			return true
		}
	}
	return false
}

func (r *Range) contains(n float64) bool {
	if r.Min != nil && n < *r.Min {
		return false
	}
	if r.Max != nil && n > *r.Max {
		return false
	}
	return true
}

func (r *Range) describe() string {
	lo, hi := "-inf", "+inf"
	if r.Min != nil {
		lo = fmt.Sprintf("%v", *r.Min)
	}
	if r.Max != nil {
		hi = fmt.Sprintf("%v", *r.Max)
	}
	return "[" + lo + ", " + hi + "]"
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// cloneValue copies lists and maps so a shared rule default cannot be
// mutated through one merged result and observed through another.
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, vv := range x {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}
