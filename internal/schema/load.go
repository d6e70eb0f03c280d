package schema

import (
	"fmt"
	"os"

	yaml "go.yaml.in/yaml/v3"
)

// Load parses a YAML rule set. Every rule must declare a known field type.
func Load(data []byte) (Schema, error) {
	var sc Schema
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("schema unmarshal: %w", err)
	}
	for key, rule := range sc {
		switch rule.Type {
		case TypeString, TypeInt, TypeFloat, TypeBool, TypeList, TypeMap:
		default:
			return nil, fmt.Errorf("schema key %q: unknown type %q", key, rule.Type)
		}
		rule.Default = normalizeValue(rule.Default)
		for i, a := range rule.Allowed {
			rule.Allowed[i] = normalizeValue(a)
		}
		sc[key] = rule
	}
	return sc, nil
}

// LoadFile reads and parses a YAML rule set from disk.
func LoadFile(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	sc, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}
	return sc, nil
}

// normalizeValue ensures all nested map keys are strings so schema values
// compare cleanly against decoded plugin settings.
func normalizeValue(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeValue(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeValue(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeValue(x[i])
		}
		return x
	default:
		return in
	}
}
