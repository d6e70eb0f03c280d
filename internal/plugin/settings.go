package plugin

import (
	"time"

	"inkdeck/internal/schema"
)

// Long-standing defaults of the display loop, in seconds.
const (
	defaultDuration        = 90
	defaultRefreshInterval = 30
	defaultUpdateTimeout   = 30
	defaultCacheExpire     = 2 * 24 * 60 * 60
)

func minBound(v float64) *schema.Range { return &schema.Range{Min: &v} }

// BaseSchema returns the rule set every plugin's settings are validated
// against. Plugin-specific knobs live in the factory's params schema instead.
func BaseSchema() schema.Schema {
	return schema.Schema{
		"name": {
			Type: schema.TypeString, Default: "",
			Description: "display name used in logs and layouts (identity when empty)",
		},
		"duration": {
			Type: schema.TypeInt, Default: defaultDuration, Fatal: true,
			Range:       minBound(1),
			Description: "seconds the plugin holds the foreground before rotation",
		},
		"refresh_interval": {
			Type: schema.TypeInt, Default: defaultRefreshInterval, Fatal: true,
			Range:       minBound(0),
			Description: "minimum seconds between two update attempts",
		},
		"plugin_timeout": {
			Type: schema.TypeInt, Default: defaultUpdateTimeout, Fatal: true,
			Range:       minBound(1),
			Description: "seconds one update may run before it is abandoned",
		},
		"dormant": {
			Type: schema.TypeBool, Default: false,
			Description: "update in the background, shown only on high priority",
		},
		"layout": {
			Type: schema.TypeString, Default: "default",
			Description: "layout used to render plugin data into a frame",
		},
		"cache_expire": {
			Type: schema.TypeInt, Default: defaultCacheExpire,
			Range:       minBound(0),
			Description: "seconds a cached remote asset stays fresh",
		},
	}
}

// baseSettings is the typed view of merged base settings.
type baseSettings struct {
	Name            string
	Duration        time.Duration
	RefreshInterval time.Duration
	UpdateTimeout   time.Duration
	Dormant         bool
	Layout          string
	CacheExpire     time.Duration
}

func baseSettingsFrom(m map[string]any) baseSettings {
	return baseSettings{
		Name:            asString(m["name"]),
		Duration:        time.Duration(asInt(m["duration"], defaultDuration)) * time.Second,
		RefreshInterval: time.Duration(asInt(m["refresh_interval"], defaultRefreshInterval)) * time.Second,
		UpdateTimeout:   time.Duration(asInt(m["plugin_timeout"], defaultUpdateTimeout)) * time.Second,
		Dormant:         asBool(m["dormant"]),
		Layout:          asString(m["layout"]),
		CacheExpire:     time.Duration(asInt(m["cache_expire"], defaultCacheExpire)) * time.Second,
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// asInt reads a numeric settings value. YAML hands ints over as int, JSON as
// float64; both appear in practice depending on the declaration source.
func asInt(v any, def int) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case float32:
		return int(x)
	case uint64:
		return int(x)
	default:
		return def
	}
}
