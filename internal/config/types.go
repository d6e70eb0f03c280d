package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Display   DisplayConfig   `json:"display"`
	Cache     CacheConfig     `json:"cache"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Janitor   JanitorConfig   `json:"janitor,omitempty"`

	// Storage enables event persistence. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Plugins is ordered: declaration order is rotation order.
	Plugins []PluginDecl `json:"plugins"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DisplayConfig controls the panel boundary.
//
// Driver is "file" (spool frames to a directory, the default) or "none".
// MinRefresh is a Go duration string; frames arriving faster than this are
// throttled to protect the panel. "0s" disables throttling.
type DisplayConfig struct {
	Driver      string `json:"driver,omitempty"`
	SpoolDir    string `json:"spool_dir,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	MinRefresh  string `json:"min_refresh,omitempty"`
}

const (
	defaultSpoolDir      = "./frames"
	defaultFrameHistory  = 10
	defaultSchedulerTick = time.Second
)

func (d DisplayConfig) DriverName() string {
	name := strings.TrimSpace(strings.ToLower(d.Driver))
	if name == "" {
		return "file"
	}
	return name
}

func (d DisplayConfig) Spool() string {
	dir := strings.TrimSpace(d.SpoolDir)
	if dir == "" {
		return defaultSpoolDir
	}
	return dir
}

func (d DisplayConfig) History() int {
	if d.HistorySize < 0 {
		return 0
	}
	if d.HistorySize == 0 {
		return defaultFrameHistory
	}
	return d.HistorySize
}

func (d DisplayConfig) MinRefreshDuration() (time.Duration, error) {
	return ParseDurationField("display.min_refresh", d.MinRefresh)
}

// CacheConfig points the content cache at a directory. Empty means
// "<user cache dir>/inkdeck" resolved at startup.
type CacheConfig struct {
	Dir string `json:"dir,omitempty"`
}

// SchedulerConfig controls the update engine.
//
// Tick is a Go duration string (default "1s"). MaxFailures is the number of
// consecutive update failures before a plugin is evicted (default 5).
type SchedulerConfig struct {
	Tick        string `json:"tick,omitempty"`
	MaxFailures int    `json:"max_failures,omitempty"`
}

func (s SchedulerConfig) TickDuration() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.tick", s.Tick, defaultSchedulerTick)
}

// JanitorConfig controls periodic cache maintenance. SweepSchedule is a cron
// spec or @every expression (default "@every 1h").
type JanitorConfig struct {
	Enabled       bool   `json:"enabled"`
	SweepSchedule string `json:"sweep_schedule,omitempty"`
}

func (j JanitorConfig) Schedule() string {
	s := strings.TrimSpace(j.SweepSchedule)
	if s == "" {
		return "@every 1h"
	}
	return s
}

// StorageConfig controls the optional event history backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./inkdeck_history" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PluginDecl is one plugin declaration. Settings hold the shared scheduling
// keys (name, duration, refresh_interval, ...) and Params the type-specific
// ones; both are validated against their schemas at admission, not here.
type PluginDecl struct {
	Type     string         `json:"type"`
	Settings map[string]any `json:"settings,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Validate performs the structural checks that don't need schemas: section
// values that must parse, and declarations that must at least carry a type.
func (c *Config) Validate() error {
	if _, err := c.Display.MinRefreshDuration(); err != nil {
		return err
	}
	switch c.Display.DriverName() {
	case "file", "none":
	default:
		return fmt.Errorf("display.driver: unknown driver %q", c.Display.Driver)
	}
	if _, err := c.Scheduler.TickDuration(); err != nil {
		return err
	}
	if c.Scheduler.MaxFailures < 0 {
		return fmt.Errorf("scheduler.max_failures: must be >= 0")
	}
	if c.Storage != nil {
		switch strings.TrimSpace(strings.ToLower(c.Storage.Driver)) {
		case "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path: required when storage is enabled")
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	for i, d := range c.Plugins {
		if strings.TrimSpace(d.Type) == "" {
			return fmt.Errorf("plugins[%d]: type is required", i)
		}
	}
	return nil
}
