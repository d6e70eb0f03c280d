package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
display:
  driver: file
  spool_dir: ./frames
  history_size: 4
  min_refresh: 2s
cache:
  dir: ./cache
scheduler:
  tick: 500ms
  max_failures: 3
janitor:
  enabled: true
  sweep_schedule: "@every 30m"
storage:
  driver: file
  path: ./history
plugins:
  - type: clock
    settings:
      name: wall
      duration: 30
    params:
      format: "15:04"
  - type: demo
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v, want debug console", cfg.Logging)
	}
	if cfg.Display.HistorySize != 4 || cfg.Display.MinRefresh != "2s" {
		t.Fatalf("display = %+v", cfg.Display)
	}
	if cfg.Scheduler.MaxFailures != 3 {
		t.Fatalf("scheduler.max_failures = %d, want 3", cfg.Scheduler.MaxFailures)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v, want file driver", cfg.Storage)
	}
	if len(cfg.Plugins) != 2 {
		t.Fatalf("plugins = %d, want 2", len(cfg.Plugins))
	}
	first := cfg.Plugins[0]
	if first.Type != "clock" || first.Settings["name"] != "wall" {
		t.Fatalf("first declaration = %+v", first)
	}
	// YAML numbers arrive as float64 after the JSON coercion; the schema
	// layer accepts integral floats as ints.
	if got, ok := first.Settings["duration"].(float64); !ok || got != 30 {
		t.Fatalf("duration = %v (%T), want float64 30", first.Settings["duration"], first.Settings["duration"])
	}
	if first.Params["format"] != "15:04" {
		t.Fatalf("params = %+v", first.Params)
	}
	if cfg.Plugins[1].Type != "demo" || cfg.Plugins[1].Settings != nil {
		t.Fatalf("second declaration = %+v, want bare type", cfg.Plugins[1])
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
	}{
		{"top level", "logging:\n  level: info\nbogus: 1\n"},
		{"declaration level", "plugins:\n  - type: clock\n    bogus: 1\n"},
		{"section level", "scheduler:\n  tick: 1s\n  bogus: 1\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, "config.yaml", tc.body))
			if _, err := m.Parse(); err == nil {
				t.Fatalf("Parse accepted unknown key")
			}
		})
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"logging":{"level":"info"}}{"x":1}`))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("Parse accepted trailing data")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad display driver", func(c *Config) { c.Display.Driver = "hdmi" }, "display.driver"},
		{"bad min refresh", func(c *Config) { c.Display.MinRefresh = "fast" }, "display.min_refresh"},
		{"bad tick", func(c *Config) { c.Scheduler.Tick = "-1s" }, "scheduler.tick"},
		{"negative max failures", func(c *Config) { c.Scheduler.MaxFailures = -1 }, "max_failures"},
		{"storage without path", func(c *Config) { c.Storage = &StorageConfig{Driver: "file"} }, "storage.path"},
		{"unknown storage driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis", Path: "x"} }, "storage.driver"},
		{"declaration without type", func(c *Config) { c.Plugins = []PluginDecl{{Type: "  "}} }, "plugins[0]"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, tc.wantErr)
			}
		})
	}
}

func TestSectionDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	if got := cfg.Display.DriverName(); got != "file" {
		t.Fatalf("DriverName = %q, want file", got)
	}
	if got := cfg.Display.Spool(); got != defaultSpoolDir {
		t.Fatalf("Spool = %q, want %q", got, defaultSpoolDir)
	}
	if got := cfg.Display.History(); got != defaultFrameHistory {
		t.Fatalf("History = %d, want %d", got, defaultFrameHistory)
	}
	if got := (DisplayConfig{HistorySize: -1}).History(); got != 0 {
		t.Fatalf("History(-1) = %d, want 0", got)
	}
	tick, err := cfg.Scheduler.TickDuration()
	if err != nil || tick != defaultSchedulerTick {
		t.Fatalf("TickDuration = (%v, %v), want default", tick, err)
	}
	if got := cfg.Janitor.Schedule(); got != "@every 1h" {
		t.Fatalf("Schedule = %q, want default", got)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Scheduler: SchedulerConfig{Tick: "1s"},
		Plugins:   []PluginDecl{{Type: "clock"}},
	}
	newCfg := &Config{
		Scheduler: SchedulerConfig{Tick: "2s"},
		Plugins:   []PluginDecl{{Type: "clock"}, {Type: "demo"}},
	}
	changed, attrs, pluginsChanged := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"plugins", "scheduler"}
	if len(changed) != len(want) || changed[0] != want[0] || changed[1] != want[1] {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if !pluginsChanged {
		t.Fatalf("pluginsChanged = false, want true")
	}
	if len(attrs) == 0 {
		t.Fatalf("attrs empty, want log fields")
	}

	// Reordering declarations is a change: order is rotation order.
	reordered := &Config{
		Scheduler: newCfg.Scheduler,
		Plugins:   []PluginDecl{{Type: "demo"}, {Type: "clock"}},
	}
	_, _, pc := SummarizeConfigChange(newCfg, reordered)
	if !pc {
		t.Fatalf("reordered declarations not detected as change")
	}
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "scheduler:\n  max_failures: 1\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return cfg.Validate() })
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// The watcher needs a moment to install; rewrite with fresh content
	// until a reload comes through.
	deadline := time.After(10 * time.Second)
	for i := 2; ; i++ {
		body := fmt.Sprintf("scheduler:\n  max_failures: %d\n", i)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("rewrite config: %v", err)
		}
		select {
		case cfg := <-ch:
			if cfg.Scheduler.MaxFailures < 2 {
				t.Fatalf("published config = %+v, want a reloaded one", cfg.Scheduler)
			}
			return
		case <-time.After(700 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no reload published")
		}
	}
}

func TestWatchRejectsInvalidReload(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "scheduler:\n  max_failures: 1\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return cfg.Validate() })
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// max_failures below zero fails Validate, so nothing may be published
	// and the committed config must survive.
	if err := os.WriteFile(path, []byte("scheduler:\n  max_failures: -5\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg.Scheduler)
	case <-time.After(1200 * time.Millisecond):
	}
	if got := m.Get().Scheduler.MaxFailures; got != 1 {
		t.Fatalf("committed config = %d, want untouched 1", got)
	}
}
