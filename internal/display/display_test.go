package display

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"inkdeck/internal/plugin"
	"inkdeck/pkg/logx"
)

// renderInstance builds a live instance through the real admission and
// instantiation path, with one forced update already applied.
func renderInstance(t *testing.T, layoutName string, data map[string]any) *plugin.Instance {
	t.Helper()
	fs := plugin.NewFactories()
	fs.MustRegister(plugin.Factory{
		Type: "probe",
		Update: func(ctx context.Context, inst *plugin.Instance) plugin.Result {
			return plugin.Result{Data: data, Success: true}
		},
	})
	reg := plugin.NewRegistry(fs, nil, nil, logx.Nop())
	e, created, err := reg.Add(plugin.Declaration{
		Type:     "probe",
		Settings: map[string]any{"name": "probe", "layout": layoutName},
	}, false)
	if err != nil || !created {
		t.Fatalf("Add = (%v, %v, %v), want new entry", e, created, err)
	}
	inst, err := reg.Instantiate(context.Background(), e.Identity, plugin.InstanceDeps{
		Resolve: NewLayouts().Resolve,
	})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if _, err := inst.Update(context.Background(), true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	return inst
}

func TestFileSinkCurrentFrame(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sink, err := NewFileSink(dir, 0, logx.Nop())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	in := Frame{
		Plugin:      "clock",
		Fingerprint: "abc123",
		Content:     []byte("12:30"),
		GeneratedAt: time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
	}
	if err := sink.Present(context.Background(), in); err != nil {
		t.Fatalf("Present: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, currentFrameName))
	if err != nil {
		t.Fatalf("read current frame: %v", err)
	}
	var out Frame
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode current frame: %v", err)
	}
	if out.Plugin != in.Plugin || out.Fingerprint != in.Fingerprint || !bytes.Equal(out.Content, in.Content) {
		t.Fatalf("round-tripped frame = %+v, want %+v", out, in)
	}

	// keep=0 writes no history files.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "frame_") {
			t.Fatalf("unexpected history file %q with history disabled", e.Name())
		}
	}
}

func TestFileSinkHistoryPruned(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sink, err := NewFileSink(dir, 2, logx.Nop())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	for i := 0; i < 5; i++ {
		f := Frame{Plugin: "clock", Fingerprint: "fp", Content: []byte{byte(i)}}
		if err := sink.Present(context.Background(), f); err != nil {
			t.Fatalf("Present #%d: %v", i, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var frames []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "frame_") {
			frames = append(frames, e.Name())
		}
	}
	if len(frames) != 2 {
		t.Fatalf("history files = %v, want 2 newest kept", frames)
	}
	for _, name := range frames {
		if !strings.Contains(name, "_00000004_") && !strings.Contains(name, "_00000005_") {
			t.Fatalf("pruning kept %q, want only the two newest", name)
		}
	}
}

func TestThrottleSpacing(t *testing.T) {
	t.Parallel()
	d := Throttle(Nop{}, time.Hour)
	if err := d.Present(context.Background(), Frame{}); err != nil {
		t.Fatalf("first Present = %v, want nil", err)
	}
	if err := d.Present(context.Background(), Frame{}); !errors.Is(err, ErrThrottled) {
		t.Fatalf("second Present = %v, want ErrThrottled", err)
	}
}

func TestThrottleDisabled(t *testing.T) {
	t.Parallel()
	inner := Nop{}
	if d := Throttle(inner, 0); d != Driver(inner) {
		t.Fatalf("Throttle with zero interval should return the driver unchanged")
	}
}

func TestLayoutsResolve(t *testing.T) {
	t.Parallel()
	l := NewLayouts()
	for _, name := range []string{"default", "text"} {
		if _, err := l.Resolve(name); err != nil {
			t.Fatalf("Resolve(%q) = %v, want builtin", name, err)
		}
	}
	if _, err := l.Resolve("nope"); err == nil {
		t.Fatalf("Resolve unknown layout should fail")
	}
	if err := l.Register("default", jsonLayout{}); err == nil {
		t.Fatalf("Register duplicate name should fail")
	}
	if err := l.Register("custom", textLayout{}); err != nil {
		t.Fatalf("Register custom layout: %v", err)
	}
	want := []string{"custom", "default", "text"}
	got := l.Names()
	if len(got) != len(want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names = %v, want %v", got, want)
		}
	}
}

func TestJSONLayoutDeterministic(t *testing.T) {
	t.Parallel()
	inst := renderInstance(t, "default", map[string]any{"b": 2, "a": "x"})
	first, err := jsonLayout{}.Render(context.Background(), inst)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	second, err := jsonLayout{}.Render(context.Background(), inst)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("renders differ for identical data:\n%s\n%s", first, second)
	}
	var env struct {
		Plugin string         `json:"plugin"`
		Data   map[string]any `json:"data"`
	}
	if err := json.Unmarshal(first, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Plugin != "probe" || env.Data["a"] != "x" {
		t.Fatalf("envelope = %+v, want plugin probe with data", env)
	}
}

func TestTextLayoutSortedLines(t *testing.T) {
	t.Parallel()
	inst := renderInstance(t, "text", map[string]any{"zeta": 1, "alpha": 2})
	out, err := textLayout{}.Render(context.Background(), inst)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "probe\nalpha: 2\nzeta: 1\n"
	if string(out) != want {
		t.Fatalf("Render = %q, want %q", out, want)
	}
}
