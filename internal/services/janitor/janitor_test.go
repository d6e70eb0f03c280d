package janitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"inkdeck/internal/contentcache"
	"inkdeck/internal/eventbus"
	"inkdeck/pkg/logx"
)

func newTestCache(t *testing.T) *contentcache.Cache {
	t.Helper()
	c, err := contentcache.New(t.TempDir(), nil, logx.Nop())
	if err != nil {
		t.Fatalf("contentcache.New: %v", err)
	}
	return c
}

func seedFile(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if age > 0 {
		old := time.Now().Add(-age)
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}
	return p
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	scope := cache.Scope("comic-a1b2", time.Hour)
	stale := seedFile(t, scope.Dir(), "old.png", 2*time.Hour)
	fresh := seedFile(t, scope.Dir(), "new.png", 0)

	svc := New(Config{Enabled: true}, cache, nil, logx.Nop())
	if err := svc.Sweep(); err != nil {
		t.Fatalf("Sweep() = %v, want nil", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file still present after sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file removed by sweep: %v", err)
	}

	st := svc.Status()
	if st.Sweeps != 1 || st.LastSweepAt.IsZero() || st.LastErr != "" {
		t.Fatalf("Status() = %+v, want one clean sweep", st)
	}
}

func TestSweepPublishesEvent(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	svc := New(Config{Enabled: true}, cache, bus, logx.Nop())
	if err := svc.Sweep(); err != nil {
		t.Fatalf("Sweep() = %v, want nil", err)
	}

	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypeCacheSwept {
			t.Fatalf("event type = %q, want %q", ev.Type, eventbus.TypeCacheSwept)
		}
	case <-time.After(time.Second):
		t.Fatalf("no sweep event published")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Schedule: "not a schedule"}, newTestCache(t), nil, logx.Nop())
	err := svc.Start()
	if err == nil || !strings.Contains(err.Error(), "janitor schedule") {
		t.Fatalf("Start() = %v, want schedule error", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Schedule: "@every 1h"}, newTestCache(t), nil, logx.Nop())
	if err := svc.Start(); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	// Second start is a no-op.
	if err := svc.Start(); err != nil {
		t.Fatalf("second Start() = %v, want nil", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
	svc.Stop(ctx) // idempotent
}

func TestApplySwapsSchedule(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Schedule: "@every 1h"}, newTestCache(t), nil, logx.Nop())
	if err := svc.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	if err := svc.Apply(Config{Enabled: true, Schedule: "@every 30m"}); err != nil {
		t.Fatalf("Apply() = %v, want nil", err)
	}
	if got := svc.Status().Schedule; got != "@every 30m" {
		t.Fatalf("Status().Schedule = %q, want %q", got, "@every 30m")
	}

	if err := svc.Apply(Config{Enabled: false}); err != nil {
		t.Fatalf("Apply(disabled) = %v, want nil", err)
	}
	if svc.Status().Enabled {
		t.Fatalf("janitor still enabled after Apply(disabled)")
	}

	if err := svc.Apply(Config{Enabled: true, Schedule: "bogus"}); err == nil {
		t.Fatalf("Apply(bogus) = nil, want schedule error")
	}
}
