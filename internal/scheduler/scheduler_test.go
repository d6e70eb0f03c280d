package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"inkdeck/internal/display"
	"inkdeck/internal/eventbus"
	"inkdeck/internal/plugin"
	"inkdeck/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// behavior scripts one test plugin's update outcomes.
type behavior struct {
	mu       sync.Mutex
	fail     bool
	priority bool
	payload  string
	calls    int
}

func (b *behavior) update(ctx context.Context, inst *plugin.Instance) plugin.Result {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.fail {
		return plugin.Result{Success: false}
	}
	return plugin.Result{
		Data:         map[string]any{"v": b.payload},
		Success:      true,
		HighPriority: b.priority,
	}
}

func (b *behavior) setFail(v bool) {
	b.mu.Lock()
	b.fail = v
	b.mu.Unlock()
}

func (b *behavior) setPriority(v bool) {
	b.mu.Lock()
	b.priority = v
	b.mu.Unlock()
}

func (b *behavior) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type captureDriver struct {
	mu     sync.Mutex
	frames []display.Frame
	err    error
}

func (d *captureDriver) Present(ctx context.Context, f display.Frame) error {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.frames = append(d.frames, f)
	return nil
}

func (d *captureDriver) Close() error { return nil }

func (d *captureDriver) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *captureDriver) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

func (d *captureDriver) lastPlugin() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return ""
	}
	return d.frames[len(d.frames)-1].Plugin
}

// world wires a scheduler to a real registry with scripted plugin behaviors.
type world struct {
	clock     *fakeClock
	reg       *plugin.Registry
	sched     *Scheduler
	driver    *captureDriver
	bus       eventbus.Bus
	behaviors map[string]*behavior
	ids       map[string]string // name -> identity
}

func newWorld(t *testing.T, maxFailures int) *world {
	t.Helper()
	w := &world{
		clock:     newFakeClock(),
		driver:    &captureDriver{},
		bus:       eventbus.New(),
		behaviors: map[string]*behavior{},
		ids:       map[string]string{},
	}
	factories := plugin.NewFactories()
	factories.MustRegister(plugin.Factory{
		Type: "probe",
		Update: func(ctx context.Context, inst *plugin.Instance) plugin.Result {
			b := w.behaviors[inst.Name()]
			if b == nil {
				return plugin.Result{Success: false}
			}
			return b.update(ctx, inst)
		},
	})
	w.reg = plugin.NewRegistry(factories, nil, w.bus, logx.Nop())
	deps := plugin.InstanceDeps{
		Resolve: display.NewLayouts().Resolve,
		Log:     logx.Nop(),
		Now:     w.clock.Now,
	}
	w.sched = New(Config{MaxFailures: maxFailures}, w.reg, w.driver, deps, w.bus, logx.Nop())
	return w
}

func (w *world) addPlugin(t *testing.T, name string, dormant bool, durationSec, refreshSec int) *behavior {
	t.Helper()
	b := &behavior{payload: name + "-content"}
	w.behaviors[name] = b
	e, created, err := w.reg.Add(plugin.Declaration{
		Type: "probe",
		Settings: map[string]any{
			"name":             name,
			"duration":         durationSec,
			"refresh_interval": refreshSec,
			"plugin_timeout":   5,
			"dormant":          dormant,
		},
	}, false)
	if err != nil || !created {
		t.Fatalf("Add(%s) = (created=%v, err=%v), want new entry", name, created, err)
	}
	w.ids[name] = e.Identity
	return b
}

func (w *world) nameOf(identity string) string {
	for name, id := range w.ids {
		if id == identity {
			return name
		}
	}
	return identity
}

func (w *world) reconcile() { w.sched.Reconcile(context.Background()) }

// tick runs one cycle and then advances the clock by one second.
func (w *world) tick(force ...bool) CycleReport {
	var fu, fr bool
	if len(force) > 0 {
		fu = force[0]
	}
	if len(force) > 1 {
		fr = force[1]
	}
	rep := w.sched.RunCycle(context.Background(), fu, fr)
	w.clock.Advance(time.Second)
	return rep
}

func TestCycleNoOpWithoutPlugins(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 5)
	w.reconcile()
	rep := w.tick()
	if !rep.NoOp || rep.Foreground != "" {
		t.Fatalf("empty world cycle = %+v, want no-op", rep)
	}
	if w.driver.count() != 0 {
		t.Fatalf("frames = %d, want 0", w.driver.count())
	}
}

func TestRotationIsFairRoundRobin(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 5)
	w.addPlugin(t, "a", false, 10, 1)
	w.addPlugin(t, "b", false, 10, 1)
	w.reconcile()

	var seq []string
	for i := 0; i < 30; i++ {
		rep := w.tick()
		seq = append(seq, w.nameOf(rep.Foreground))
	}

	want := strings.Repeat("a", 10) + strings.Repeat("b", 10) + strings.Repeat("a", 10)
	got := strings.Join(seq, "")
	if got != want {
		t.Fatalf("foreground sequence = %s, want %s", got, want)
	}
}

func TestRefreshGateSkipsUntilDue(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 5)
	b := w.addPlugin(t, "a", false, 60, 10)
	w.reconcile()

	for i := 0; i < 10; i++ {
		w.tick()
	}
	if got := b.callCount(); got != 1 {
		t.Fatalf("calls after 10 ticks = %d, want 1 (gate closed)", got)
	}
	// Eleventh cycle runs at t+10s, exactly on the interval boundary.
	w.tick()
	if got := b.callCount(); got != 2 {
		t.Fatalf("calls at interval boundary = %d, want 2", got)
	}
}

func TestForceUpdateOpensGate(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 5)
	b := w.addPlugin(t, "a", false, 60, 30)
	w.reconcile()

	w.tick()
	rep := w.tick(true)
	if got := b.callCount(); got != 2 {
		t.Fatalf("calls after forced cycle = %d, want 2", got)
	}
	if !rep.Updated {
		t.Fatalf("forced cycle report = %+v, want Updated", rep)
	}
}

func TestForceRotateExpiresWindow(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 5)
	w.addPlugin(t, "a", false, 100, 0)
	w.addPlugin(t, "b", false, 100, 0)
	w.reconcile()

	if rep := w.tick(); w.nameOf(rep.Foreground) != "a" {
		t.Fatalf("first foreground = %s, want a", w.nameOf(rep.Foreground))
	}
	rep := w.tick(false, true)
	if !rep.Rotated || w.nameOf(rep.Foreground) != "b" {
		t.Fatalf("forced rotation = %+v (fg %s), want rotation to b", rep, w.nameOf(rep.Foreground))
	}
}

func TestEvictionAfterExactThreshold(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 3)
	a := w.addPlugin(t, "a", false, 10, 0)
	w.addPlugin(t, "b", false, 10, 0)
	w.reconcile()
	a.setFail(true)

	w.tick()
	w.tick()
	if e, _ := w.reg.Get(w.ids["a"]); e.Status != plugin.StatusActive {
		t.Fatalf("status after 2 failures = %s, want still active", e.Status)
	}

	rep := w.tick()
	if len(rep.Evicted) != 1 || rep.Evicted[0] != w.ids["a"] {
		t.Fatalf("evicted = %v, want [%s]", rep.Evicted, w.ids["a"])
	}
	e, ok := w.reg.Get(w.ids["a"])
	if !ok || e.Status != plugin.StatusCrashed {
		t.Fatalf("entry after eviction = (%+v, %v), want crashed", e, ok)
	}
	if !strings.Contains(e.StatusReason, "3 consecutive") {
		t.Fatalf("crash reason = %q, want failure count in it", e.StatusReason)
	}

	// The evicted instance is never attempted again.
	before := a.callCount()
	rep = w.tick()
	rep2 := w.tick()
	if got := a.callCount(); got != before {
		t.Fatalf("calls after eviction grew %d -> %d, want unchanged", before, got)
	}
	if w.nameOf(rep.Foreground) != "b" || w.nameOf(rep2.Foreground) != "b" {
		t.Fatalf("foreground after eviction = %s/%s, want b", w.nameOf(rep.Foreground), w.nameOf(rep2.Foreground))
	}
	if got := len(w.sched.State()); got != 1 {
		t.Fatalf("scheduled instances = %d, want 1", got)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 3)
	a := w.addPlugin(t, "a", false, 100, 0)
	w.reconcile()

	a.setFail(true)
	w.tick()
	w.tick()
	a.setFail(false)
	w.tick() // success, counter back to zero
	a.setFail(true)
	w.tick()
	w.tick()
	if e, _ := w.reg.Get(w.ids["a"]); e.Status != plugin.StatusActive {
		t.Fatalf("status = %s, want active (counter was reset)", e.Status)
	}
	rep := w.tick()
	if len(rep.Evicted) != 1 {
		t.Fatalf("third straight failure should evict, report = %+v", rep)
	}
}

func TestDormantPreemptsAndFlagConsumed(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 5)
	w.addPlugin(t, "a", false, 100, 0)
	d := w.addPlugin(t, "alert", true, 10, 0)
	w.reconcile()
	d.setPriority(true)

	rep := w.tick()
	if !rep.Preempted || w.nameOf(rep.Foreground) != "alert" {
		t.Fatalf("cycle = %+v (fg %s), want preemption by alert", rep, w.nameOf(rep.Foreground))
	}
	if w.driver.lastPlugin() != "alert" {
		t.Fatalf("presented plugin = %s, want alert", w.driver.lastPlugin())
	}

	// The promoted plugin holds the foreground for its own window, then
	// rotation hands the display back to the active list.
	d.setPriority(false)
	var back CycleReport
	for i := 0; i < 10; i++ {
		back = w.tick()
	}
	if !back.Rotated || w.nameOf(back.Foreground) != "a" {
		t.Fatalf("after alert window = %+v (fg %s), want rotation back to a", back, w.nameOf(back.Foreground))
	}
}

func TestFirstPreemptorWinsPerCycle(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 5)
	w.addPlugin(t, "a", false, 100, 0)
	d1 := w.addPlugin(t, "alert1", true, 100, 0)
	d2 := w.addPlugin(t, "alert2", true, 100, 0)
	w.reconcile()
	d1.setPriority(true)
	d2.setPriority(true)

	rep := w.tick()
	if w.nameOf(rep.Foreground) != "alert1" {
		t.Fatalf("first preemptor = %s, want alert1 (declaration order)", w.nameOf(rep.Foreground))
	}
	// alert2 kept its flag and takes over on the next cycle.
	rep = w.tick()
	if !rep.Preempted || w.nameOf(rep.Foreground) != "alert2" {
		t.Fatalf("second cycle = %+v (fg %s), want alert2 preemption", rep, w.nameOf(rep.Foreground))
	}
}

func TestDegradedForegroundKeepsLastGoodFrame(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 10)
	w.addPlugin(t, "a", false, 5, 0)
	b := w.addPlugin(t, "b", false, 5, 0)
	w.reconcile()
	b.setFail(true)

	for i := 0; i < 5; i++ {
		w.tick()
	}
	if w.driver.count() != 1 || w.driver.lastPlugin() != "a" {
		t.Fatalf("frames = %d (last %s), want a's single frame", w.driver.count(), w.driver.lastPlugin())
	}

	// Rotation lands on the broken plugin: degraded, no new frame, the
	// panel keeps showing a.
	rep := w.tick()
	if !rep.Rotated || !rep.Degraded {
		t.Fatalf("rotation onto failing plugin = %+v, want Rotated and Degraded", rep)
	}
	if w.driver.count() != 1 {
		t.Fatalf("frames after degraded rotation = %d, want still 1", w.driver.count())
	}

	// Once it recovers, its content goes up.
	b.setFail(false)
	w.tick()
	if w.driver.count() != 2 || w.driver.lastPlugin() != "b" {
		t.Fatalf("frames after recovery = %d (last %s), want b presented", w.driver.count(), w.driver.lastPlugin())
	}
}

func TestUnchangedFingerprintNotRepresented(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 5)
	a := w.addPlugin(t, "a", false, 100, 0)
	w.reconcile()

	for i := 0; i < 5; i++ {
		w.tick()
	}
	if w.driver.count() != 1 {
		t.Fatalf("frames for unchanged content = %d, want 1", w.driver.count())
	}

	a.mu.Lock()
	a.payload = "fresh"
	a.mu.Unlock()
	w.tick()
	if w.driver.count() != 2 {
		t.Fatalf("frames after content change = %d, want 2", w.driver.count())
	}
}

func TestThrottledFrameRetriesNextCycle(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 5)
	w.addPlugin(t, "a", false, 100, 0)
	w.reconcile()
	w.driver.setErr(display.ErrThrottled)

	rep := w.tick()
	if !rep.Throttled || rep.Presented {
		t.Fatalf("throttled cycle = %+v, want Throttled and not Presented", rep)
	}
	w.driver.setErr(nil)
	rep = w.tick()
	if !rep.Presented || w.driver.count() != 1 {
		t.Fatalf("retry cycle = %+v with %d frames, want the frame delivered", rep, w.driver.count())
	}
}

func TestReconcileDropsDeactivated(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 5)
	w.addPlugin(t, "a", false, 100, 0)
	w.addPlugin(t, "b", false, 100, 0)
	w.reconcile()

	if rep := w.tick(); w.nameOf(rep.Foreground) != "a" {
		t.Fatalf("foreground = %s, want a", w.nameOf(rep.Foreground))
	}
	if _, err := w.reg.Deactivate(w.ids["a"], "operator request"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	w.reconcile()

	if got := len(w.sched.State()); got != 1 {
		t.Fatalf("scheduled instances = %d, want 1", got)
	}
	rep := w.tick()
	if w.nameOf(rep.Foreground) != "b" {
		t.Fatalf("foreground after reconcile = %s, want b", w.nameOf(rep.Foreground))
	}
}

func TestReconcileKeepsTimerState(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 5)
	b := w.addPlugin(t, "a", false, 100, 30)
	w.reconcile()

	w.tick()
	w.reconcile()
	w.tick()
	if got := b.callCount(); got != 1 {
		t.Fatalf("calls after reconcile = %d, want 1 (refresh schedule survived)", got)
	}
}

func TestFailureAndEvictionEventsPublished(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 2)
	a := w.addPlugin(t, "a", false, 100, 0)
	w.reconcile()
	ch, unsub := w.bus.Subscribe(64)
	defer unsub()
	a.setFail(true)

	w.tick()
	w.tick()

	seen := map[string]int{}
	for {
		select {
		case e := <-ch:
			seen[e.Type]++
		default:
			if seen[eventbus.TypeUpdateFailed] != 2 {
				t.Fatalf("update_failed events = %d, want 2", seen[eventbus.TypeUpdateFailed])
			}
			if seen[eventbus.TypePluginEvicted] != 1 {
				t.Fatalf("evicted events = %d, want 1", seen[eventbus.TypePluginEvicted])
			}
			return
		}
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 5)
	w.sched.cfg.Tick = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.sched.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestStateSnapshot(t *testing.T) {
	t.Parallel()
	w := newWorld(t, 5)
	w.addPlugin(t, "a", false, 100, 0)
	w.addPlugin(t, "alert", true, 100, 0)
	w.reconcile()
	w.tick()

	st := w.sched.State()
	if len(st) != 2 {
		t.Fatalf("State len = %d, want 2", len(st))
	}
	if st[0].Name != "a" || !st[0].Foreground || st[0].Dormant {
		t.Fatalf("active state = %+v, want foreground a", st[0])
	}
	if st[1].Name != "alert" || !st[1].Dormant || st[1].Foreground {
		t.Fatalf("dormant state = %+v, want dormant alert", st[1])
	}
	if st[0].Fingerprint == "" {
		t.Fatalf("foreground fingerprint empty after an update")
	}
}
