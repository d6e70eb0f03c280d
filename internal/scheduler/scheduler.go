package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"inkdeck/internal/display"
	"inkdeck/internal/eventbus"
	"inkdeck/internal/plugin"
	"inkdeck/pkg/logx"
)

const (
	defaultTick        = time.Second
	defaultMaxFailures = 5
)

type Config struct {
	Tick        time.Duration // cycle period for Run
	MaxFailures int           // consecutive failures before eviction
}

// cycleEvent is the bus payload for scheduler events.
type cycleEvent struct {
	Identity    string `json:"identity,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Failures    int    `json:"failures,omitempty"`
	Err         string `json:"err,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Scheduler owns the rotation state. All of it is guarded by mu and mutated
// only inside RunCycle and Reconcile, so a cycle always sees a consistent
// world. Cycles are serialized by the Run loop.
type Scheduler struct {
	log    logx.Logger
	cfg    Config
	reg    *plugin.Registry
	driver display.Driver
	deps   plugin.InstanceDeps
	bus    eventbus.Bus
	now    func() time.Time

	mu                sync.Mutex
	active            []*plugin.Instance
	dormant           []*plugin.Instance
	foreground        *plugin.Instance
	foregroundStarted time.Time
	cursor            int
	failures          map[string]int
	lastGood          *plugin.Instance
	shownFingerprint  string
	lastReport        CycleReport

	forceUpdate atomic.Bool
	forceRotate atomic.Bool
	kickCh      chan struct{}
}

func New(cfg Config, reg *plugin.Registry, driver display.Driver, deps plugin.InstanceDeps, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if driver == nil {
		driver = display.Nop{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		log:      log.With(logx.String("comp", "scheduler")),
		cfg:      cfg,
		reg:      reg,
		driver:   driver,
		deps:     deps,
		bus:      bus,
		now:      now,
		failures: map[string]int{},
		kickCh:   make(chan struct{}, 1),
	}
}

func (s *Scheduler) emit(typ string, data cycleEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// RunCycle executes one scheduling cycle. The steps are ordered and each
// depends on the previous one's outcome; forceUpdate opens every refresh
// gate for this cycle, forceRotate expires the current display window.
func (s *Scheduler) RunCycle(ctx context.Context, forceUpdate, forceRotate bool) CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rep := CycleReport{At: now}

	// Step 1: ensure a foreground exists. Nothing active means nothing to
	// show, so the whole cycle is a no-op.
	if s.foreground == nil {
		if !s.selectNextLocked(now) {
			rep.NoOp = true
			s.lastReport = rep
			return rep
		}
		rep.Selected = true
	}

	// Step 2: refresh the foreground if its interval elapsed (or forced).
	if attempted, ok := s.safeUpdateLocked(ctx, &rep, s.foreground, forceUpdate); attempted {
		rep.Updated = ok
		rep.Degraded = !ok
	}

	// Step 3: rotate when the display window expired. The foreground may be
	// gone here if step 2 evicted it; the next cycle's step 1 recovers.
	if s.foreground != nil && (forceRotate || now.Sub(s.foregroundStarted) >= s.foreground.Duration()) {
		prev := s.foreground
		if s.selectNextLocked(now) && s.foreground != prev {
			rep.Rotated = true
			s.log.Info("rotated",
				logx.String("from", prev.Name()), logx.String("to", s.foreground.Name()))
			s.emit(eventbus.TypeRotated, cycleEvent{From: prev.Identity(), To: s.foreground.Identity()})
			// The new occupant starts its window with fresh content.
			if attempted, ok := s.safeUpdateLocked(ctx, &rep, s.foreground, true); attempted {
				rep.Updated = rep.Updated || ok
				rep.Degraded = rep.Degraded || !ok
			}
		}
	}

	// Step 4: poll dormant plugins. The first one holding the high-priority
	// flag after a clean poll takes the foreground; its flag is consumed.
	// Later winners this cycle keep their flag for the next one.
	dorm := make([]*plugin.Instance, len(s.dormant))
	copy(dorm, s.dormant)
	for _, d := range dorm {
		if d == s.foreground {
			continue // already refreshed as the foreground
		}
		attempted, ok := s.safeUpdateLocked(ctx, &rep, d, forceUpdate)
		if attempted {
			rep.DormantPolled++
		}
		if ok && !rep.Preempted && d.TakePriority() {
			var prev string
			if s.foreground != nil {
				prev = s.foreground.Identity()
			}
			s.foreground = d
			s.foregroundStarted = s.now()
			rep.Preempted = true
			s.log.Info("dormant plugin preempted the foreground",
				logx.String("plugin", d.Name()), logx.String("id", d.Identity()))
			s.emit(eventbus.TypePreempted, cycleEvent{From: prev, To: d.Identity()})
		}
	}

	// Step 5: failure fallback and presentation.
	s.presentLocked(ctx, &rep)

	if s.foreground != nil {
		rep.Foreground = s.foreground.Identity()
	}
	s.lastReport = rep
	return rep
}

// selectNextLocked makes active[cursor] the foreground and advances the
// cursor. Returns false when no active instances exist.
func (s *Scheduler) selectNextLocked(now time.Time) bool {
	if len(s.active) == 0 {
		return false
	}
	if s.cursor >= len(s.active) {
		s.cursor = 0
	}
	s.foreground = s.active[s.cursor]
	s.foregroundStarted = now
	s.cursor = (s.cursor + 1) % len(s.active)
	return true
}

// safeUpdateLocked runs one failure-tracked update attempt. attempted is
// false when the refresh gate skipped the instance; ok is true unless the
// attempt failed. A success clears the instance's failure count, a failure
// raises it, and crossing the threshold evicts on the spot. Errors land in
// the counter, the log and the bus, never in the caller.
func (s *Scheduler) safeUpdateLocked(ctx context.Context, rep *CycleReport, inst *plugin.Instance, force bool) (attempted, ok bool) {
	attempted, err := inst.Update(ctx, force)
	if !attempted {
		return false, true
	}
	id := inst.Identity()
	if err == nil {
		delete(s.failures, id)
		return true, true
	}
	n := s.failures[id] + 1
	s.failures[id] = n
	s.log.Warn("plugin update failed",
		logx.String("plugin", inst.Name()), logx.String("id", id),
		logx.Int("failures", n), logx.Err(err))
	s.emit(eventbus.TypeUpdateFailed, cycleEvent{Identity: id, Failures: n, Err: err.Error()})
	if n >= s.cfg.MaxFailures {
		s.evictLocked(rep, inst, n, err)
	}
	return true, false
}

// evictLocked removes a repeatedly failing instance from rotation and marks
// its registry entry crashed. The last good frame is deliberately kept so
// the display has something to fall back to.
func (s *Scheduler) evictLocked(rep *CycleReport, inst *plugin.Instance, n int, last error) {
	id := inst.Identity()
	s.active = dropInstance(s.active, inst)
	s.dormant = dropInstance(s.dormant, inst)
	if s.cursor >= len(s.active) {
		s.cursor = 0
	}
	if s.foreground == inst {
		s.foreground = nil
	}
	delete(s.failures, id)

	reason := fmt.Sprintf("evicted after %d consecutive update failures, last: %v", n, last)
	if err := s.reg.MarkCrashed(id, reason); err != nil {
		s.log.Error("crash transition failed", logx.String("id", id), logx.Err(err))
	}
	s.log.Warn("plugin evicted",
		logx.String("plugin", inst.Name()), logx.String("id", id), logx.Int("failures", n))
	rep.Evicted = append(rep.Evicted, id)
}

// presentLocked picks what the panel should show and pushes it when it
// changed. A foreground without rendered content falls back to the last
// known good instance; with nothing rendered anywhere the panel keeps the
// previous frame.
func (s *Scheduler) presentLocked(ctx context.Context, rep *CycleReport) {
	vis := s.foreground
	var content []byte
	var fp string
	if vis != nil {
		content, fp = vis.Rendered()
	}
	if len(content) == 0 && s.lastGood != nil {
		vis = s.lastGood
		content, fp = vis.Rendered()
	}
	if vis == nil || len(content) == 0 {
		return
	}
	if vis == s.foreground {
		s.lastGood = vis
	}
	if fp == s.shownFingerprint {
		return
	}

	frame := display.Frame{
		Plugin:      vis.Name(),
		Fingerprint: fp,
		Content:     content,
		GeneratedAt: s.now(),
	}
	err := s.driver.Present(ctx, frame)
	switch {
	case errors.Is(err, display.ErrThrottled):
		// Keep the shown fingerprint as-is; a later cycle retries.
		rep.Throttled = true
		s.log.Debug("frame throttled", logx.String("plugin", vis.Name()))
	case err != nil:
		s.log.Warn("present failed", logx.String("plugin", vis.Name()), logx.Err(err))
	default:
		s.shownFingerprint = fp
		rep.Presented = true
		s.emit(eventbus.TypePresented, cycleEvent{Identity: vis.Identity(), Fingerprint: fp})
		s.log.Debug("frame presented",
			logx.String("plugin", vis.Name()), logx.String("fingerprint", fp))
	}
}

// Reconcile aligns the live instances with the registry: admitted entries
// gain instances, entries no longer live lose them. Surviving instances keep
// their timer state, so a config reload does not reset refresh schedules.
func (s *Scheduler) Reconcile(ctx context.Context) {
	live := s.reg.Live()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]*plugin.Instance, len(s.active)+len(s.dormant))
	for _, inst := range s.active {
		existing[inst.Identity()] = inst
	}
	for _, inst := range s.dormant {
		existing[inst.Identity()] = inst
	}

	var active, dormant []*plugin.Instance
	for _, e := range live {
		inst, ok := existing[e.Identity]
		if ok {
			delete(existing, e.Identity)
		} else {
			var err error
			inst, err = s.reg.Instantiate(ctx, e.Identity, s.deps)
			if err != nil {
				// The registry already moved the entry to load_failed.
				s.log.Warn("instantiate failed",
					logx.String("id", e.Identity), logx.Err(err))
				continue
			}
		}
		if inst.Dormant() {
			dormant = append(dormant, inst)
		} else {
			active = append(active, inst)
		}
	}

	// Whatever is left in existing lost its registry entry (or its status).
	for id, inst := range existing {
		if s.foreground == inst {
			s.foreground = nil
		}
		if s.lastGood == inst {
			s.lastGood = nil
		}
		delete(s.failures, id)
	}

	s.active, s.dormant = active, dormant
	if s.cursor >= len(s.active) {
		s.cursor = 0
	}
	s.log.Info("reconciled",
		logx.Int("active", len(s.active)), logx.Int("dormant", len(s.dormant)),
		logx.Int("removed", len(existing)))
}

func dropInstance(list []*plugin.Instance, inst *plugin.Instance) []*plugin.Instance {
	for i, cur := range list {
		if cur == inst {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
