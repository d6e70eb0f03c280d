package scheduler

import (
	"context"
	"time"

	"inkdeck/pkg/logx"
)

// ForceUpdate opens every refresh gate on the next cycle and schedules one
// immediately. Safe from any goroutine.
func (s *Scheduler) ForceUpdate() {
	s.forceUpdate.Store(true)
	s.kick()
}

// ForceRotate expires the current display window on the next cycle and
// schedules one immediately.
func (s *Scheduler) ForceRotate() {
	s.forceRotate.Store(true)
	s.kick()
}

func (s *Scheduler) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Run executes cycles on the configured tick until the context ends. Force
// requests arriving between ticks fold into the next cycle; a pending kick
// runs it without waiting for the ticker.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.log.Info("scheduler running",
		logx.Duration("tick", s.cfg.Tick), logx.Int("max_failures", s.cfg.MaxFailures))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.kickCh:
		}
		forceUpdate := s.forceUpdate.Swap(false)
		forceRotate := s.forceRotate.Swap(false)

		rep := s.RunCycle(ctx, forceUpdate, forceRotate)
		if rep.NoOp {
			continue
		}
		s.log.Trace("cycle done",
			logx.String("foreground", rep.Foreground),
			logx.Bool("updated", rep.Updated),
			logx.Bool("rotated", rep.Rotated),
			logx.Bool("preempted", rep.Preempted),
			logx.Bool("presented", rep.Presented))
	}
}
