package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitAll(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("supervisor did not drain in time")
	}
	return err
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error {
		panic("kaboom")
	})

	err := waitAll(t, s)
	if err == nil || !strings.Contains(err.Error(), "panic in boom") {
		t.Fatalf("Wait() = %v, want panic error", err)
	}

	snap := s.Snapshot()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Panics != 1 {
		t.Fatalf("Snapshot() = %+v, want one task with one panic", snap.Tasks)
	}
}

func TestGoIgnoresContextCanceled(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	time.Sleep(20 * time.Millisecond)
	s.Cancel()
	if err := waitAll(t, s); err != nil {
		t.Fatalf("Wait() = %v, want nil for canceled task", err)
	}
}

func TestGoRestartRetriesUntilCleanExit(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	if err := waitAll(t, s); err != nil {
		t.Fatalf("Wait() = %v, want nil after clean exit", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}

	snap := s.Snapshot()
	var st *TaskStats
	for i := range snap.Tasks {
		if snap.Tasks[i].Name == "flaky" {
			st = &snap.Tasks[i]
		}
	}
	if st == nil {
		t.Fatalf("no task stats for flaky: %+v", snap.Tasks)
	}
	if st.Restarts != 2 {
		t.Fatalf("restarts = %d, want 2", st.Restarts)
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("doomed", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2))

	err := waitAll(t, s)
	if err == nil || !strings.Contains(err.Error(), "always") {
		t.Fatalf("Wait() = %v, want final error", err)
	}
	// Initial run plus two restarts.
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("failing", func(ctx context.Context) error {
		return errors.New("fatal")
	})

	err := waitAll(t, s)
	if err == nil || !strings.Contains(err.Error(), "fatal") {
		t.Fatalf("Wait() = %v, want first error", err)
	}
}

func TestStopWaitsForTasks(t *testing.T) {
	t.Parallel()

	var stopped atomic.Bool
	s := New(context.Background())
	s.Go0("worker", func(ctx context.Context) {
		<-ctx.Done()
		stopped.Store(true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
	if !stopped.Load() {
		t.Fatalf("worker did not observe shutdown before Stop returned")
	}
}
