// Package janitor sweeps expired files out of the content cache on a
// cron schedule so long-running daemons don't accumulate stale downloads.
package janitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"inkdeck/internal/contentcache"
	"inkdeck/internal/eventbus"
	"inkdeck/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string // cron spec or descriptor, e.g. "@every 1h"
}

// ValidateSchedule reports whether spec parses as a sweep schedule. Used by
// the config validator so a bad reload is rejected before it is committed.
func ValidateSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(spec); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", spec, err)
	}
	return nil
}

// Status is a point-in-time view for status output.
type Status struct {
	Enabled     bool      `json:"enabled"`
	Schedule    string    `json:"schedule"`
	Sweeps      uint64    `json:"sweeps"`
	LastSweepAt time.Time `json:"last_sweep_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

// Service owns the cron runner. Sweeps remove files older than each
// plugin's cache TTL; they never touch fresh content.
type Service struct {
	log   logx.Logger
	cache *contentcache.Cache
	bus   eventbus.Bus

	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	sweeps  uint64
	lastAt  time.Time
	lastErr string
}

func New(cfg Config, cache *contentcache.Cache, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log.With(logx.String("comp", "janitor")),
		cache:  cache,
		bus:    bus,
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start begins scheduled sweeping. It is a no-op when disabled or when
// no cache is wired.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.cache == nil || s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		spec = "@every 1h"
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", spec, err)
	}

	c := cron.New(cron.WithParser(s.parser))
	if _, err := c.AddFunc(spec, func() { _ = s.Sweep() }); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("janitor started", logx.String("schedule", spec))
	return nil
}

// Stop halts scheduled sweeping and waits for an in-flight sweep, bounded
// by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("janitor stopped")
}

// Apply swaps in a new schedule at reload. The cron runner restarts only
// when the effective config actually changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return nil
	}
	s.cfg = cfg

	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if !cfg.Enabled || s.cache == nil {
		s.log.Info("janitor disabled")
		return nil
	}
	return s.startLocked()
}

// Sweep removes expired files from every cache scope now, independent of
// the schedule. Safe to call while the cron runner is active.
func (s *Service) Sweep() error {
	if s.cache == nil {
		return nil
	}
	start := time.Now()
	err := s.cache.ClearAll(false)
	dur := time.Since(start)

	s.mu.Lock()
	s.sweeps++
	s.lastAt = start
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("cache sweep failed", logx.Err(err), logx.Duration("took", dur))
	} else {
		s.log.Debug("cache sweep done", logx.Duration("took", dur))
	}

	if s.bus != nil {
		data := struct {
			Took  string `json:"took"`
			Error string `json:"error,omitempty"`
		}{Took: dur.String()}
		if err != nil {
			data.Error = err.Error()
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeCacheSwept, Time: start, Data: data})
	}
	return err
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Enabled:     s.cfg.Enabled,
		Schedule:    s.cfg.Schedule,
		Sweeps:      s.sweeps,
		LastSweepAt: s.lastAt,
		LastErr:     s.lastErr,
	}
}
