package plugin

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"inkdeck/internal/contentcache"
	"inkdeck/pkg/logx"
)

// Instance is a live, schedulable plugin. It is owned by the scheduler: all
// timer state is mutated by the caller of Update, never by the producer
// goroutine, so a hung producer can never corrupt it.
type Instance struct {
	identity string
	name     string
	typ      string
	layout   string

	duration        time.Duration
	refreshInterval time.Duration
	updateTimeout   time.Duration
	dormant         bool

	params map[string]any
	scope  *contentcache.Scope

	update   UpdateFunc
	renderer Renderer
	log      logx.Logger

	now func() time.Time

	mu           sync.Mutex
	lastUpdated  time.Time
	highPriority bool
	data         map[string]any
	rendered     []byte
	fingerprint  string
}

func (p *Instance) Identity() string               { return p.identity }
func (p *Instance) Name() string                   { return p.name }
func (p *Instance) Type() string                   { return p.typ }
func (p *Instance) Layout() string                 { return p.layout }
func (p *Instance) Dormant() bool                  { return p.dormant }
func (p *Instance) Duration() time.Duration        { return p.duration }
func (p *Instance) RefreshInterval() time.Duration { return p.refreshInterval }
func (p *Instance) UpdateTimeout() time.Duration   { return p.updateTimeout }

// Params returns the validated plugin-specific settings. Read-only by
// convention; producers must not write to it.
func (p *Instance) Params() map[string]any { return p.params }

// Log returns the instance-scoped logger for producers.
func (p *Instance) Log() logx.Logger { return p.log }

// Fetch resolves a remote asset through the instance's cache scope.
func (p *Instance) Fetch(ctx context.Context, url string) (string, error) {
	if p.scope == nil {
		return "", &Error{Plugin: p.name, Detail: "no cache scope configured"}
	}
	return p.scope.Fetch(ctx, url)
}

// CacheScope exposes the instance's cache view (nil when caching is off).
func (p *Instance) CacheScope() *contentcache.Scope { return p.scope }

// Data returns the result of the last successful update.
func (p *Instance) Data() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

// Rendered returns the current rendered content and its fingerprint.
// The fingerprint is empty while nothing has been rendered.
func (p *Instance) Rendered() ([]byte, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rendered, p.fingerprint
}

// Fingerprint returns the MD5 hex of the current rendered content, or ""
// when no content exists.
func (p *Instance) Fingerprint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fingerprint
}

// LastUpdated returns the time of the last successful update (zero until
// the first one).
func (p *Instance) LastUpdated() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUpdated
}

// HighPriority reports whether the last successful update requested the
// foreground.
func (p *Instance) HighPriority() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highPriority
}

// TakePriority consumes the high-priority flag: it returns the current value
// and clears it, so one signal can promote at most once.
func (p *Instance) TakePriority() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.highPriority
	p.highPriority = false
	return was
}

// ReadyForUpdate reports whether enough time has passed since the last
// successful update. A never-updated instance is always ready.
func (p *Instance) ReadyForUpdate(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastUpdated.IsZero() {
		return true
	}
	return now.Sub(p.lastUpdated) >= p.refreshInterval
}

// TimeToRefresh returns how long until the instance is due, clamped at zero.
func (p *Instance) TimeToRefresh(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastUpdated.IsZero() {
		return 0
	}
	left := p.refreshInterval - now.Sub(p.lastUpdated)
	if left < 0 {
		return 0
	}
	return left
}

type produceOutcome struct {
	res Result
	err error
}

// Update runs one produce+render attempt under the instance's timeout.
//
// Returns (false, nil) when the refresh gate skipped it (not due and not
// forced); the capability is not invoked at all in that case. Returns
// (true, nil) on success. Every other outcome is (true, err): a timeout
// (*TimeoutError), a recovered producer panic, a reported failure, or a
// render failure (previous rendered content stays in place).
func (p *Instance) Update(ctx context.Context, force bool) (bool, error) {
	now := p.now()
	if !force && !p.ReadyForUpdate(now) {
		return false, nil
	}

	// The producer writes exactly once into a 1-buffered channel, so it can
	// always exit even when the result arrives after the timeout. A late
	// result is simply never read.
	ch := make(chan produceOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- produceOutcome{err: &Error{Plugin: p.name, Detail: fmt.Sprintf("update panicked: %v", r)}}
			}
		}()
		ch <- produceOutcome{res: p.update(ctx, p)}
	}()

	timer := time.NewTimer(p.updateTimeout)
	defer timer.Stop()

	var out produceOutcome
	select {
	case out = <-ch:
	case <-timer.C:
		return true, &TimeoutError{Plugin: p.name, Timeout: p.updateTimeout}
	case <-ctx.Done():
		return true, &Error{Plugin: p.name, Detail: "update canceled", Err: ctx.Err()}
	}

	if out.err != nil {
		return true, out.err
	}
	if !out.res.Success {
		return true, &Error{Plugin: p.name, Detail: "update reported failure"}
	}

	p.mu.Lock()
	p.data = out.res.Data
	p.highPriority = out.res.HighPriority
	p.lastUpdated = p.now()
	p.mu.Unlock()

	if p.renderer == nil {
		return true, nil
	}
	rendered, err := p.renderer.Render(ctx, p)
	if err != nil {
		return true, &Error{Plugin: p.name, Detail: "render failed", Err: err}
	}

	p.mu.Lock()
	p.rendered = rendered
	p.fingerprint = fingerprintOf(rendered)
	p.mu.Unlock()
	return true, nil
}

// fingerprintOf is the change-detection hash over rendered content. Empty
// content has no fingerprint.
func fingerprintOf(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// noopUpdate stands in when a factory declares no update capability. It
// never succeeds, so misconfigured types show up in failure counts instead
// of silently holding the foreground.
func noopUpdate(ctx context.Context, p *Instance) Result {
	p.log.Warn("no update capability configured for plugin type", logx.String("type", p.typ))
	return Result{Success: false}
}
