package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"inkdeck/internal/config"
	"inkdeck/internal/runtime/supervisor"
	"inkdeck/internal/services/janitor"
	logx "inkdeck/pkg/logx"
)

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// Transactional hot reload: a config that fails validation is never
	// committed or published.
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		return janitor.ValidateSchedule(cfg.Janitor.Schedule())
	})

	// Admission pass over the declared plugins, then build their instances.
	a.syncDeclarations(a.cfgm.Get())
	a.sched.Reconcile(a.sup.Context())

	if err := a.jan.Start(); err != nil {
		return err
	}

	a.sup.GoRestart("engine", a.sched.Run,
		supervisor.WithPublishFirstError(true),
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if a.rec != nil {
		a.sup.GoRestart("recorder", a.rec.Run)
	}

	// Debug visibility into engine events; components that act on events
	// subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("events.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest pending config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 10*time.Second))

	a.log.Info("engine started",
		logx.Int("plugins", len(a.reg.Snapshot())),
		logx.Any("types", a.factories.Types()),
		logx.String("version", Version))
	return nil
}

// applyReload pushes a validated config into the running components. Only
// logging, the janitor and the plugin set apply live; the remaining
// sections need a restart and say so.
func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, pluginsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
		case "janitor":
			if err := a.jan.Apply(janitor.Config{
				Enabled:  newCfg.Janitor.Enabled,
				Schedule: newCfg.Janitor.Schedule(),
			}); err != nil {
				a.log.Warn("invalid janitor config; keeping previous", logx.Err(err))
			}
		case "display", "storage", "scheduler", "cache":
			a.log.Warn("config section changed; restart required to take effect",
				logx.String("section", s))
		}
	}

	if pluginsChanged {
		a.syncDeclarations(newCfg)
		a.sched.Reconcile(ctx)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds each shutdown phase so one component can't stall the
	// whole stop. fn MUST honor its context; if it doesn't we log the leak
	// and move on.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end",
				logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						logx.String("name", name), logx.Err(err),
						logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("janitor", 2*time.Second, func(c context.Context) error {
		a.jan.Stop(c)
		return nil
	})
	step("tasks", 3*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})
	step("display", 2*time.Second, func(c context.Context) error {
		return a.driver.Close()
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
