package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"inkdeck/internal/config"
	"inkdeck/internal/contentcache"
	"inkdeck/internal/display"
	"inkdeck/internal/eventbus"
	"inkdeck/internal/plugin"
	"inkdeck/internal/runtime/supervisor"
	"inkdeck/internal/scheduler"
	"inkdeck/internal/schema"
	"inkdeck/internal/services/janitor"
	"inkdeck/internal/storage"
	logx "inkdeck/pkg/logx"
)

// Version is reported in status output and exposed to params schemas as
// ${VERSION}.
const Version = "0.4.0"

// App wires the engine together: config, logging, the plugin registry, the
// update scheduler, the display driver chain and the maintenance services.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	factories *plugin.Factories
	providers *schema.ProviderRegistry
	reg       *plugin.Registry
	cache     *contentcache.Cache
	layouts   *display.Layouts
	driver    display.Driver
	sched     *scheduler.Scheduler
	jan       *janitor.Service

	store storage.Store
	rec   *storage.Recorder

	// declared tracks identities minted from config declarations, so a
	// reload only deactivates entries the config itself created.
	declMu   sync.Mutex
	declared map[string]bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := janitor.ValidateSchedule(cfg.Janitor.Schedule()); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("history storage enabled", logx.String("driver", sc.Driver))
	}

	cacheDir, err := resolveCacheDir(cfg)
	if err != nil {
		return nil, err
	}
	cache, err := contentcache.New(cacheDir, contentcache.NewHTTPFetcher(), root)
	if err != nil {
		return nil, err
	}

	layouts := display.NewLayouts()

	factories := plugin.NewFactories()
	providers := schema.NewProviderRegistry()
	providers.RegisterValue("VERSION", Version)
	providers.RegisterValue("CACHE_DIR", cache.Root())
	providers.Register("HOSTNAME", func() (any, error) {
		h, err := os.Hostname()
		return h, err
	})

	reg := plugin.NewRegistry(factories, providers, bus, root)

	driver, err := buildDriver(cfg, root.With(logx.String("comp", "display")))
	if err != nil {
		return nil, err
	}

	tick, err := cfg.Scheduler.TickDuration()
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(
		scheduler.Config{Tick: tick, MaxFailures: cfg.Scheduler.MaxFailures},
		reg, driver,
		plugin.InstanceDeps{Resolve: layouts.Resolve, Cache: cache, Log: root},
		bus, root)

	jan := janitor.New(janitor.Config{
		Enabled:  cfg.Janitor.Enabled,
		Schedule: cfg.Janitor.Schedule(),
	}, cache, bus, root)

	var rec *storage.Recorder
	if store != nil {
		rec = storage.NewRecorder(store, bus, root)
	}

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		root:      root,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		factories: factories,
		providers: providers,
		reg:       reg,
		cache:     cache,
		layouts:   layouts,
		driver:    driver,
		sched:     sched,
		jan:       jan,
		store:     store,
		rec:       rec,
		declared:  map[string]bool{},
	}, nil
}

// Register adds plugin factories. Call before Start; declarations whose type
// has no factory are admitted as config_failed.
func (a *App) Register(fas ...plugin.Factory) error {
	for _, fa := range fas {
		if err := a.factories.Register(fa); err != nil {
			return err
		}
	}
	return nil
}

// Layouts exposes the renderer registry so callers can add layouts before
// Start.
func (a *App) Layouts() *display.Layouts { return a.layouts }

// Providers exposes the ${TOKEN} registry for params schema defaults.
func (a *App) Providers() *schema.ProviderRegistry { return a.providers }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// syncDeclarations runs the admission pass over the config's plugin list and
// deactivates config-managed entries that are no longer declared. Entries
// registered through the admin API are left alone.
func (a *App) syncDeclarations(cfg *config.Config) {
	keep := make(map[string]bool, len(cfg.Plugins))
	for i, d := range cfg.Plugins {
		decl := plugin.Declaration{Type: d.Type, Settings: d.Settings, Params: d.Params}
		e, created, err := a.reg.Add(decl, false)
		if err != nil {
			a.log.Warn("plugin declaration rejected",
				logx.Int("index", i), logx.String("type", d.Type), logx.Err(err))
			continue
		}
		keep[e.Identity] = true
		// A declaration matching a previously deactivated entry brings it
		// back through a fresh admission pass.
		if !created && e.Status == plugin.StatusDeactivated {
			if _, err := a.reg.Activate(e.Identity); err != nil {
				a.log.Warn("plugin reactivation failed",
					logx.String("identity", e.Identity), logx.Err(err))
			}
		}
	}

	a.declMu.Lock()
	previous := a.declared
	a.declared = keep
	a.declMu.Unlock()

	for identity := range previous {
		if keep[identity] {
			continue
		}
		e, ok := a.reg.Get(identity)
		if !ok || !e.Status.Live() {
			continue
		}
		if _, err := a.reg.Deactivate(identity, "removed from configuration"); err != nil {
			a.log.Warn("plugin deactivation failed",
				logx.String("identity", identity), logx.Err(err))
		}
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func resolveCacheDir(cfg *config.Config) (string, error) {
	if dir := strings.TrimSpace(cfg.Cache.Dir); dir != "" {
		return dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cache.dir not set and no user cache dir: %w", err)
	}
	return filepath.Join(base, "inkdeck"), nil
}

// buildDriver assembles the display chain: the configured sink wrapped in
// the panel-protecting throttle.
func buildDriver(cfg *config.Config, log logx.Logger) (display.Driver, error) {
	minRefresh, err := cfg.Display.MinRefreshDuration()
	if err != nil {
		return nil, err
	}

	var drv display.Driver
	switch cfg.Display.DriverName() {
	case "none":
		drv = display.Nop{}
	case "file":
		sink, err := display.NewFileSink(cfg.Display.Spool(), cfg.Display.History(), log)
		if err != nil {
			return nil, err
		}
		drv = sink
	default:
		return nil, fmt.Errorf("display.driver: unknown driver %q", cfg.Display.Driver)
	}
	return display.Throttle(drv, minRefresh), nil
}
