package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "inkdeck/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections, safe
// structured attrs for logging, and whether the plugin declarations changed
// (which is what triggers a scheduler reconcile).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Display, newCfg.Display) {
		changed = append(changed, "display")
		attrs = append(attrs,
			logx.String("display.driver", newCfg.Display.DriverName()),
			logx.String("display.spool_dir", newCfg.Display.Spool()),
			logx.Int("display.history_size", newCfg.Display.History()),
			logx.String("display.min_refresh", strings.TrimSpace(newCfg.Display.MinRefresh)),
		)
	}

	if strings.TrimSpace(oldCfg.Cache.Dir) != strings.TrimSpace(newCfg.Cache.Dir) {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.Bool("cache.dir_set", strings.TrimSpace(newCfg.Cache.Dir) != ""))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.Int("scheduler.max_failures", newCfg.Scheduler.MaxFailures),
		)
	}

	if !reflect.DeepEqual(oldCfg.Janitor, newCfg.Janitor) {
		changed = append(changed, "janitor")
		attrs = append(attrs,
			logx.Bool("janitor.enabled", newCfg.Janitor.Enabled),
			logx.String("janitor.schedule", newCfg.Janitor.Schedule()),
		)
	}

	// Storage: nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet))
	}

	pluginsChanged := !equalPlugins(oldCfg.Plugins, newCfg.Plugins)
	if pluginsChanged {
		changed = append(changed, "plugins")
		attrs = append(attrs, logx.Int("plugins.count", len(newCfg.Plugins)))
	}

	sort.Strings(changed)
	return changed, attrs, pluginsChanged
}

// equalPlugins compares declarations by canonical JSON, order included
// (declaration order is rotation order).
func equalPlugins(a, b []PluginDecl) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if declHash(a[i]) != declHash(b[i]) {
			return false
		}
	}
	return true
}

func declHash(d PluginDecl) uint64 {
	b, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
