package app

import (
	"context"
	"time"

	"inkdeck/internal/config"
	"inkdeck/internal/plugin"
	"inkdeck/internal/runtime/supervisor"
	"inkdeck/internal/scheduler"
	"inkdeck/internal/services/janitor"
	"inkdeck/internal/storage"
	logx "inkdeck/pkg/logx"
)

// The admin API mirrors what the config file can do, for callers that hold
// an *App (signals, a future control socket, tests). Every mutation ends
// with a scheduler reconcile so rotation reflects the registry immediately.

// RegisterPlugin admits a declaration outside the config file. The entry is
// not config-managed: reloads won't deactivate it.
func (a *App) RegisterPlugin(ctx context.Context, d config.PluginDecl, forceDuplicate bool) (plugin.Entry, error) {
	e, _, err := a.reg.Add(plugin.Declaration{Type: d.Type, Settings: d.Settings, Params: d.Params}, forceDuplicate)
	if err != nil {
		return plugin.Entry{}, err
	}
	a.sched.Reconcile(ctx)
	return e, nil
}

// RemovePlugin deletes an entry outright and clears its cache scope.
func (a *App) RemovePlugin(ctx context.Context, identity string) (plugin.Entry, error) {
	e, err := a.reg.Remove(identity)
	if err != nil {
		return plugin.Entry{}, err
	}
	if a.cache != nil {
		if err := a.cache.Scope(identity, 0).Clear(true); err != nil {
			a.log.Warn("cache scope cleanup failed",
				logx.String("identity", identity), logx.Err(err))
		}
	}
	a.declMu.Lock()
	delete(a.declared, identity)
	a.declMu.Unlock()
	a.sched.Reconcile(ctx)
	return e, nil
}

// ActivatePlugin re-admits an entry (the only way back from a terminal
// status) and rebuilds its instance.
func (a *App) ActivatePlugin(ctx context.Context, identity string) (plugin.Entry, error) {
	e, err := a.reg.Activate(identity)
	if err != nil {
		return plugin.Entry{}, err
	}
	a.sched.Reconcile(ctx)
	return e, nil
}

// DeactivatePlugin parks an entry; it stays listed but leaves rotation.
func (a *App) DeactivatePlugin(ctx context.Context, identity, reason string) (plugin.Entry, error) {
	e, err := a.reg.Deactivate(identity, reason)
	if err != nil {
		return plugin.Entry{}, err
	}
	a.sched.Reconcile(ctx)
	return e, nil
}

// Plugins returns every registry entry, in registration order.
func (a *App) Plugins() []plugin.Entry { return a.reg.Snapshot() }

// PluginsByStatus filters the registry by lifecycle status.
func (a *App) PluginsByStatus(st plugin.Status) []plugin.Entry { return a.reg.ByStatus(st) }

// ForceUpdate makes the next cycle refresh the foreground plugin regardless
// of its refresh gate.
func (a *App) ForceUpdate() { a.sched.ForceUpdate() }

// ForceRotate expires the current rotation window on the next cycle.
func (a *App) ForceRotate() { a.sched.ForceRotate() }

// Sweep runs a cache sweep immediately.
func (a *App) Sweep() error { return a.jan.Sweep() }

// History returns recent persisted events, newest first. Without a storage
// backend it reports storage.ErrDisabled.
func (a *App) History(ctx context.Context, limit int) ([]storage.HistoryEvent, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.RecentEvents(ctx, limit)
}

// StatusReport is the one-call operational snapshot.
type StatusReport struct {
	Version   string                     `json:"version"`
	At        time.Time                  `json:"at"`
	Plugins   []PluginStatus             `json:"plugins"`
	Rotation  []scheduler.InstanceStatus `json:"rotation"`
	LastCycle scheduler.CycleReport      `json:"last_cycle"`
	Janitor   janitor.Status             `json:"janitor"`
	Tasks     supervisor.Snapshot        `json:"tasks"`
}

// PluginStatus is the registry entry view in status output.
type PluginStatus struct {
	Identity string        `json:"identity"`
	Type     string        `json:"type"`
	Status   plugin.Status `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	AddedAt  time.Time     `json:"added_at"`
}

func (a *App) Status() StatusReport {
	rep := StatusReport{
		Version:   Version,
		At:        time.Now(),
		Rotation:  a.sched.State(),
		LastCycle: a.sched.LastReport(),
		Janitor:   a.jan.Status(),
		Tasks:     a.sup.Snapshot(),
	}
	for _, e := range a.reg.Snapshot() {
		rep.Plugins = append(rep.Plugins, PluginStatus{
			Identity: e.Identity,
			Type:     e.Type,
			Status:   e.Status,
			Reason:   e.StatusReason,
			AddedAt:  e.AddedAt,
		})
	}
	return rep
}
