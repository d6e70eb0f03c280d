package plugin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"inkdeck/internal/contentcache"
	"inkdeck/internal/eventbus"
	"inkdeck/internal/schema"
	"inkdeck/pkg/logx"
)

type lifecycleEvent struct {
	Identity string `json:"identity"`
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Registry owns the set of declared plugins and their lifecycle statuses.
// Admission validates a declaration, assigns an immutable identity and files
// the entry under its content signature so duplicates collapse.
type Registry struct {
	mu sync.Mutex

	log       logx.Logger
	factories *Factories
	providers *schema.ProviderRegistry
	bus       eventbus.Bus

	entries []*Entry
	byID    map[string]*Entry
	bySig   map[uint64]*Entry

	now   func() time.Time
	newID func() string
}

func NewRegistry(factories *Factories, providers *schema.ProviderRegistry, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:       log.With(logx.String("comp", "registry")),
		factories: factories,
		providers: providers,
		bus:       bus,
		byID:      make(map[string]*Entry),
		bySig:     make(map[uint64]*Entry),
		now:       time.Now,
		newID:     func() string { return uuid.NewString()[:8] },
	}
}

func (r *Registry) emit(typ string, data lifecycleEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// admission is the outcome of one validation pass over a declaration.
type admission struct {
	settings map[string]any
	params   map[string]any
	problems []schema.Problem
	status   Status
	reason   string
}

// admit validates a declaration without touching registry state.
func (r *Registry) admit(d Declaration) admission {
	var out admission
	out.settings, out.problems = schema.Check(d.Settings, BaseSchema(), schema.Strict)

	factory, known := r.factories.Lookup(d.Type)
	if known {
		ps := factory.ParamsSchema
		if r.providers != nil && len(ps) > 0 {
			expanded, unresolved, err := r.providers.Expand(ps)
			switch {
			case err != nil:
				r.log.Warn("params schema expansion failed", logx.String("type", d.Type), logx.Err(err))
			default:
				if len(unresolved) > 0 {
					r.log.Warn("params schema has unresolved tokens",
						logx.String("type", d.Type), logx.Any("tokens", unresolved))
				}
				ps = expanded
			}
		}
		var paramProblems []schema.Problem
		out.params, paramProblems = schema.Check(d.Params, ps, schema.Lenient)
		out.problems = append(out.problems, paramProblems...)
	} else {
		// Keep the submitted params so a later Activate (after the factory
		// appears) can re-validate them.
		out.params, _ = schema.Check(d.Params, nil, schema.Lenient)
	}

	switch {
	case !known:
		out.status = StatusConfigFailed
		out.reason = fmt.Sprintf("unknown plugin type %q", d.Type)
	case fatalIn(out.problems):
		out.status = StatusConfigFailed
		out.reason = (&schema.ValidationError{Problems: out.problems}).Error()
	case baseSettingsFrom(out.settings).Dormant:
		out.status = StatusDormant
	default:
		out.status = StatusActive
	}
	return out
}

func fatalIn(problems []schema.Problem) bool {
	for _, p := range problems {
		if p.Fatal {
			return true
		}
	}
	return false
}

// Add runs the admission pass for a declaration. The returned bool reports
// whether a new entry was created; when a declaration with the same content
// signature already exists and forceDuplicate is false, the existing entry
// is returned instead.
func (r *Registry) Add(d Declaration, forceDuplicate bool) (Entry, bool, error) {
	d.Type = strings.TrimSpace(d.Type)
	if d.Type == "" {
		return Entry{}, false, fmt.Errorf("plugin declaration without a type")
	}

	adm := r.admit(d)
	sig := signatureOf(d.Type, adm.settings, adm.params)

	r.mu.Lock()
	if existing, dup := r.bySig[sig]; dup && !forceDuplicate {
		cp := existing.copy()
		r.mu.Unlock()
		r.log.Debug("duplicate declaration skipped",
			logx.String("identity", cp.Identity), logx.String("type", cp.Type))
		r.emit(eventbus.TypePluginDuplicate, lifecycleEvent{Identity: cp.Identity, Type: cp.Type})
		return cp, false, nil
	}

	e := &Entry{
		Identity:  r.mintIdentityLocked(d.Type),
		Type:      d.Type,
		Settings:  adm.settings,
		Params:    adm.params,
		Status:    StatusPending,
		Signature: sig,
		Problems:  adm.problems,
		AddedAt:   r.now(),
	}
	if err := r.transitionLocked(e, adm.status, adm.reason); err != nil {
		r.mu.Unlock()
		return Entry{}, false, err
	}
	r.entries = append(r.entries, e)
	r.byID[e.Identity] = e
	if _, taken := r.bySig[sig]; !taken {
		r.bySig[sig] = e
	}
	cp := e.copy()
	r.mu.Unlock()

	if cp.Status.Live() {
		r.log.Info("plugin admitted",
			logx.String("identity", cp.Identity), logx.String("type", cp.Type),
			logx.String("status", string(cp.Status)))
	} else {
		r.log.Warn("plugin rejected at admission",
			logx.String("identity", cp.Identity), logx.String("type", cp.Type),
			logx.String("status", string(cp.Status)), logx.String("reason", cp.StatusReason))
	}
	r.emit(eventbus.TypePluginAdmitted, lifecycleEvent{
		Identity: cp.Identity, Type: cp.Type, Status: string(cp.Status), Reason: cp.StatusReason,
	})
	return cp, true, nil
}

func (r *Registry) mintIdentityLocked(typ string) string {
	for {
		id := typ + "_" + r.newID()
		if _, taken := r.byID[id]; !taken {
			return id
		}
	}
}

// transitionLocked applies a lifecycle edge, rejecting anything illegal.
func (r *Registry) transitionLocked(e *Entry, to Status, reason string) error {
	if !legalEdge(e.Status, to) {
		return &LifecycleError{Plugin: e.Identity, From: e.Status, To: to}
	}
	e.Status = to
	e.StatusReason = reason
	return nil
}

// Get returns a copy of the entry with the given identity.
func (r *Registry) Get(identity string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[identity]
	if !ok {
		return Entry{}, false
	}
	return e.copy(), true
}

// ByStatus returns copies of all entries in the given status, in
// registration order.
func (r *Registry) ByStatus(st Status) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Status == st {
			out = append(out, e.copy())
		}
	}
	return out
}

// Live returns copies of all schedulable entries (active or dormant), in
// registration order. Rotation order is registration order.
func (r *Registry) Live() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Status.Live() {
			out = append(out, e.copy())
		}
	}
	return out
}

// Snapshot returns copies of every entry, in registration order.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.copy())
	}
	return out
}

// Signatures returns the content signatures of all entries that are not
// deactivated. Used by the hot-reload reconcile to diff declarations.
func (r *Registry) Signatures() map[uint64]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint64]string, len(r.entries))
	for _, e := range r.entries {
		out[e.Signature] = e.Identity
	}
	return out
}

// Remove deletes an entry outright, whatever its status.
func (r *Registry) Remove(identity string) (Entry, error) {
	r.mu.Lock()
	e, ok := r.byID[identity]
	if !ok {
		r.mu.Unlock()
		return Entry{}, &Error{Plugin: identity, Detail: "not registered"}
	}
	delete(r.byID, identity)
	if cur, ok := r.bySig[e.Signature]; ok && cur == e {
		delete(r.bySig, e.Signature)
	}
	for i, cur := range r.entries {
		if cur == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	cp := e.copy()
	r.mu.Unlock()

	r.log.Info("plugin removed", logx.String("identity", cp.Identity), logx.String("type", cp.Type))
	r.emit(eventbus.TypePluginRemoved, lifecycleEvent{Identity: cp.Identity, Type: cp.Type})
	return cp, nil
}

// Deactivate moves a non-terminal entry to deactivated. The entry stays
// listed; Activate brings it back through a fresh admission pass.
func (r *Registry) Deactivate(identity, reason string) (Entry, error) {
	r.mu.Lock()
	e, ok := r.byID[identity]
	if !ok {
		r.mu.Unlock()
		return Entry{}, &Error{Plugin: identity, Detail: "not registered"}
	}
	if err := r.transitionLocked(e, StatusDeactivated, reason); err != nil {
		r.mu.Unlock()
		return Entry{}, err
	}
	cp := e.copy()
	r.mu.Unlock()

	r.log.Info("plugin deactivated", logx.String("identity", cp.Identity), logx.String("reason", reason))
	r.emit(eventbus.TypePluginDeactivated, lifecycleEvent{Identity: cp.Identity, Reason: reason})
	return cp, nil
}

// Activate re-runs the admission pass over the stored configuration, keeping
// the identity. This is the only way back from a terminal status: the entry
// returns to pending and is validated as if freshly registered (the factory
// set or its schemas may have changed since).
func (r *Registry) Activate(identity string) (Entry, error) {
	r.mu.Lock()
	e, ok := r.byID[identity]
	if !ok {
		r.mu.Unlock()
		return Entry{}, &Error{Plugin: identity, Detail: "not registered"}
	}
	d := Declaration{Type: e.Type, Settings: cloneMap(e.Settings), Params: cloneMap(e.Params)}
	r.mu.Unlock()

	adm := r.admit(d)
	sig := signatureOf(d.Type, adm.settings, adm.params)

	r.mu.Lock()
	e, ok = r.byID[identity]
	if !ok {
		r.mu.Unlock()
		return Entry{}, &Error{Plugin: identity, Detail: "removed during activation"}
	}
	// Fresh registration semantics: status resets to pending before the
	// admission outcome is applied.
	e.Status = StatusPending
	e.Settings = adm.settings
	e.Params = adm.params
	e.Problems = adm.problems
	if cur, had := r.bySig[e.Signature]; had && cur == e {
		delete(r.bySig, e.Signature)
	}
	e.Signature = sig
	if _, taken := r.bySig[sig]; !taken {
		r.bySig[sig] = e
	}
	if err := r.transitionLocked(e, adm.status, adm.reason); err != nil {
		r.mu.Unlock()
		return Entry{}, err
	}
	cp := e.copy()
	r.mu.Unlock()

	r.log.Info("plugin activated",
		logx.String("identity", cp.Identity), logx.String("status", string(cp.Status)),
		logx.String("reason", cp.StatusReason))
	r.emit(eventbus.TypePluginActivated, lifecycleEvent{
		Identity: cp.Identity, Status: string(cp.Status), Reason: cp.StatusReason,
	})
	return cp, nil
}

// MarkCrashed records a scheduler eviction: the entry leaves rotation and
// keeps the accumulated reason for operators.
func (r *Registry) MarkCrashed(identity, reason string) error {
	return r.markFailed(identity, StatusCrashed, reason, eventbus.TypePluginEvicted)
}

// MarkLoadFailed records a post-admission instantiation failure (factory or
// layout resolution).
func (r *Registry) MarkLoadFailed(identity, reason string) error {
	return r.markFailed(identity, StatusLoadFailed, reason, eventbus.TypePluginLoadFailed)
}

func (r *Registry) markFailed(identity string, to Status, reason, eventType string) error {
	r.mu.Lock()
	e, ok := r.byID[identity]
	if !ok {
		r.mu.Unlock()
		return &Error{Plugin: identity, Detail: "not registered"}
	}
	if err := r.transitionLocked(e, to, reason); err != nil {
		r.mu.Unlock()
		return err
	}
	cp := e.copy()
	r.mu.Unlock()

	r.log.Warn("plugin marked failed",
		logx.String("identity", cp.Identity), logx.String("status", string(to)),
		logx.String("reason", reason))
	r.emit(eventType, lifecycleEvent{Identity: cp.Identity, Status: string(to), Reason: reason})
	return nil
}

// InstanceDeps carries what live instances need at instantiation time.
type InstanceDeps struct {
	Resolve ResolveRenderer
	Cache   *contentcache.Cache
	Log     logx.Logger
	Now     func() time.Time
}

// Instantiate builds the live instance for an admitted entry. Factory or
// layout resolution failure moves the entry to load_failed and returns the
// error; the registry keeps the entry for diagnostics.
func (r *Registry) Instantiate(ctx context.Context, identity string, deps InstanceDeps) (*Instance, error) {
	r.mu.Lock()
	e, ok := r.byID[identity]
	if !ok {
		r.mu.Unlock()
		return nil, &Error{Plugin: identity, Detail: "not registered"}
	}
	if !e.Status.Live() {
		st := e.Status
		r.mu.Unlock()
		return nil, &LifecycleError{Plugin: identity, From: st, Op: "instantiate"}
	}
	typ := e.Type
	bs := baseSettingsFrom(e.Settings)
	params := cloneMap(e.Params)
	r.mu.Unlock()

	factory, ok := r.factories.Lookup(typ)
	if !ok {
		reason := fmt.Sprintf("factory %q vanished after admission", typ)
		_ = r.MarkLoadFailed(identity, reason)
		return nil, &Error{Plugin: identity, Detail: reason}
	}

	name := bs.Name
	if name == "" {
		name = identity
	}

	var renderer Renderer
	if deps.Resolve != nil {
		var err error
		renderer, err = deps.Resolve(bs.Layout)
		if err != nil {
			reason := fmt.Sprintf("layout %q: %v", bs.Layout, err)
			_ = r.MarkLoadFailed(identity, reason)
			return nil, &Error{Plugin: name, Detail: reason}
		}
	}

	var scope *contentcache.Scope
	if deps.Cache != nil {
		scope = deps.Cache.Scope(identity, bs.CacheExpire)
	}

	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	update := factory.Update
	if update == nil {
		update = noopUpdate
	}

	inst := &Instance{
		identity:        identity,
		name:            name,
		typ:             typ,
		layout:          bs.Layout,
		duration:        bs.Duration,
		refreshInterval: bs.RefreshInterval,
		updateTimeout:   bs.UpdateTimeout,
		dormant:         bs.Dormant,
		params:          params,
		scope:           scope,
		update:          update,
		renderer:        renderer,
		log:             log.With(logx.String("plugin", name), logx.String("id", identity)),
		now:             now,
	}

	if factory.Init != nil {
		if err := factory.Init(ctx, inst); err != nil {
			reason := fmt.Sprintf("init failed: %v", err)
			_ = r.MarkLoadFailed(identity, reason)
			return nil, &Error{Plugin: name, Detail: "init failed", Err: err}
		}
	}
	return inst, nil
}
