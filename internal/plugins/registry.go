package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaybot-dev/relaybot/internal/logger"
	"github.com/relaybot-dev/relaybot/internal/metrics"
	"github.com/relaybot-dev/relaybot/internal/scheduler"
)

// loaded is one instantiated plugin plus its bookkeeping.
type loaded struct {
	handler Handler
	desc    Descriptor
	stats   *Stats
	sched   *PluginScheduler
}

// Registry owns the live set of loaded plugins: command/alias lookup,
// lifecycle hooks, stats, and hot reload. C6 reads it but never
// mutates it directly.
type Registry struct {
	mu sync.RWMutex

	pluginDir string
	discovery *discoverer
	scheduler *scheduler.Scheduler
	bus       *EventBus

	plugins   []*loaded
	byCommand map[string]*loaded
	byAlias   map[string]*loaded

	reloading bool
	onLoadCtx func(pluginName string) *Context
}

// New constructs an empty Registry rooted at pluginDir. onLoadCtx
// builds the *Context passed to each plugin's OnLoad and Run, letting
// the caller (main wiring) supply the live transport/config/store
// handles without this package importing any of them.
func New(pluginDir string, sched *scheduler.Scheduler, onLoadCtx func(pluginName string) *Context) *Registry {
	return &Registry{
		pluginDir: pluginDir,
		discovery: newDiscoverer(pluginDir),
		scheduler: sched,
		bus:       NewEventBus(),
		byCommand: make(map[string]*loaded),
		byAlias:   make(map[string]*loaded),
		onLoadCtx: onLoadCtx,
	}
}

// SeedIfEmpty writes the default plugin manifests (the built-in help and
// reminder plugins plus a colliding sample) into the plugin directory if it has
// no manifest in it yet, so a fresh deployment isn't left with zero
// commands. Safe to call unconditionally before LoadAll: an existing
// manifest of the same name is never overwritten.
func (r *Registry) SeedIfEmpty() error {
	manifests, err := r.discovery.scan()
	if err != nil {
		return fmt.Errorf("scanning plugin directory %q: %w", r.pluginDir, err)
	}
	if len(manifests) > 0 {
		return nil
	}
	return writeSamplePlugin(r.pluginDir)
}

// LoadAll discovers every manifest in the plugin directory and loads
// the plugins they name, in discovery order. A later plugin that
// collides on a command or alias is rejected with a diagnostic; the
// first one registered keeps the name.
func (r *Registry) LoadAll() error {
	manifests, err := r.discovery.scan()
	if err != nil {
		return fmt.Errorf("scanning plugin directory %q: %w", r.pluginDir, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range manifests {
		if err := r.loadLocked(m); err != nil {
			logger.Plugin().Warn().Str("manifest", m.sourcePath).Err(err).Msg("rejected plugin manifest")
		}
	}
	metrics.PluginsLoaded.Set(float64(len(r.plugins)))
	return nil
}

func (r *Registry) loadLocked(m manifest) error {
	factory, ok := getFactory(m.Factory)
	if !ok {
		return fmt.Errorf("no compiled-in factory named %q", m.Factory)
	}

	desc := m.applyOverrides(factory().Descriptor())
	if desc.Name == "" {
		return fmt.Errorf("plugin manifest %q produced an empty name", m.sourcePath)
	}

	for _, cmd := range desc.Commands {
		if _, exists := r.byCommand[cmd]; exists {
			return fmt.Errorf("plugin %q: command %q already registered", desc.Name, cmd)
		}
	}
	for _, alias := range desc.Aliases {
		if _, exists := r.byAlias[alias]; exists {
			return fmt.Errorf("plugin %q: alias %q already registered", desc.Name, alias)
		}
	}

	handler := factory()
	l := &loaded{
		handler: handler,
		desc:    desc,
		stats:   &Stats{},
		sched:   newPluginScheduler(r.scheduler, desc.Name),
	}

	for _, cmd := range desc.Commands {
		r.byCommand[cmd] = l
	}
	for _, alias := range desc.Aliases {
		r.byAlias[alias] = l
	}
	r.plugins = append(r.plugins, l)

	logger.Plugin().Info().Str("plugin", desc.Name).Strs("commands", desc.Commands).Msg("loaded plugin")
	return nil
}

// RunOnLoadHooks invokes OnLoad for every loaded plugin, in load order.
// Called once the transport first reaches running, per spec.md's rule
// that OnLoad is the only hook permitted to register scheduled jobs.
func (r *Registry) RunOnLoadHooks() {
	r.mu.RLock()
	plugins := append([]*loaded(nil), r.plugins...)
	r.mu.RUnlock()

	for _, l := range plugins {
		c := r.contextFor(l, "", nil, "", nil)
		if err := l.handler.OnLoad(c); err != nil {
			logger.Plugin().Warn().Str("plugin", l.desc.Name).Err(err).Msg("onLoad hook failed")
		}
	}
}

// EmitCoreEvent publishes a platform event (as opposed to a plugin's own
// namespaced event) onto the registry's bus. Any plugin that subscribed
// with ctx.Events.On(eventType, handler) receives it; callers outside
// this package — the group event handler's new-member hook, say — use
// this rather than reaching into a plugin's own namespaced Emit.
func (r *Registry) EmitCoreEvent(eventType string, data interface{}) {
	r.bus.Emit(eventType, data)
}

func (r *Registry) contextFor(l *loaded, command string, args []string, rawArgs string, msg interface{}) *Context {
	var c *Context
	if r.onLoadCtx != nil {
		c = r.onLoadCtx(l.desc.Name)
	} else {
		c = &Context{Ctx: context.Background()}
	}
	c.Command = command
	c.Args = args
	c.RawArgs = rawArgs
	c.Message = msg
	c.Log = newPluginLogger(baseZerolog(), l.desc.Name)
	c.Schedule = l.sched
	c.Events = newPluginEvents(r.bus, l.desc.Name)
	return c
}

func baseZerolog() zerolog.Logger {
	return *logger.GetLogger()
}

// Lookup resolves a command token to a loaded plugin. Exact command
// names always beat aliases; ties within aliases go to whichever
// registered first (the map is populated in discovery order and never
// overwritten, so first-write-wins already holds).
func (r *Registry) Lookup(token string) (Handler, Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.reloading {
		return nil, Descriptor{}, false
	}
	if l, ok := r.byCommand[token]; ok {
		return l.handler, l.desc, true
	}
	if l, ok := r.byAlias[token]; ok {
		return l.handler, l.desc, true
	}
	return nil, Descriptor{}, false
}

// IsReloading reports whether a reload is currently in progress, so the
// router can return its transient "reloading" diagnostic instead of a
// normal not-found.
func (r *Registry) IsReloading() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reloading
}

// Invoke runs the named plugin's Run hook with panic/error isolation,
// updating its stats regardless of outcome. Transport-level decrypt
// noise ("Bad MAC", "Failed to decrypt") is downgraded to a warning by
// the caller (the router), not here — this method just reports err.
func (r *Registry) Invoke(handler Handler, l *loaded, command string, args []string, rawArgs string, msg interface{}) (err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin panicked: %v", rec)
		}
		l.stats.recordRun(time.Since(start), err)
		if err != nil {
			metrics.PluginErrorsTotal.WithLabelValues(l.desc.Name).Inc()
		}
	}()

	c := r.contextFor(l, command, args, rawArgs, msg)
	return handler.Run(c)
}

// find locates the *loaded wrapper behind a Handler, needed by Invoke's
// caller when it only has the Handler/Descriptor pair from Lookup.
func (r *Registry) find(name string) *loaded {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.plugins {
		if l.desc.Name == name {
			return l
		}
	}
	return nil
}

// InvokeByName is the convenience form the router actually calls: look
// up by plugin name (from the Descriptor Lookup returned) and run it.
// msg carries the triggering *message.NormalizedMessage through to the
// plugin's Context.Message; it is passed as interface{} so this package
// never needs to import message.
func (r *Registry) InvokeByName(pluginName, command string, args []string, rawArgs string, msg interface{}) error {
	l := r.find(pluginName)
	if l == nil {
		return fmt.Errorf("plugin %q not loaded", pluginName)
	}
	return r.Invoke(l.handler, l, command, args, rawArgs, msg)
}

// Stats returns a snapshot of every loaded plugin's execution stats,
// keyed by plugin name.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.plugins))
	for _, l := range r.plugins {
		out[l.desc.Name] = l.stats.Snapshot()
	}
	return out
}

// UnhealthyPlugins returns the names of plugins whose error rate over
// their last 20 invocations exceeds 50%.
func (r *Registry) UnhealthyPlugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, l := range r.plugins {
		if l.stats.ErrorRate() > 0.5 {
			names = append(names, l.desc.Name)
		}
	}
	return names
}

// Descriptors returns every loaded plugin's descriptor, for the control
// plane's /plugins endpoint.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.plugins))
	for _, l := range r.plugins {
		out = append(out, l.desc)
	}
	return out
}

// ReloadAll unloads every plugin (calling OnUnload and releasing its
// scheduled jobs), clears the registry, and re-runs discovery. The
// router rejects commands with a transient "reloading" result for the
// duration of this call.
func (r *Registry) ReloadAll() error {
	r.mu.Lock()
	r.reloading = true
	plugins := append([]*loaded(nil), r.plugins...)
	r.plugins = nil
	r.byCommand = make(map[string]*loaded)
	r.byAlias = make(map[string]*loaded)
	r.mu.Unlock()

	for _, l := range plugins {
		l.sched.RemoveAll()
		if err := l.handler.OnUnload(); err != nil {
			logger.Plugin().Warn().Str("plugin", l.desc.Name).Err(err).Msg("onUnload hook failed during reload")
		}
		r.bus.UnsubscribeAll(l.desc.Name)
	}

	manifests, err := r.discovery.scan()
	if err != nil {
		r.mu.Lock()
		r.reloading = false
		r.mu.Unlock()
		return fmt.Errorf("re-scanning plugin directory: %w", err)
	}

	r.mu.Lock()
	for _, m := range manifests {
		if lerr := r.loadLocked(m); lerr != nil {
			logger.Plugin().Warn().Str("manifest", m.sourcePath).Err(lerr).Msg("rejected plugin manifest on reload")
		}
	}
	r.reloading = false
	count := len(r.plugins)
	r.mu.Unlock()

	r.RunOnLoadHooks()
	metrics.PluginsLoaded.Set(float64(count))
	metrics.ReloadsTotal.Inc()
	return nil
}

// WatchForChanges blocks until ctx is cancelled, triggering ReloadAll
// whenever the plugin directory changes (a manifest added, removed, or
// edited). Errors from an individual reload are logged, not fatal.
func (r *Registry) WatchForChanges(ctx context.Context) {
	r.discovery.watch(ctx, func() {
		if err := r.ReloadAll(); err != nil {
			logger.Plugin().Error().Err(err).Msg("reload triggered by directory watch failed")
		}
	})
}
