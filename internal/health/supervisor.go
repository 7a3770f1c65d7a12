// Package health implements the Health Supervisor (C9): four periodic
// background loops (plugin error rate, memory watermark, transport
// liveness, store reachability) plus a faster connection-liveness
// probe, all paging the bot owner through the same Transport capability
// the router replies through.
package health

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaybot-dev/relaybot/internal/logger"
	"github.com/relaybot-dev/relaybot/internal/metrics"
	"github.com/relaybot-dev/relaybot/internal/transport"
)

const (
	defaultStartupGrace = 2 * time.Minute

	defaultPluginPeriod    = 15 * time.Minute
	defaultMemoryPeriod    = 20 * time.Minute
	defaultTransportPeriod = 10 * time.Minute
	defaultStorePeriod     = 5 * time.Minute

	defaultProbeInterval   = 30 * time.Second
	defaultProbeStartDelay = 45 * time.Second
	defaultProbeGrace      = 60 * time.Second

	memoryGCThreshold    = 400 * 1024 * 1024
	memoryClearThreshold = 500 * 1024 * 1024
	memoryAlertThreshold = 600 * 1024 * 1024

	transportStuckThreshold = 60 * time.Minute

	pluginCriticalCount    = 3
	probeWarnThreshold     = 3
	probeCriticalThreshold = 5
)

// Notifier is the narrow capability the health supervisor needs to page
// the bot owner; any Transport implementation already satisfies it.
type Notifier interface {
	SendText(ctx context.Context, to, text, quotedStanzaID string) error
}

// PluginHealthSource is the slice of the registry the plugin-health
// loop consults.
type PluginHealthSource interface {
	UnhealthyPlugins() []string
}

// ConnectionProbe is the slice of the Connection Supervisor (C4) this
// package needs: current state, when the current running period began,
// and the ability to ease off a stuck reconnect loop. *transport.
// Supervisor satisfies this directly.
type ConnectionProbe interface {
	State() transport.State
	ConnectedAt() time.Time
	ReduceAttempts()
}

// StorePinger is the reachability check the store loop needs.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// CacheClearer is the cache-eviction capability the memory loop uses
// under sustained pressure.
type CacheClearer interface {
	IsEnabled() bool
	FlushAll(ctx context.Context) error
}

// Supervisor runs the periodic health loops described in spec.md §4.9.
// The period/grace fields default to the spec's own values in New and
// exist as fields (rather than package constants) only so tests can
// shrink them; production callers never need to touch them.
type Supervisor struct {
	ownerIdentity string
	notifier      Notifier

	registry PluginHealthSource
	conn     ConnectionProbe
	store    StorePinger
	cache    CacheClearer

	startupGrace    time.Duration
	pluginPeriod    time.Duration
	memoryPeriod    time.Duration
	transportPeriod time.Duration
	storePeriod     time.Duration
	probeInterval   time.Duration
	probeStartDelay time.Duration
	probeGrace      time.Duration

	probeFailures int32
}

// New constructs a Supervisor. Any dependency may be a nil interface;
// the corresponding loop becomes a no-op tick (it still fires on
// schedule, it just has nothing to check).
func New(ownerIdentity string, notifier Notifier, registry PluginHealthSource, conn ConnectionProbe, st StorePinger, c CacheClearer) *Supervisor {
	return &Supervisor{
		ownerIdentity: ownerIdentity,
		notifier:      notifier,
		registry:      registry,
		conn:          conn,
		store:         st,
		cache:         c,

		startupGrace:    defaultStartupGrace,
		pluginPeriod:    defaultPluginPeriod,
		memoryPeriod:    defaultMemoryPeriod,
		transportPeriod: defaultTransportPeriod,
		storePeriod:     defaultStorePeriod,
		probeInterval:   defaultProbeInterval,
		probeStartDelay: defaultProbeStartDelay,
		probeGrace:      defaultProbeGrace,
	}
}

// Run starts every loop as its own goroutine and blocks until ctx is
// done.
func (h *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		period time.Duration
		fn     func(context.Context)
	}{
		{h.pluginPeriod, h.pluginLoop},
		{h.memoryPeriod, h.memoryLoop},
		{h.transportPeriod, h.transportLoop},
		{h.storePeriod, h.storeLoop},
	}

	wg.Add(len(loops) + 1)
	for _, l := range loops {
		l := l
		go func() {
			defer wg.Done()
			h.runPeriodic(ctx, l.period, l.fn)
		}()
	}
	go func() {
		defer wg.Done()
		h.connectionProbeLoop(ctx)
	}()
	wg.Wait()
}

func (h *Supervisor) runPeriodic(ctx context.Context, period time.Duration, fn func(context.Context)) {
	if !sleepCtx(ctx, h.startupGrace) {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// pluginLoop scans the registry for error-rate outliers and pages the
// owner once three or more plugins are unhealthy at the same time.
func (h *Supervisor) pluginLoop(ctx context.Context) {
	if h.registry == nil {
		return
	}
	unhealthy := h.registry.UnhealthyPlugins()
	if len(unhealthy) == 0 {
		return
	}
	logger.Health().Warn().Strs("plugins", unhealthy).Msg("plugin health scan found elevated error rates")
	if len(unhealthy) >= pluginCriticalCount {
		h.alert(ctx, "plugin", fmt.Sprintf("%d plugins are failing more than half their recent invocations: %s",
			len(unhealthy), strings.Join(unhealthy, ", ")))
	}
}

// memoryLoop reports heap usage and escalates through GC, cache
// clearing, and an owner alert as usage climbs. Each branch is
// exclusive: only the highest threshold crossed fires, since clearing
// the cache at 600MB when an alert is also due would just delay the
// alert without fixing anything.
func (h *Supervisor) memoryLoop(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	metrics.HeapBytes.Set(float64(mem.HeapAlloc))
	logger.Health().Info().Uint64("heap_bytes", mem.HeapAlloc).Msg("memory watermark")

	switch {
	case mem.HeapAlloc > memoryAlertThreshold:
		h.alert(ctx, "memory", fmt.Sprintf("heap usage is %d MB, above the alert threshold", mem.HeapAlloc/1024/1024))
	case mem.HeapAlloc > memoryClearThreshold:
		if h.cache != nil && h.cache.IsEnabled() {
			if err := h.cache.FlushAll(ctx); err != nil {
				logger.Health().Warn().Err(err).Msg("failed to clear cache under memory pressure")
			}
		}
	case mem.HeapAlloc > memoryGCThreshold:
		runtime.GC()
	}
}

// transportLoop nudges a connection that has been down, with no
// connect in progress, for over an hour by halving its reconnect
// backoff counter. ConnectedAt is the zero value before the first
// successful connection, which this treats the same as "stuck since
// process start."
func (h *Supervisor) transportLoop(ctx context.Context) {
	if h.conn == nil {
		return
	}
	if h.conn.State() == transport.StateRunning {
		return
	}
	if last := h.conn.ConnectedAt(); !last.IsZero() && time.Since(last) < transportStuckThreshold {
		return
	}
	logger.Health().Warn().Str("state", string(h.conn.State())).Msg("transport appears stuck, reducing reconnect backoff")
	h.conn.ReduceAttempts()
}

// storeLoop pings the document store and pages the owner if a single
// extra attempt doesn't recover it.
func (h *Supervisor) storeLoop(ctx context.Context) {
	if h.store == nil {
		return
	}
	if err := h.store.Ping(ctx); err == nil {
		return
	}
	metrics.StorePingFailuresTotal.Inc()
	logger.Health().Warn().Msg("document store ping failed, attempting one reconnect")

	if err := h.store.Ping(ctx); err != nil {
		metrics.StorePingFailuresTotal.Inc()
		h.alert(ctx, "store", "the document store is unreachable after a reconnect attempt")
	}
}

// connectionProbeLoop is the faster liveness check; it waits
// probeStartDelay after the loop starts, then on each tick probeOnce
// counts no failure until the current connection has been up for
// probeGrace.
func (h *Supervisor) connectionProbeLoop(ctx context.Context) {
	if h.conn == nil {
		return
	}
	if !sleepCtx(ctx, h.probeStartDelay) {
		return
	}
	ticker := time.NewTicker(h.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probeOnce(ctx)
		}
	}
}

func (h *Supervisor) probeOnce(ctx context.Context) {
	connectedAt := h.conn.ConnectedAt()
	if connectedAt.IsZero() || time.Since(connectedAt) < h.probeGrace {
		return
	}

	if h.conn.State() == transport.StateRunning {
		atomic.StoreInt32(&h.probeFailures, 0)
		return
	}

	failures := atomic.AddInt32(&h.probeFailures, 1)
	switch failures {
	case probeCriticalThreshold:
		logger.Health().Error().Int32("failures", failures).Msg("connection liveness probe critical")
		h.alert(ctx, "liveness", "the connection has failed its liveness probe five times in a row")
	case probeWarnThreshold:
		logger.Health().Warn().Int32("failures", failures).Msg("connection liveness probe degraded")
	}
}

func (h *Supervisor) alert(ctx context.Context, loop, message string) {
	metrics.HealthAlertsTotal.WithLabelValues(loop).Inc()
	if h.notifier == nil || h.ownerIdentity == "" {
		return
	}
	if err := h.notifier.SendText(ctx, h.ownerIdentity, "health alert: "+message, ""); err != nil {
		logger.Health().Warn().Err(err).Str("loop", loop).Msg("failed to deliver health alert to owner")
	}
}
