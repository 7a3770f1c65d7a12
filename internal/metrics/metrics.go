// Package metrics exposes Prometheus counters and histograms for the bot
// core, grouped by component the way coreengine/observability groups
// pipeline/agent/LLM/gRPC metrics: one banner-commented block per
// subsystem, registered once at package init via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ==== TRANSPORT METRICS (C4) ====

var (
	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_reconnects_total",
		Help: "Total reconnect attempts, labeled by classified disconnect cause.",
	}, []string{"cause"})

	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaybot_connection_state",
		Help: "Current connection state: 1 running, 0.5 connecting/reconnecting/awaiting QR, 0 otherwise.",
	})

	SendLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relaybot_send_latency_seconds",
		Help:    "Latency of sendSafely calls to the transport.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})
)

// ==== DISPATCH METRICS (C6) ====

var (
	CommandsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_commands_dispatched_total",
		Help: "Commands successfully routed to a plugin, labeled by command name.",
	}, []string{"command"})

	CommandsGatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_commands_gated_total",
		Help: "Commands rejected by a permission gate, labeled by gate.",
	}, []string{"gate"})

	DispatchLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relaybot_dispatch_latency_seconds",
		Help:    "Time spent inside plugin.Run, labeled by plugin name.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"plugin"})
)

// ==== PLUGIN METRICS (C5) ====

var (
	PluginErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_plugin_errors_total",
		Help: "Plugin execution errors, labeled by plugin name.",
	}, []string{"plugin"})

	PluginsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaybot_plugins_loaded",
		Help: "Number of plugins currently in the registry's live snapshot.",
	})

	ReloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaybot_plugin_reloads_total",
		Help: "Total ReloadAll invocations.",
	})
)

// ==== RATE LIMIT METRICS (C8) ====

var RateLimitDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relaybot_rate_limit_drops_total",
	Help: "Events silently dropped by the rate oracle, labeled by scope.",
}, []string{"scope"})

// ==== HEALTH METRICS (C9) ====

var (
	HeapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaybot_heap_bytes",
		Help: "Heap memory in use, as reported by the memory watermark loop.",
	})

	StorePingFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaybot_store_ping_failures_total",
		Help: "Failed document-store reachability pings.",
	})

	HealthAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_health_alerts_total",
		Help: "Owner alerts raised by the health supervisor, labeled by loop.",
	}, []string{"loop"})
)
