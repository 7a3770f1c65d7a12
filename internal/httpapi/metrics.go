package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler exposes every counter/histogram/gauge registered via
// promauto across the bot core (internal/metrics), the same default
// registry every component's promauto.New* call already publishes to.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
