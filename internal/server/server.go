package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler assembles the HTTP surface: the session API, the websocket status
// stream, and the Prometheus scrape endpoint.
func Handler(hub *Hub, svc SessionService, registry *prometheus.Registry, maxChunkBytes int64) http.Handler {
	mux := http.NewServeMux()

	registerWSRoute(mux, hub)
	registerAPIRoutes(mux, svc, maxChunkBytes)

	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	return mux
}
