// Package server composes the broker's HTTP surface: the bridge websocket
// endpoint, health, metrics, the admin API and the MCP endpoint.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/activitybridge/internal/api"
	"github.com/gaspardpetit/activitybridge/internal/broker"
	"github.com/gaspardpetit/activitybridge/internal/cache"
	"github.com/gaspardpetit/activitybridge/internal/config"
	"github.com/gaspardpetit/activitybridge/internal/mcpserver"
	"github.com/gaspardpetit/activitybridge/internal/metrics"
	"github.com/gaspardpetit/activitybridge/internal/serverstate"
)

// Options wires the HTTP surface. Processes and Registry are optional.
type Options struct {
	Config    config.BrokerConfig
	Version   string
	Broker    *broker.Broker
	Cache     *cache.Cache
	Tracker   api.Tracker
	Processes api.Processes
	State     *serverstate.Tracker
	// Registry receives the broker metrics; a fresh one is created when nil.
	Registry *prometheus.Registry
}

// New constructs the HTTP handler.
func New(o Options) (http.Handler, error) {
	if o.State == nil {
		o.State = serverstate.New(nil)
	}
	if o.Registry == nil {
		o.Registry = prometheus.NewRegistry()
		metrics.Register(o.Registry)
	}
	admin, err := api.New(api.Options{
		Bridges:   o.Broker,
		Cache:     o.Cache,
		Tracker:   o.Tracker,
		Processes: o.Processes,
		APIKey:    o.Config.APIKey,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	if len(o.Config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: o.Config.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/healthz", healthHandler(o.State, o.Broker))
	r.Get("/state", StatePageHandler())
	r.Handle(o.Config.WSPath, broker.WSHandler(o.Broker, o.State.IsDraining))
	r.Mount("/api", admin.Router())
	r.With(api.APIKeyMiddleware(o.Config.APIKey)).Handle("/mcp", mcpserver.NewHandler(o.Version, o.Broker, o.Cache))

	if o.Config.MetricsAddr == "" || o.Config.MetricsAddr == fmt.Sprintf(":%d", o.Config.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(o.Registry, promhttp.HandlerOpts{}))
	}
	return r, nil
}

type health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// healthHandler answers 200 only while the broker is ready.
func healthHandler(state *serverstate.Tracker, b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := health{Status: state.Status(), Connections: b.ConnectionCount()}
		code := http.StatusOK
		if h.Status != serverstate.StatusReady {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(h)
	}
}
