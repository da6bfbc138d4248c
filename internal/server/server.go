package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rathix/devproxy/internal/config"
	"github.com/rathix/devproxy/internal/health"
	"github.com/rathix/devproxy/internal/metrics"
	"github.com/rathix/devproxy/internal/rules"
)

// Status describes the configuration currently being served.
type Status struct {
	Profile  string              `json:"profile"`
	Plugins  []string            `json:"plugins"`
	Rules    []config.ProxyEntry `json:"rules"`
	LoadedAt time.Time           `json:"loadedAt"`
	Errors   []string            `json:"errors,omitempty"`
}

// StatusHolder publishes the latest Status for the routes endpoint.
type StatusHolder struct {
	p atomic.Pointer[Status]
}

// Set replaces the published status.
func (h *StatusHolder) Set(s Status) {
	h.p.Store(&s)
}

// Get returns the published status, or the zero Status.
func (h *StatusHolder) Get() Status {
	if s := h.p.Load(); s != nil {
		return *s
	}
	return Status{}
}

// UpstreamSource reports the latest backend probe results.
type UpstreamSource interface {
	Snapshot() []health.Upstream
}

// Options wires the pieces of the development server handler. Events and
// Upstreams are optional; their endpoints are only mounted when set.
type Options struct {
	Rules     *rules.Holder
	Fallback  http.Handler
	Status    *StatusHolder
	Metrics   *metrics.Metrics
	Events    http.Handler
	Upstreams UpstreamSource
	Logger    *slog.Logger
}

// InternalPrefix is the path prefix of the server's own endpoints.
const InternalPrefix = "/__devproxy/"

// NewHandler builds the development server's root handler: internal
// endpoints under InternalPrefix, and the rule proxy for everything else.
// Only internal paths go through the ServeMux, which cleans and redirects
// paths; proxied paths reach the rules exactly as the client sent them.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	status := opts.Status
	if status == nil {
		status = &StatusHolder{}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /__devproxy/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /__devproxy/routes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status.Get())
	})
	if opts.Metrics != nil {
		mux.Handle("GET /__devproxy/metrics", opts.Metrics.Handler())
	}
	if opts.Events != nil {
		mux.Handle("GET /__devproxy/events", opts.Events)
	}
	if opts.Upstreams != nil {
		upstreams := opts.Upstreams
		mux.HandleFunc("GET /__devproxy/upstreams", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, upstreams.Snapshot())
		})
	}
	proxy := NewRuleProxy(opts.Rules, opts.Fallback, opts.Metrics, logger)

	return LogRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, InternalPrefix) {
			mux.ServeHTTP(w, r)
			return
		}
		proxy.ServeHTTP(w, r)
	}), logger)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
