package api

import (
	"net/http"

	"aqpredict/internal/health"
	"aqpredict/internal/observability"
)

// RouterConfig gathers everything the routing tree depends on.
type RouterConfig struct {
	Runs            Runs
	Completions     Completions
	Metrics         *observability.Metrics
	HealthChecker   *health.Checker
	Defaults        RunDefaults
	APIKey          string
	EventSigningKey string
}

// NewRouter assembles the full routing tree and middleware stack.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Runs, cfg.Completions, cfg.HealthChecker, cfg.Defaults, cfg.EventSigningKey)

	mux := http.NewServeMux()

	// Probes stay unauthenticated.
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Event ingress authenticates by payload signature, not bearer token.
	mux.HandleFunc("POST /internal/events", handler.CompletionEvent)

	protected := func(h http.HandlerFunc) http.Handler {
		return requireBearer(cfg.APIKey, h)
	}
	mux.Handle("POST /v1/runs", protected(handler.CreateRun))
	mux.Handle("GET /v1/runs", protected(handler.ListRuns))
	mux.Handle("GET /v1/runs/{runId}", protected(handler.GetRun))

	// Innermost wrap runs last; recoverPanics must see everything.
	var h http.Handler = mux
	h = enforceJSONBodies(h)
	h = allowCORS(h)
	if cfg.Metrics != nil {
		h = measureRequests(cfg.Metrics, h)
	}
	h = logRequests(h)
	h = recoverPanics(h)

	return h
}
