// Package httpapi is the HTTP surface of the auth service: token lifecycle
// endpoints, JWKS discovery, and the event-log feed consumed by downstream
// projectors.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"authmesh.org/internal/auth"
	"authmesh.org/internal/event"
	"authmesh.org/internal/keys"
	"authmesh.org/internal/obs"
)

const (
	defaultPollWindow    = 25 * time.Second
	defaultRateBurst     = 20
	defaultRatePerSecond = 10
)

// ReadyProbe checks downstream readiness (DB ping when configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	keys       *keys.KeyStore
	log        *event.Log
	readyProbe ReadyProbe
	version    string
	pollWindow time.Duration

	rateBurst     int
	ratePerSecond int
}

// Option configures the API.
type Option func(*API)

// WithPollWindow overrides how long an event poll blocks before returning
// 204 (tests shrink this).
func WithPollWindow(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.pollWindow = d
		}
	}
}

// WithRateLimit overrides the credential-endpoint throttle.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 {
			a.rateBurst = burst
		}
		if perSecond > 0 {
			a.ratePerSecond = perSecond
		}
	}
}

// New wires routes. The event log may be nil when event serving is disabled.
func New(svc *auth.Service, ks *keys.KeyStore, log *event.Log, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		keys:       ks,
		log:        log,
		readyProbe: rp,
		version:    version,
		pollWindow: defaultPollWindow,

		rateBurst:     defaultRateBurst,
		ratePerSecond: defaultRatePerSecond,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("GET /.well-known/jwks.json", a.JWKS)

	a.mux.HandleFunc("POST /v1/auth/register", a.Register)
	a.mux.HandleFunc("POST /v1/auth/login", a.Login)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.Refresh)

	if a.log != nil {
		a.mux.HandleFunc("GET /v1/events/meta", a.EventsMeta)
		a.mux.HandleFunc("GET /v1/events/{partition}", a.EventsPoll)
		a.mux.HandleFunc("POST /v1/events/{partition}/commit", a.EventsCommit)
	}

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	// Credential endpoints are rate limited per client IP; the event feed
	// long-polls and must stay exempt.
	h = RateLimit(h, a.rateBurst, a.ratePerSecond, "/v1/auth/")
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authmesh-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "authmesh-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// JWKS serves the public signing keys for remote verifiers. The kid is
// stable for the lifetime of the key, so verifiers may cache by it.
func (a *API) JWKS(w http.ResponseWriter, r *http.Request) {
	data, err := a.keys.MarshalJWKS()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "key set unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
