package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docgate.io/internal/auth"
	"docgate.io/internal/obs"
)

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// API: HTTP слой над auth.Service.
type API struct {
	mux          *http.ServeMux
	svc          *auth.Service
	checks       map[string]Pinger
	version      string
	limiter      *RateLimiter
	proxies      *TrustedProxies
	maxBodyBytes int64
	logger       *slog.Logger
}

type Option func(*API)

// WithReadiness registers a named dependency for /readyz.
func WithReadiness(name string, p Pinger) Option {
	return func(a *API) {
		if p != nil {
			a.checks[name] = p
		}
	}
}

func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithRateLimiter throttles the /v1/auth endpoints.
func WithRateLimiter(l *RateLimiter) Option {
	return func(a *API) { a.limiter = l }
}

// WithTrustedProxies lets listed proxies supply the client address through
// X-Forwarded-For.
func WithTrustedProxies(p *TrustedProxies) Option {
	return func(a *API) { a.proxies = p }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

func New(svc *auth.Service, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		svc:          svc,
		checks:       make(map[string]Pinger),
		version:      "dev",
		maxBodyBytes: 1 << 20,
		logger:       obs.Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	authRoutes := map[string]http.HandlerFunc{
		"/v1/auth/login":    a.handleLogin,
		"/v1/auth/register": a.handleRegister,
		"/v1/auth/refresh":  a.handleRefresh,
		"/v1/auth/logout":   a.handleLogout,
	}
	for path, h := range authRoutes {
		var handler http.Handler = h
		if a.limiter != nil {
			handler = a.limiter.Middleware(handler)
		}
		a.mux.Handle(path, handler)
	}
	a.mux.Handle("/v1/auth/me", a.requireAuth(http.HandlerFunc(a.handleMe)))

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
	})
	return a
}

// Handler returns the fully wrapped handler for http.Server.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = SecurityHeaders(h)
	h = Logging(a.logger, h)
	return RequestID(a.proxies, h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "docgate",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, p := range a.checks {
		if err := p.Ping(ctx); err != nil {
			a.logger.Warn("readiness check failed", "check", name, "error", err)
			failed[name] = "unavailable"
		}
	}
	if len(failed) > 0 {
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"checks": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return errors.New("malformed JSON body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
