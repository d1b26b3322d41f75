package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dgellow/auth-front/internal/cookie"
	jsonwriter "github.com/dgellow/auth-front/internal/json"
	"github.com/dgellow/auth-front/internal/log"
	"github.com/go-chi/chi/v5"
)

// HTTPServer manages the HTTP server lifecycle
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer creates a new HTTP server with the given handler and address
func NewHTTPServer(handler http.Handler, addr string) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// HealthHandler handles health check requests
type HealthHandler struct{}

// NewHealthHandler creates a new health handler
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// ServeHTTP implements http.Handler for health checks
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// RouterConfig holds what NewRouter wires together
type RouterConfig struct {
	Handlers          *AuthHandlers
	Sessions          SessionDecoder
	Cookies           *cookie.Policy
	Metrics           *Metrics
	AllowedOrigins    []string
	RateLimit         int
	RateBurst         int
	TrustProxyHeaders bool
}

// NewRouter builds the HTTP surface. The identity resolver runs for every
// request before routing.
func NewRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handlers

	r := chi.NewRouter()
	r.Use(
		NewRecoverMiddleware("http", h.localizer),
		NewRequestIDMiddleware(),
		NewLoggerMiddleware("http", cfg.Metrics),
		NewCORSMiddleware(cfg.AllowedOrigins),
		NewIdentityResolverMiddleware(cfg.Sessions, cfg.Cookies, cfg.Metrics),
	)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonwriter.WriteNotFound(w, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		jsonwriter.WriteMethodNotAllowed(w)
	})

	r.Method(http.MethodGet, "/health", NewHealthHandler())
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api/auth", func(r chi.Router) {
		tokenHandler := http.Handler(http.HandlerFunc(h.Exchange))
		if cfg.RateLimit > 0 {
			tokenHandler = NewRateLimitMiddleware(cfg.RateLimit, cfg.RateBurst, cfg.TrustProxyHeaders, cfg.Metrics)(tokenHandler)
		}
		r.Method(http.MethodPost, "/token", tokenHandler)
		r.Get("/status", h.Status)
		r.Post("/logout", h.Logout)
		r.Get("/config", h.Config)
	})

	return r
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	log.LogInfoWithFields("http", "HTTP server starting", map[string]any{
		"addr": h.server.Addr,
	})

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener
func (h *HTTPServer) Serve(l net.Listener) error {
	log.LogInfoWithFields("http", "HTTP server starting", map[string]any{
		"addr": l.Addr().String(),
	})

	if err := h.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	log.LogInfoWithFields("http", "HTTP server stopping", map[string]any{
		"addr": h.server.Addr,
	})

	if err := h.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.LogInfoWithFields("http", "HTTP server stopped", map[string]any{
		"addr": h.server.Addr,
	})
	return nil
}
