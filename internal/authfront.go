package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgellow/auth-front/internal/config"
	"github.com/dgellow/auth-front/internal/cookie"
	"github.com/dgellow/auth-front/internal/i18n"
	"github.com/dgellow/auth-front/internal/idp"
	"github.com/dgellow/auth-front/internal/log"
	"github.com/dgellow/auth-front/internal/server"
	"github.com/dgellow/auth-front/internal/session"
	"github.com/dgellow/auth-front/internal/storage"
	"golang.org/x/sync/errgroup"
)

// AuthFront is the session backend with all dependencies built
type AuthFront struct {
	config     config.Config
	handler    http.Handler
	httpServer *server.HTTPServer
	ledger     storage.CodeLedger
	metrics    *server.Metrics
}

// Option configures NewAuthFront
type Option func(*options)

type options struct {
	httpClient *http.Client
}

// WithHTTPClient sets the client used to reach the identity provider
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// NewAuthFront discovers the identity provider and builds the HTTP surface
func NewAuthFront(ctx context.Context, cfg config.Config, opts ...Option) (*AuthFront, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	config.ApplyDefaults(&cfg)

	log.LogInfoWithFields("authfront", "Building session backend", map[string]any{
		"issuer": cfg.IDP.Issuer,
		"ledger": string(cfg.Ledger.Kind),
		"addr":   cfg.Server.Addr,
	})

	provider, err := idp.NewProvider(ctx, cfg.IDP, o.httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to setup identity provider: %w", err)
	}

	previous := make([][]byte, 0, len(cfg.Session.PreviousSecrets))
	for _, s := range cfg.Session.PreviousSecrets {
		previous = append(previous, []byte(s))
	}
	codec, err := session.NewCodec([]byte(cfg.Session.Secret), provider.Verifier, session.WithPreviousSecrets(previous...))
	if err != nil {
		return nil, fmt.Errorf("failed to setup session codec: %w", err)
	}

	var cookieOpts []cookie.Option
	if cfg.Session.Domain != "" {
		cookieOpts = append(cookieOpts, cookie.WithDomain(cfg.Session.Domain))
	}
	cookies, err := cookie.NewPolicy(cfg.Session.CookieName, cfg.Session.SameSite, cookieOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to setup cookie policy: %w", err)
	}

	ledger, err := storage.NewLedger(ctx, cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("failed to setup code ledger: %w", err)
	}
	codes, err := storage.NewCodeGuard(ledger, []byte(cfg.Session.Secret), cfg.Ledger.TTL)
	if err != nil {
		_ = ledger.Close()
		return nil, fmt.Errorf("failed to setup code guard: %w", err)
	}

	metrics := server.NewMetrics()
	handlers, err := server.NewAuthHandlers(server.AuthHandlersConfig{
		Client:    provider.Client,
		Codec:     codec,
		Cookies:   cookies,
		HostedUI:  provider.HostedUI,
		Localizer: i18n.New(),
		Metrics:   metrics,
		Codes:     codes,
	})
	if err != nil {
		_ = ledger.Close()
		return nil, fmt.Errorf("failed to setup auth handlers: %w", err)
	}

	handler := server.NewRouter(server.RouterConfig{
		Handlers:          handlers,
		Sessions:          codec,
		Cookies:           cookies,
		Metrics:           metrics,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		RateLimit:         cfg.Server.RateLimit.RequestsPerMinute,
		RateBurst:         cfg.Server.RateLimit.Burst,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	})

	return &AuthFront{
		config:     cfg,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
		ledger:     ledger,
		metrics:    metrics,
	}, nil
}

// Handler returns the HTTP surface
func (a *AuthFront) Handler() http.Handler {
	return a.handler
}

// Metrics returns the collectors the handlers report to
func (a *AuthFront) Metrics() *server.Metrics {
	return a.metrics
}

// Run serves on the configured address until ctx ends, SIGINT or SIGTERM
// arrives, or the server fails. It then shuts down gracefully.
func (a *AuthFront) Run(ctx context.Context) error {
	return a.run(ctx, a.httpServer.Start)
}

// Serve is Run on an existing listener
func (a *AuthFront) Serve(ctx context.Context, l net.Listener) error {
	return a.run(ctx, func() error { return a.httpServer.Serve(l) })
}

func (a *AuthFront) run(ctx context.Context, serve func() error) error {
	log.LogInfoWithFields("authfront", "Starting session backend", map[string]any{
		"addr": a.config.Server.Addr,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := serve(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		reason := "context cancelled"
		if ctx.Err() == nil {
			reason = "server error"
		}
		log.LogInfoWithFields("authfront", "Starting graceful shutdown", map[string]any{
			"reason":  reason,
			"timeout": a.config.Server.ShutdownTimeout.String(),
		})

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.Server.ShutdownTimeout)
		defer cancel()
		return a.httpServer.Stop(shutdownCtx)
	})

	err := g.Wait()
	if cerr := a.ledger.Close(); cerr != nil {
		log.LogErrorWithFields("authfront", "Code ledger close error", map[string]any{
			"error": cerr.Error(),
		})
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.LogErrorWithFields("authfront", "Session backend stopped with error", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	log.LogInfoWithFields("authfront", "Graceful shutdown completed", nil)
	return nil
}

// Close releases resources without serving
func (a *AuthFront) Close() error {
	return a.ledger.Close()
}
