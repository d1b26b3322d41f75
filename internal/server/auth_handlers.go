package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dgellow/auth-front/internal/cookie"
	"github.com/dgellow/auth-front/internal/i18n"
	"github.com/dgellow/auth-front/internal/identity"
	"github.com/dgellow/auth-front/internal/idp"
	jsonwriter "github.com/dgellow/auth-front/internal/json"
	"github.com/dgellow/auth-front/internal/log"
	"github.com/dgellow/auth-front/internal/storage"
)

// Client-facing messages. They are part of the API contract.
const (
	MsgSuccess        = "success"
	MsgLoggedOut      = "logged out"
	MsgCodeNotFound   = "code is not found, probably expired"
	MsgCodeRequired   = "code is required"
	MsgInvalidRequest = "invalid request body"
)

// maxTokenRequestBytes bounds the body of a code exchange request
const maxTokenRequestBytes = 4 << 10

// SessionEncoder seals a token set into a cookie value
type SessionEncoder interface {
	Encode(ts *idp.TokenSet) (string, time.Time, error)
}

// CodeClaimer rejects authorization codes that were already presented.
// Release hands a claimed code back when the provider never redeemed it.
type CodeClaimer interface {
	Claim(ctx context.Context, code string) (bool, error)
	Release(ctx context.Context, code string) error
	Fingerprint(code string) string
}

var _ CodeClaimer = (*storage.CodeGuard)(nil)

// AuthHandlersConfig holds the dependencies of AuthHandlers
type AuthHandlersConfig struct {
	Client    idp.Client
	Codec     SessionEncoder
	Cookies   *cookie.Policy
	HostedUI  idp.HostedUI
	Localizer *i18n.Localizer
	Metrics   *Metrics
	// Codes is optional. Without it replays are left to the provider.
	Codes CodeClaimer
	// SignOutTimeout bounds the provider call made during logout.
	SignOutTimeout time.Duration
}

// AuthHandlers implements the /api/auth endpoints
type AuthHandlers struct {
	client         idp.Client
	codec          SessionEncoder
	cookies        *cookie.Policy
	localizer      *i18n.Localizer
	metrics        *Metrics
	codes          CodeClaimer
	signOutTimeout time.Duration

	loginURL  string
	logoutURL string
}

// NewAuthHandlers creates the handlers. The hosted UI locations are built
// once here so every response hands out the same bytes.
func NewAuthHandlers(cfg AuthHandlersConfig) (*AuthHandlers, error) {
	if cfg.Client == nil || cfg.Codec == nil || cfg.Cookies == nil {
		return nil, errors.New("client, codec and cookie policy are required")
	}
	loginURL, err := cfg.HostedUI.LoginURL()
	if err != nil {
		return nil, err
	}
	logoutURL, err := cfg.HostedUI.LogoutURL()
	if err != nil {
		return nil, err
	}
	if cfg.Localizer == nil {
		cfg.Localizer = i18n.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.SignOutTimeout == 0 {
		cfg.SignOutTimeout = 5 * time.Second
	}

	return &AuthHandlers{
		client:         cfg.Client,
		codec:          cfg.Codec,
		cookies:        cfg.Cookies,
		localizer:      cfg.Localizer,
		metrics:        cfg.Metrics,
		codes:          cfg.Codes,
		signOutTimeout: cfg.SignOutTimeout,
		loginURL:       loginURL,
		logoutURL:      logoutURL,
	}, nil
}

type tokenRequest struct {
	Code string `json:"code"`
}

// StatusResponse is the body of GET /api/auth/status
type StatusResponse struct {
	Authenticated bool             `json:"authenticated"`
	User          *identity.Claims `json:"user"`
}

// ConfigResponse is the body of GET /api/auth/config
type ConfigResponse struct {
	LoginURL  string `json:"loginUrl"`
	LogoutURL string `json:"logoutUrl,omitempty"`
}

// Exchange handles POST /api/auth/token
func (h *AuthHandlers) Exchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := RequestIDFromContext(ctx)

	var req tokenRequest
	if err := jsonwriter.Decode(r.Body, maxTokenRequestBytes, &req); err != nil {
		h.metrics.exchanges.WithLabelValues(ExchangeBadRequest).Inc()
		jsonwriter.WriteBadRequest(w, MsgInvalidRequest)
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		h.metrics.exchanges.WithLabelValues(ExchangeBadRequest).Inc()
		jsonwriter.WriteBadRequest(w, MsgCodeRequired)
		return
	}

	if h.codes != nil {
		fresh, err := h.codes.Claim(ctx, code)
		if err != nil {
			h.metrics.ledgerErrors.Inc()
		}
		if !fresh {
			log.LogInfoWithFields("auth", "Rejected replayed authorization code", map[string]any{
				"code":       h.codes.Fingerprint(code),
				"request_id": requestID,
			})
			h.metrics.exchanges.WithLabelValues(ExchangeReplay).Inc()
			jsonwriter.WriteBadRequest(w, MsgCodeNotFound)
			return
		}
	}

	start := time.Now()
	tokens, err := h.client.ExchangeCode(ctx, code)
	h.metrics.exchangeLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if idp.IsInvalidCode(err) {
			log.LogInfoWithFields("auth", "Identity provider rejected authorization code", map[string]any{
				"error":      err.Error(),
				"request_id": requestID,
			})
			h.metrics.exchanges.WithLabelValues(ExchangeInvalidCode).Inc()
			jsonwriter.WriteBadRequest(w, MsgCodeNotFound)
			return
		}
		log.LogErrorWithFields("auth", "Code exchange failed", map[string]any{
			"error":      err.Error(),
			"request_id": requestID,
		})
		if h.codes != nil && idp.CodeUnspent(err) {
			if err := h.codes.Release(context.WithoutCancel(ctx), code); err != nil {
				h.metrics.ledgerErrors.Inc()
			}
		}
		h.metrics.exchanges.WithLabelValues(ExchangeProviderUnavailable).Inc()
		h.writeInternalError(w, r)
		return
	}

	value, expiry, err := h.codec.Encode(tokens)
	if err != nil {
		log.LogErrorWithFields("auth", "Failed to encode session", map[string]any{
			"error":      err.Error(),
			"sub":        tokens.Claims.Subject,
			"request_id": requestID,
		})
		h.metrics.exchanges.WithLabelValues(ExchangeInternal).Inc()
		h.writeInternalError(w, r)
		return
	}

	h.cookies.Write(w, value, expiry)
	log.LogInfoWithFields("auth", "Session established", map[string]any{
		"sub":        tokens.Claims.Subject,
		"expires":    expiry.Format(time.RFC3339),
		"request_id": requestID,
	})
	h.metrics.exchanges.WithLabelValues(ExchangeSuccess).Inc()
	jsonwriter.WriteMessage(w, MsgSuccess)
}

// Status handles GET /api/auth/status. It only reports what the identity
// resolver found and never calls the provider.
func (h *AuthHandlers) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		log.LogErrorWithFields("auth", "Status requested without identity resolution", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
		})
		h.writeInternalError(w, r)
		return
	}

	resp := StatusResponse{}
	if id.Authenticated() {
		claims := *id.Claims
		resp = StatusResponse{Authenticated: true, User: &claims}
	}
	h.metrics.statusChecks.WithLabelValues(boolLabel(resp.Authenticated)).Inc()

	w.Header().Set("Cache-Control", "no-store")
	_ = jsonwriter.Write(w, resp)
}

// Logout handles POST /api/auth/logout. It always succeeds: provider
// sign-out is best effort and the cookie is cleared regardless.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	h.metrics.logouts.Inc()

	if id.Authenticated() {
		// The provider call outlives a client that disconnects mid-logout.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.signOutTimeout)
		err := h.client.GlobalSignOut(ctx, id)
		cancel()

		if err != nil {
			strategy := "unknown"
			var soe *idp.SignOutError
			if errors.As(err, &soe) {
				strategy = soe.Strategy
			}
			h.metrics.signOutFailures.WithLabelValues(strategy).Inc()
			log.LogWarnWithFields("auth", "Global sign-out failed, clearing local session anyway", map[string]any{
				"sub":        id.Claims.Subject,
				"error":      err.Error(),
				"request_id": RequestIDFromContext(r.Context()),
			})
		} else {
			log.LogInfoWithFields("auth", "User signed out", map[string]any{
				"sub":        id.Claims.Subject,
				"request_id": RequestIDFromContext(r.Context()),
			})
		}
	}

	h.cookies.Clear(w)
	w.Header().Set("Cache-Control", "no-store")
	jsonwriter.WriteMessage(w, MsgLoggedOut)
}

// Config handles GET /api/auth/config
func (h *AuthHandlers) Config(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, ConfigResponse{LoginURL: h.loginURL, LogoutURL: h.logoutURL})
}

func (h *AuthHandlers) writeInternalError(w http.ResponseWriter, r *http.Request) {
	jsonwriter.WriteInternalServerError(w, h.localizer.ForRequest(r, i18n.KeyInternalError))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
