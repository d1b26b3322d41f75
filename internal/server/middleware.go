package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/auth-front/internal/cookie"
	"github.com/dgellow/auth-front/internal/i18n"
	"github.com/dgellow/auth-front/internal/identity"
	jsonwriter "github.com/dgellow/auth-front/internal/json"
	"github.com/dgellow/auth-front/internal/log"
	"github.com/dgellow/auth-front/internal/session"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// MiddlewareFunc is a function that wraps an http.Handler
type MiddlewareFunc func(http.Handler) http.Handler

// ChainMiddleware chains multiple middleware functions. The first one ends up innermost.
func ChainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

// NewCORSMiddleware lets the allow-listed SPA origins call the API with credentials.
// Requests from other origins get no CORS headers at all.
func NewCORSMiddleware(allowedOrigins []string) MiddlewareFunc {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin != "" && allowedMap[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept-Language, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// responseWriterDelegator wraps http.ResponseWriter to capture status and bytes written
// while properly delegating all optional interfaces through Unwrap
type responseWriterDelegator struct {
	http.ResponseWriter
	status      int
	written     int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriterDelegator {
	return &responseWriterDelegator{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (r *responseWriterDelegator) Status() int {
	return r.status
}

func (r *responseWriterDelegator) BytesWritten() int {
	return r.written
}

func (r *responseWriterDelegator) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseWriterDelegator) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter for interface detection
// with http.ResponseController
func (r *responseWriterDelegator) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

var _ http.ResponseWriter = (*responseWriterDelegator)(nil)

type requestIDKey struct{}

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

// NewRequestIDMiddleware reuses a sane incoming X-Request-ID or generates one
func NewRequestIDMiddleware() MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if !validRequestID(id) {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// RequestIDFromContext returns the request ID set by NewRequestIDMiddleware
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// NewLoggerMiddleware adds request/response logging
func NewLoggerMiddleware(prefix string, metrics *Metrics) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			if metrics != nil {
				metrics.requests.WithLabelValues(r.Method, strconv.Itoa(wrapped.Status())).Inc()
			}

			// Query strings are left out: the callback URL carries the authorization code.
			fields := map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       wrapped.BytesWritten(),
				"remote_addr": r.RemoteAddr,
			}
			if id := RequestIDFromContext(r.Context()); id != "" {
				fields["request_id"] = id
			}

			log.LogInfoWithFields(prefix, "request", fields)
		})
	}
}

// NewRecoverMiddleware recovers from panics and answers with the localized internal error
func NewRecoverMiddleware(prefix string, localizer *i18n.Localizer) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					log.LogErrorWithFields(prefix, "Recovered from panic", map[string]any{
						"panic":      err,
						"path":       r.URL.Path,
						"request_id": RequestIDFromContext(r.Context()),
					})
					jsonwriter.WriteInternalServerError(w, localizer.ForRequest(r, i18n.KeyInternalError))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SessionDecoder opens session cookie values
type SessionDecoder interface {
	Decode(ctx context.Context, value string) (identity.Identity, error)
}

// NewIdentityResolverMiddleware attaches the identity of the session cookie
// to every request. A missing cookie is anonymous. A cookie that cannot be
// honored is anonymous too, and the response clears it. When the cookie
// cannot be checked at all it is kept and no identity is attached, which
// handlers treat as a server error. The request itself never fails here.
func NewIdentityResolverMiddleware(codec SessionDecoder, cookies *cookie.Policy, metrics *Metrics) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity.Anonymous()

			if cookies.Present(r) {
				decoded, err := codec.Decode(r.Context(), cookies.Read(r))
				if err != nil && !errors.Is(err, session.ErrInvalid) {
					log.LogErrorWithFields("session", "Session cookie could not be checked", map[string]any{
						"error":      err.Error(),
						"request_id": RequestIDFromContext(r.Context()),
					})
					next.ServeHTTP(w, r)
					return
				}
				if err != nil {
					reason := session.Reason(err)
					if reason == "" {
						reason = "unknown"
					}
					log.LogDebugWithFields("session", "Clearing invalid session cookie", map[string]any{
						"reason":     reason,
						"error":      err.Error(),
						"request_id": RequestIDFromContext(r.Context()),
					})
					if metrics != nil {
						metrics.invalidSessions.WithLabelValues(reason).Inc()
					}
					cookies.Clear(w)
				} else {
					id = decoded
				}
			}

			next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
		})
	}
}

// clientLimiters hands out one token bucket per client address
type clientLimiters struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterIdle is how long an unused bucket is kept
const limiterIdle = 10 * time.Minute

func newClientLimiters(perMinute, burst int) *clientLimiters {
	return &clientLimiters{
		limiters:  make(map[string]*clientLimiter),
		limit:     rate.Limit(float64(perMinute) / 60),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (c *clientLimiters) allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastSweep) > limiterIdle {
		for k, l := range c.limiters {
			if now.Sub(l.lastSeen) > limiterIdle {
				delete(c.limiters, k)
			}
		}
		c.lastSweep = now
	}

	l, ok := c.limiters[key]
	if !ok {
		l = &clientLimiter{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.limiters[key] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

// NewRateLimitMiddleware limits requests per client address. With
// trustProxyHeaders the first X-Forwarded-For hop is the client.
func NewRateLimitMiddleware(perMinute, burst int, trustProxyHeaders bool, metrics *Metrics) MiddlewareFunc {
	limiters := newClientLimiters(perMinute, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientAddr(r, trustProxyHeaders)
			if !limiters.allow(key) {
				log.LogWarnWithFields("ratelimit", "Rate limit exceeded", map[string]any{
					"client":     key,
					"path":       r.URL.Path,
					"request_id": RequestIDFromContext(r.Context()),
				})
				if metrics != nil {
					metrics.rateLimited.Inc()
				}
				w.Header().Set("Retry-After", "60")
				jsonwriter.WriteTooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
