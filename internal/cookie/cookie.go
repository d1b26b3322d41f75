package cookie

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/dgellow/auth-front/internal/log"
)

// DefaultSessionCookie is the session cookie name used when none is configured
const DefaultSessionCookie = "auth_front_session"

// Policy decides the attributes of the session cookie. Every cookie it
// writes is HttpOnly, Secure, SameSite and scoped to Path=/.
type Policy struct {
	name     string
	sameSite http.SameSite
	domain   string
	now      func() time.Time
}

// Option configures a Policy
type Option func(*Policy)

// WithDomain scopes the cookie to a parent domain
func WithDomain(domain string) Option {
	return func(p *Policy) { p.domain = domain }
}

// WithClock overrides the time source used to compute Max-Age
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// NewPolicy creates a cookie policy. sameSite must be "lax" or "strict";
// an empty value means lax.
func NewPolicy(name, sameSite string, opts ...Option) (*Policy, error) {
	if name == "" {
		name = DefaultSessionCookie
	}
	mode, err := ParseSameSite(sameSite)
	if err != nil {
		return nil, err
	}
	p := &Policy{name: name, sameSite: mode, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ParseSameSite accepts lax or strict. None is refused because it would
// let the session ride on cross-site requests.
func ParseSameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(s) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	default:
		return 0, fmt.Errorf("unsupported sameSite %q: must be lax or strict", s)
	}
}

// Name returns the session cookie name
func (p *Policy) Name() string {
	return p.name
}

func (p *Policy) base(value string) *http.Cookie {
	return &http.Cookie{
		Name:     p.name,
		Value:    value,
		Path:     "/",
		Domain:   p.domain,
		HttpOnly: true,
		Secure:   true,
		SameSite: p.sameSite,
	}
}

// Session builds the session cookie for value, expiring at expiry
func (p *Policy) Session(value string, expiry time.Time) *http.Cookie {
	c := p.base(value)
	remaining := expiry.Sub(p.now())
	if remaining <= 0 {
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0).UTC()
		return c
	}
	c.MaxAge = int(math.Ceil(remaining.Seconds()))
	c.Expires = expiry.UTC()
	return c
}

// Cleared builds a cookie that makes the browser drop the session
func (p *Policy) Cleared() *http.Cookie {
	c := p.base("")
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0).UTC()
	return c
}

// Write sets the session cookie on the response, replacing any session
// cookie already queued on it.
func (p *Policy) Write(w http.ResponseWriter, value string, expiry time.Time) {
	c := p.Session(value, expiry)
	p.set(w, c)

	log.LogTraceWithFields("cookie", "Session cookie set", map[string]any{
		"maxAge":   c.MaxAge,
		"sameSite": sameSiteName(p.sameSite),
	})
}

// Clear queues the cleared session cookie on the response
func (p *Policy) Clear(w http.ResponseWriter) {
	p.set(w, p.Cleared())
	log.LogTraceWithFields("cookie", "Session cookie cleared", nil)
}

// Read returns the session cookie value, or "" when absent
func (p *Policy) Read(r *http.Request) string {
	c, err := r.Cookie(p.name)
	if err != nil {
		return ""
	}
	return c.Value
}

// Present reports whether the request carried the session cookie at all
func (p *Policy) Present(r *http.Request) bool {
	_, err := r.Cookie(p.name)
	return err == nil
}

func (p *Policy) set(w http.ResponseWriter, c *http.Cookie) {
	h := w.Header()
	prefix := p.name + "="
	var kept []string
	for _, v := range h.Values("Set-Cookie") {
		if !strings.HasPrefix(v, prefix) {
			kept = append(kept, v)
		}
	}
	h.Del("Set-Cookie")
	for _, v := range kept {
		h.Add("Set-Cookie", v)
	}
	if v := c.String(); v != "" {
		h.Add("Set-Cookie", v)
	}
}

func sameSiteName(s http.SameSite) string {
	if s == http.SameSiteStrictMode {
		return "Strict"
	}
	return "Lax"
}
