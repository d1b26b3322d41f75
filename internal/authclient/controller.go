package authclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/dgellow/auth-front/internal/crypto"
	"github.com/dgellow/auth-front/internal/log"
	"golang.org/x/sync/singleflight"
)

// ErrSessionNotEstablished is surfaced when an exchange succeeded but the
// follow-up status check still reports an anonymous user.
var ErrSessionNotEstablished = errors.New("session was not established")

// Navigator is the browser location the controller reads and changes
type Navigator interface {
	CurrentURL() *url.URL
	// ReplaceURL changes the location without adding a history entry.
	ReplaceURL(u *url.URL)
	// HardNavigate leaves the application and loads location from scratch.
	HardNavigate(location string)
}

// ControllerConfig holds the dependencies of a Controller
type ControllerConfig struct {
	API       API
	State     *State
	Navigator Navigator
	// LoginURL is fetched from the backend when empty.
	LoginURL string
	HomeURL  string
	// LoginState, when set, adds a state parameter to every login location
	// and rejects callbacks that do not return it.
	LoginState LoginStateStore
}

// Controller runs every state transition. Each operation takes a ticket
// from one monotonic counter. Exchanges and logouts also raise a barrier
// to their ticket: status answers from before the barrier are dropped, and
// an exchange or logout result is applied only while its barrier stands.
// Status checks do not supersede each other since they all ask the same
// question about the same cookie. Concurrent exchanges of one code share a
// single request, since the backend accepts a code only once.
type Controller struct {
	api   API
	state *State
	nav   Navigator
	home  string

	loginState LoginStateStore

	mu       sync.RWMutex
	loginURL string

	status    singleflight.Group
	exchanges singleflight.Group
	ticket    atomic.Uint64
	barrier atomic.Uint64
}

// NewController creates a controller
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("API is required")
	}
	if cfg.Navigator == nil {
		return nil, fmt.Errorf("navigator is required")
	}
	if cfg.State == nil {
		cfg.State = NewState()
	}
	if cfg.HomeURL == "" {
		cfg.HomeURL = "/"
	}
	return &Controller{
		api:      cfg.API,
		state:    cfg.State,
		nav:      cfg.Navigator,
		home:       cfg.HomeURL,
		loginURL:   cfg.LoginURL,
		loginState: cfg.LoginState,
	}, nil
}

// State returns the state the controller drives
func (c *Controller) State() *State {
	return c.state
}

// LoginURL returns the provider login location. With a LoginStateStore
// every call starts a new login with a fresh state.
func (c *Controller) LoginURL(ctx context.Context) (string, error) {
	base, err := c.baseLoginURL(ctx)
	if err != nil || c.loginState == nil {
		return base, err
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing login URL: %w", err)
	}
	state, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("generating login state: %w", err)
	}
	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()
	c.loginState.Put(state)
	return u.String(), nil
}

func (c *Controller) baseLoginURL(ctx context.Context) (string, error) {
	c.mu.RLock()
	loginURL := c.loginURL
	c.mu.RUnlock()
	if loginURL != "" {
		return loginURL, nil
	}

	cfg, err := c.api.Config(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching auth config: %w", err)
	}
	if cfg.LoginURL == "" {
		return "", fmt.Errorf("backend returned no login URL")
	}
	c.mu.Lock()
	c.loginURL = cfg.LoginURL
	c.mu.Unlock()
	return cfg.LoginURL, nil
}

func (c *Controller) takeStatus() uint64 {
	return c.ticket.Add(1)
}

func (c *Controller) takeBarrier() uint64 {
	t := c.ticket.Add(1)
	for {
		cur := c.barrier.Load()
		if t <= cur || c.barrier.CompareAndSwap(cur, t) {
			return t
		}
	}
}

// applyStatus installs next unless an exchange or logout started after t
func (c *Controller) applyStatus(t uint64, next Snapshot) bool {
	if c.barrier.Load() > t {
		discarded(next)
		return false
	}
	c.state.transition(next)
	return true
}

// applyBarrier installs next while t is still the newest barrier
func (c *Controller) applyBarrier(t uint64, next Snapshot) bool {
	if c.barrier.Load() != t {
		discarded(next)
		return false
	}
	c.state.transition(next)
	return true
}

func discarded(next Snapshot) {
	log.LogTraceWithFields("authclient", "Discarding stale result", map[string]any{
		"phase": next.Phase.String(),
	})
}

// CheckStatus asks the backend whether the session cookie is valid.
// Concurrent callers share one request. A failed check leaves the user
// anonymous; the error is returned for the caller's information only.
// While an exchange or logout runs the current state is returned as is.
// A caller that gives up early gets the previous state back, and the
// shared request settles the state once it answers.
func (c *Controller) CheckStatus(ctx context.Context) (Snapshot, error) {
	if snap := c.state.Snapshot(); snap.Phase == LoggingOut || snap.Phase == ExchangingCode {
		return snap, nil
	}

	t := c.takeStatus()
	prev := c.state.Snapshot()
	c.applyStatus(t, Snapshot{Phase: CheckingStatus, Loading: true, LastError: prev.LastError})

	ch := c.statusCall(ctx)
	select {
	case r := <-ch:
		return c.settleStatus(t, prev, r)
	case <-ctx.Done():
		c.applyStatus(t, prev)
		go func() { _, _ = c.settleStatus(t, prev, <-ch) }()
		return c.state.Snapshot(), ctx.Err()
	}
}

func (c *Controller) settleStatus(t uint64, prev Snapshot, r singleflight.Result) (Snapshot, error) {
	if r.Err != nil {
		log.LogDebugWithFields("authclient", "Status check failed, treating as anonymous", map[string]any{
			"error": r.Err.Error(),
		})
		c.applyStatus(t, Snapshot{Phase: Anonymous, LastError: prev.LastError})
		return c.state.Snapshot(), r.Err
	}
	c.applyStatus(t, statusSnapshot(r.Val.(StatusResult), prev.LastError))
	return c.state.Snapshot(), nil
}

// statusCall joins the in-flight status request or starts one. The
// request is not tied to any single caller's context.
func (c *Controller) statusCall(ctx context.Context) <-chan singleflight.Result {
	return c.status.DoChan("status", func() (any, error) {
		return c.api.Status(context.WithoutCancel(ctx))
	})
}

func (c *Controller) sharedStatus(ctx context.Context) (StatusResult, error) {
	select {
	case r := <-c.statusCall(ctx):
		if r.Err != nil {
			return StatusResult{}, r.Err
		}
		return r.Val.(StatusResult), nil
	case <-ctx.Done():
		return StatusResult{}, ctx.Err()
	}
}

func statusSnapshot(res StatusResult, lastErr error) Snapshot {
	if res.Authenticated && res.User != nil {
		return Snapshot{Phase: Authenticated, User: res.User}
	}
	return Snapshot{Phase: Anonymous, LastError: lastErr}
}

// ExchangeCode turns an authorization code into a session. It does
// nothing when the user is already authenticated. A call for a code that
// is already being exchanged waits for that exchange and shares its result.
func (c *Controller) ExchangeCode(ctx context.Context, code string) error {
	if c.state.Snapshot().Phase == Authenticated {
		return nil
	}

	ch := c.exchanges.DoChan(code, func() (any, error) {
		return nil, c.exchange(ctx, code)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) exchange(ctx context.Context, code string) error {
	t := c.takeBarrier()
	c.applyBarrier(t, Snapshot{Phase: ExchangingCode, Loading: true})

	if err := c.api.Exchange(ctx, code); err != nil {
		log.LogInfoWithFields("authclient", "Code exchange failed", map[string]any{
			"error":      err.Error(),
			"definitive": IsDefinitive(err),
		})
		c.applyBarrier(t, Snapshot{Phase: Anonymous, LastError: err})
		return err
	}

	c.applyBarrier(t, Snapshot{Phase: CheckingStatus, Loading: true})
	// a request already in flight was sent without the new cookie
	c.status.Forget("status")
	res, err := c.sharedStatus(ctx)
	if err != nil {
		c.applyBarrier(t, Snapshot{Phase: Anonymous, LastError: err})
		return err
	}
	if !res.Authenticated || res.User == nil {
		c.applyBarrier(t, Snapshot{Phase: Anonymous, LastError: ErrSessionNotEstablished})
		return ErrSessionNotEstablished
	}
	c.applyBarrier(t, Snapshot{Phase: Authenticated, User: res.User})
	return nil
}

// Bootstrap runs once when the application loads. A code in the current
// URL is exchanged and then removed from the URL unless the failure was
// ambiguous; without a code the existing session is checked.
func (c *Controller) Bootstrap(ctx context.Context) error {
	current := c.nav.CurrentURL()
	code := ""
	if current != nil {
		code = current.Query().Get("code")
	}
	if code == "" {
		_, err := c.CheckStatus(ctx)
		return err
	}
	if c.loginState != nil && !c.loginState.Match(current.Query().Get("state")) {
		log.LogWarnWithFields("authclient", "Dropping callback with unknown login state", nil)
		c.nav.ReplaceURL(withoutCallbackParams(current))
		if c.state.Snapshot().Phase != Authenticated {
			c.applyStatus(c.takeStatus(), Snapshot{Phase: Anonymous, LastError: ErrLoginStateMismatch})
		}
		return ErrLoginStateMismatch
	}

	err := c.ExchangeCode(ctx, code)
	if err == nil || IsDefinitive(err) || errors.Is(err, ErrSessionNotEstablished) {
		c.nav.ReplaceURL(withoutCallbackParams(current))
	}
	return err
}

// Logout ends the session. Backend failures are ignored: the user always
// ends up anonymous and the application is reloaded from home.
func (c *Controller) Logout(ctx context.Context) {
	t := c.takeBarrier()
	c.applyBarrier(t, Snapshot{Phase: LoggingOut, Loading: true})

	if err := c.api.Logout(ctx); err != nil {
		log.LogWarnWithFields("authclient", "Backend logout failed, continuing", map[string]any{
			"error": err.Error(),
		})
	}

	// a status request already in flight still carries the old cookie
	c.status.Forget("status")
	c.state.transition(Snapshot{Phase: Anonymous})
	// results of anything started while logging out are dropped
	c.takeBarrier()
	c.nav.HardNavigate(c.home)
}

func withoutCallbackParams(u *url.URL) *url.URL {
	cleaned := *u
	q := cleaned.Query()
	q.Del("code")
	q.Del("state")
	cleaned.RawQuery = q.Encode()
	return &cleaned
}
