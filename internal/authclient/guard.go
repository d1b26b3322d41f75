package authclient

import (
	"context"
	"net/url"
	"sync"

	"github.com/dgellow/auth-front/internal/log"
)

// Route is a navigable view
type Route struct {
	Path         string
	RequiresAuth bool
}

// Decision is the outcome of a navigation attempt
type Decision int

const (
	// Allow renders the route
	Allow Decision = iota
	// Redirect aborted the navigation and sent the browser to the login page
	Redirect
	// Deny aborted the navigation without leaving the application
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	default:
		return "deny"
	}
}

// RouteGuard runs before every navigation
type RouteGuard struct {
	controller *Controller
	nav        Navigator
}

// NewRouteGuard creates a guard over controller's state
func NewRouteGuard(controller *Controller) *RouteGuard {
	return &RouteGuard{controller: controller, nav: controller.nav}
}

// BeforeNavigate decides whether route may render. Protected routes need
// an authenticated state, checked with the backend when not known yet;
// anonymous users are sent to the provider login page.
func (g *RouteGuard) BeforeNavigate(ctx context.Context, route Route) Decision {
	if !route.RequiresAuth {
		return Allow
	}

	snap := g.controller.State().Snapshot()
	switch snap.Phase {
	case Authenticated:
		return Allow
	case LoggingOut, ExchangingCode:
		return Deny
	}

	if snap, _ = g.controller.CheckStatus(ctx); snap.IsAuthenticated {
		return Allow
	}
	if ctx.Err() != nil {
		return Deny
	}

	loginURL, err := g.controller.LoginURL(ctx)
	if err != nil {
		log.LogErrorWithFields("authclient", "No login location to redirect to", map[string]any{
			"route": route.Path,
			"error": err.Error(),
		})
		return Deny
	}
	g.nav.HardNavigate(loginURL)
	return Redirect
}

// Renderer displays a route
type Renderer interface {
	Render(route Route, snap Snapshot)
}

// RendererFunc adapts a function to Renderer
type RendererFunc func(route Route, snap Snapshot)

// Render implements Renderer
func (f RendererFunc) Render(route Route, snap Snapshot) {
	f(route, snap)
}

// Router renders routes the guard allows
type Router struct {
	guard    *RouteGuard
	state    *State
	renderer Renderer

	mu      sync.Mutex
	current *Route
}

// NewRouter creates a router
func NewRouter(guard *RouteGuard, renderer Renderer) *Router {
	return &Router{guard: guard, state: guard.controller.State(), renderer: renderer}
}

// Navigate runs the guard and renders route when allowed
func (r *Router) Navigate(ctx context.Context, route Route) Decision {
	d := r.guard.BeforeNavigate(ctx, route)
	if d != Allow {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The state may have moved on while the guard waited.
	snap := r.state.Snapshot()
	if route.RequiresAuth && !snap.IsAuthenticated {
		return Deny
	}
	r.current = &route
	r.renderer.Render(route, snap)
	return Allow
}

// Current returns the route last rendered
func (r *Router) Current() (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Route{}, false
	}
	return *r.current, true
}

// MemoryNavigator is a Navigator without a browser. It records every
// location change.
type MemoryNavigator struct {
	mu       sync.Mutex
	url      *url.URL
	replaced []string
	hard     []string
}

// NewMemoryNavigator starts at rawURL
func NewMemoryNavigator(rawURL string) (*MemoryNavigator, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &MemoryNavigator{url: u}, nil
}

// CurrentURL implements Navigator
func (n *MemoryNavigator) CurrentURL() *url.URL {
	n.mu.Lock()
	defer n.mu.Unlock()
	u := *n.url
	return &u
}

// ReplaceURL implements Navigator
func (n *MemoryNavigator) ReplaceURL(u *url.URL) {
	n.mu.Lock()
	defer n.mu.Unlock()
	copied := *u
	n.url = &copied
	n.replaced = append(n.replaced, u.String())
}

// HardNavigate implements Navigator
func (n *MemoryNavigator) HardNavigate(location string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hard = append(n.hard, location)
	if u, err := url.Parse(location); err == nil {
		n.url = u
	}
}

// Replaced lists the ReplaceURL calls
func (n *MemoryNavigator) Replaced() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.replaced...)
}

// HardNavigations lists the HardNavigate calls
func (n *MemoryNavigator) HardNavigations() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.hard...)
}
