// Package authclient drives the browser side of the session: it tracks
// whether the user is signed in, turns a callback code into a session and
// keeps protected routes from rendering for anonymous users.
package authclient

import (
	"sync"

	"github.com/dgellow/auth-front/internal/identity"
)

// Phase is the state machine position
type Phase int

const (
	Anonymous Phase = iota
	CheckingStatus
	Authenticated
	ExchangingCode
	LoggingOut
)

func (p Phase) String() string {
	switch p {
	case Anonymous:
		return "anonymous"
	case CheckingStatus:
		return "checking_status"
	case Authenticated:
		return "authenticated"
	case ExchangingCode:
		return "exchanging_code"
	case LoggingOut:
		return "logging_out"
	default:
		return "unknown"
	}
}

// Snapshot is one consistent view of the client state
type Snapshot struct {
	Phase           Phase
	IsAuthenticated bool
	User            *identity.Claims
	Loading         bool
	LastError       error
}

// State holds the current Snapshot. Every transition replaces the whole
// snapshot, so observers never see a partially applied change.
type State struct {
	// publish serializes transitions so subscribers see them in order
	publish sync.Mutex

	mu     sync.RWMutex
	snap   Snapshot
	subs   map[int]func(Snapshot)
	nextID int
}

// NewState returns a state in the initial Anonymous phase
func NewState() *State {
	return &State{subs: make(map[int]func(Snapshot))}
}

// Snapshot returns a copy of the current state
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Subscribe registers fn for every future transition and returns a
// function that removes it. fn may read Snapshot but must not trigger
// transitions itself.
func (s *State) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *State) transition(next Snapshot) {
	s.publish.Lock()
	defer s.publish.Unlock()

	next.IsAuthenticated = next.Phase == Authenticated && next.User != nil
	if !next.IsAuthenticated {
		next.User = nil
	}

	s.mu.Lock()
	s.snap = next.clone()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next.clone())
	}
}

func (s Snapshot) clone() Snapshot {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}
