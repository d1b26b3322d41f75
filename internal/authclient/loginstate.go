package authclient

import (
	"crypto/subtle"
	"errors"
	"sync"
)

// ErrLoginStateMismatch is returned by Bootstrap when a callback carries a
// state parameter this client never sent to the provider.
var ErrLoginStateMismatch = errors.New("login state does not match")

// LoginStateStore keeps the state parameter of the last login across the
// round trip to the provider. In a browser this is session storage.
type LoginStateStore interface {
	Put(state string)
	// Match reports whether state is the one last put.
	Match(state string) bool
}

// MemoryLoginState is a LoginStateStore held in memory
type MemoryLoginState struct {
	mu    sync.Mutex
	state string
}

// Put implements LoginStateStore
func (m *MemoryLoginState) Put(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

// Match implements LoginStateStore
func (m *MemoryLoginState) Match(state string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != "" && subtle.ConstantTimeCompare([]byte(m.state), []byte(state)) == 1
}
