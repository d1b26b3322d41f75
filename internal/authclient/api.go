package authclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dgellow/auth-front/internal/identity"
)

// API is the backend surface the controller drives
type API interface {
	Exchange(ctx context.Context, code string) error
	Status(ctx context.Context) (StatusResult, error)
	Logout(ctx context.Context) error
	Config(ctx context.Context) (ClientConfig, error)
}

// StatusResult mirrors GET /api/auth/status
type StatusResult struct {
	Authenticated bool             `json:"authenticated"`
	User          *identity.Claims `json:"user"`
}

// ClientConfig mirrors GET /api/auth/config
type ClientConfig struct {
	LoginURL  string `json:"loginUrl"`
	LogoutURL string `json:"logoutUrl,omitempty"`
}

// APIError is a non-2xx answer from the backend
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth api returned %d: %s", e.StatusCode, e.Message)
}

// IsDefinitive reports whether a failed exchange can never succeed on
// retry. The backend answers 400 for codes that are spent, expired or
// were issued for another redirect. Transport failures and 5xx are
// ambiguous.
func IsDefinitive(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
}
