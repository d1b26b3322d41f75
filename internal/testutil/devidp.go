package testutil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/dgellow/auth-front/internal/devidp"
	"github.com/stretchr/testify/require"
)

// Dev identity provider defaults used across end-to-end tests
const (
	DevClientID     = "spa-client"
	DevClientSecret = "spa-client-secret"
	DevRedirectURI  = "https://app.example.com"
)

// StartDevIDP runs a dev identity provider on a loopback listener. mutate,
// when non-nil, adjusts the config before the provider is built.
func StartDevIDP(t testing.TB, mutate func(*devidp.Config)) (*devidp.Provider, *httptest.Server) {
	t.Helper()

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := devidp.Config{
		Issuer:       srv.URL,
		ClientID:     DevClientID,
		ClientSecret: DevClientSecret,
		RedirectURIs: []string{DevRedirectURI},
		LogoutURIs:   []string{DevRedirectURI},
		User: devidp.User{
			Subject:       Alice.Subject,
			Email:         Alice.Email,
			EmailVerified: Alice.EmailVerified,
			Username:      Alice.Username,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	provider, err := devidp.New(cfg)
	require.NoError(t, err)
	handler = provider.Handler()
	return provider, srv
}

// AuthorizeCode walks the authorize endpoint the way a browser would and
// returns the code handed to redirectURI.
func AuthorizeCode(t testing.TB, issuer, clientID, redirectURI string) string {
	t.Helper()

	q := url.Values{
		"client_id":     {clientID},
		"response_type": {"code"},
		"scope":         {"openid email profile"},
		"redirect_uri":  {redirectURI},
		"state":         {"state-0123456789"},
	}
	resp, err := NoRedirectClient().Get(issuer + devidp.AuthorizePath + "?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Contains(t, []int{http.StatusFound, http.StatusSeeOther}, resp.StatusCode, "authorize should redirect")
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc.String(), redirectURI), "redirected to %s", loc)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code, "no code in %s", loc)
	return code
}

// NoRedirectClient returns a client that reports redirects instead of following them
func NoRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
