package idp

import (
	"fmt"
	"net/url"
	"strings"
)

// LogoutStyle selects the query parameters of the provider logout location
type LogoutStyle string

const (
	// LogoutStyleCognito uses client_id and logout_uri
	LogoutStyleCognito LogoutStyle = "cognito"
	// LogoutStyleOIDC uses client_id and post_logout_redirect_uri (RP-initiated logout)
	LogoutStyleOIDC LogoutStyle = "oidc"
)

// HostedUI builds the provider's login and logout locations. The redirect
// and logout URIs are copied into the query exactly as configured, so the
// login page, the token exchange and the provider registration all see the
// same bytes.
type HostedUI struct {
	AuthorizationURL string
	EndSessionURL    string
	ClientID         string
	RedirectURI      string
	LogoutURI        string
	Scopes           []string
	Style            LogoutStyle
}

// LoginURL is where unauthenticated users are sent
func (h HostedUI) LoginURL() (string, error) {
	if h.AuthorizationURL == "" {
		return "", fmt.Errorf("authorization endpoint is not configured")
	}
	scopes := h.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	q := url.Values{
		"client_id":     {h.ClientID},
		"response_type": {"code"},
		"scope":         {strings.Join(scopes, " ")},
		"redirect_uri":  {h.RedirectURI},
	}
	return withQuery(h.AuthorizationURL, q)
}

// LogoutURL is where the browser may be sent to end the provider session
// cookie. It returns "" when the provider exposes no logout location.
func (h HostedUI) LogoutURL() (string, error) {
	if h.EndSessionURL == "" {
		return "", nil
	}
	q := url.Values{"client_id": {h.ClientID}}
	switch h.Style {
	case LogoutStyleOIDC:
		q.Set("post_logout_redirect_uri", h.LogoutURI)
	default:
		q.Set("logout_uri", h.LogoutURI)
	}
	return withQuery(h.EndSessionURL, q)
}

func withQuery(base string, q url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing %q: %w", base, err)
	}
	existing := u.Query()
	for k, vs := range q {
		existing[k] = vs
	}
	u.RawQuery = existing.Encode()
	return u.String(), nil
}
