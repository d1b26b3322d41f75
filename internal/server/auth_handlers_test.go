package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/auth-front/internal/cookie"
	"github.com/dgellow/auth-front/internal/i18n"
	"github.com/dgellow/auth-front/internal/identity"
	"github.com/dgellow/auth-front/internal/idtoken"
	"github.com/dgellow/auth-front/internal/idp"
	"github.com/dgellow/auth-front/internal/session"
	"github.com/dgellow/auth-front/internal/storage"
	"github.com/dgellow/auth-front/internal/testutil"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type mockIDPClient struct {
	mock.Mock
}

func (m *mockIDPClient) ExchangeCode(ctx context.Context, code string) (*idp.TokenSet, error) {
	args := m.Called(ctx, code)
	ts, _ := args.Get(0).(*idp.TokenSet)
	return ts, args.Error(1)
}

func (m *mockIDPClient) GlobalSignOut(ctx context.Context, id identity.Identity) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type testEnv struct {
	issuer  *testutil.Issuer
	client  *mockIDPClient
	codec   *session.Codec
	cookies *cookie.Policy
	metrics *Metrics
	ledger  *storage.MemoryLedger
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	issuer := testutil.NewIssuer(t)
	codec, err := session.NewCodec(testSecret, issuer.Verifier(t))
	require.NoError(t, err)
	cookies, err := cookie.NewPolicy(cookie.DefaultSessionCookie, "lax")
	require.NoError(t, err)

	ledger := storage.NewMemoryLedger(context.Background(), 0)
	t.Cleanup(func() { _ = ledger.Close() })
	guard, err := storage.NewCodeGuard(ledger, testSecret, time.Minute)
	require.NoError(t, err)

	client := &mockIDPClient{}
	metrics := NewMetrics()
	handlers, err := NewAuthHandlers(AuthHandlersConfig{
		Client:    client,
		Codec:     codec,
		Cookies:   cookies,
		HostedUI:  testHostedUI(issuer.ClientID),
		Localizer: i18n.New(),
		Metrics:   metrics,
		Codes:     guard,
	})
	require.NoError(t, err)

	return &testEnv{
		issuer:  issuer,
		client:  client,
		codec:   codec,
		cookies: cookies,
		metrics: metrics,
		ledger:  ledger,
		handler: NewRouter(RouterConfig{
			Handlers: handlers,
			Sessions: codec,
			Cookies:  cookies,
			Metrics:  metrics,
		}),
	}
}

func testHostedUI(clientID string) idp.HostedUI {
	return idp.HostedUI{
		AuthorizationURL: "https://idp.example.com/oauth2/authorize",
		EndSessionURL:    "https://idp.example.com/logout",
		ClientID:         clientID,
		RedirectURI:      "https://app.example.com",
		LogoutURI:        "https://app.example.com",
	}
}

func (e *testEnv) hostedUI() idp.HostedUI {
	return testHostedUI(e.issuer.ClientID)
}

func (e *testEnv) tokenSet(t *testing.T) *idp.TokenSet {
	now := time.Now()
	return &idp.TokenSet{
		AccessToken:       "access-token",
		IDToken:           e.issuer.IDToken(t, testutil.Alice, time.Hour),
		AccessTokenExpiry: now.Add(time.Hour),
		IDTokenExpiry:     now.Add(time.Hour),
		Claims:            testutil.Alice,
	}
}

func (e *testEnv) sessionCookie(t *testing.T) *http.Cookie {
	value, expiry, err := e.codec.Encode(e.tokenSet(t))
	require.NoError(t, err)
	return e.cookies.Session(value, expiry)
}

func (e *testEnv) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func tokenRequestFor(code string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(`{"code":"`+code+`"}`))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), "body: %s", w.Body.String())
	return body
}

func sessionSetCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	var found *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == cookie.DefaultSessionCookie {
			require.Nil(t, found, "only one session cookie per response")
			found = c
		}
	}
	require.NotNil(t, found, "expected a session Set-Cookie")
	assert.True(t, found.HttpOnly)
	assert.True(t, found.Secure)
	assert.Equal(t, "/", found.Path)
	assert.Equal(t, http.SameSiteLaxMode, found.SameSite)
	return found
}

// A valid code works once; presenting it again is rejected.
func TestExchangeSingleUse(t *testing.T) {
	env := newTestEnv(t)
	env.client.On("ExchangeCode", mock.Anything, "abc123").Return(env.tokenSet(t), nil).Once()

	w := env.do(tokenRequestFor("abc123"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]any{"message": "success"}, decodeBody(t, w))
	c := sessionSetCookie(t, w)
	assert.NotEmpty(t, c.Value)
	assert.Greater(t, c.MaxAge, 3500)
	assert.NotContains(t, w.Body.String(), "access-token")

	w = env.do(tokenRequestFor("abc123"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, map[string]any{"error": "code is not found, probably expired"}, decodeBody(t, w))

	env.client.AssertNumberOfCalls(t, "ExchangeCode", 1)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(env.metrics.exchanges.WithLabelValues(ExchangeReplay)))
}

func TestExchangeErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		lang       string
		exchange   error
		wantStatus int
		wantError  string
		wantResult string
	}{
		{
			name:       "malformed body",
			body:       `{"code":`,
			wantStatus: http.StatusBadRequest,
			wantError:  MsgInvalidRequest,
			wantResult: ExchangeBadRequest,
		},
		{
			name:       "missing code",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantError:  MsgCodeRequired,
			wantResult: ExchangeBadRequest,
		},
		{
			name:       "blank code",
			body:       `{"code":"   "}`,
			wantStatus: http.StatusBadRequest,
			wantError:  MsgCodeRequired,
			wantResult: ExchangeBadRequest,
		},
		{
			name:       "provider rejects code",
			body:       `{"code":"expired"}`,
			exchange:   &idp.ExchangeError{Kind: idp.KindInvalidOrExpiredCode, ProviderCode: "invalid_grant", Err: errors.New("invalid_grant")},
			wantStatus: http.StatusBadRequest,
			wantError:  MsgCodeNotFound,
			wantResult: ExchangeInvalidCode,
		},
		{
			name:       "provider unavailable",
			body:       `{"code":"abc"}`,
			exchange:   &idp.ExchangeError{Kind: idp.KindProviderUnavailable, Err: errors.New("dial tcp: connection refused")},
			wantStatus: http.StatusInternalServerError,
			wantError:  "Something went wrong while signing you in. Please try again later.",
			wantResult: ExchangeProviderUnavailable,
		},
		{
			name:       "provider unavailable in japanese",
			body:       `{"code":"abc"}`,
			lang:       "ja,en;q=0.5",
			exchange:   &idp.ExchangeError{Kind: idp.KindProviderUnavailable, Err: errors.New("502")},
			wantStatus: http.StatusInternalServerError,
			wantError:  "サインイン中にエラーが発生しました。しばらくしてから再度お試しください。",
			wantResult: ExchangeProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.exchange != nil {
				env.client.On("ExchangeCode", mock.Anything, mock.Anything).Return(nil, tt.exchange).Once()
			}

			req := httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(tt.body))
			if tt.lang != "" {
				req.Header.Set("Accept-Language", tt.lang)
			}
			w := env.do(req)

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeBody(t, w)
			assert.Equal(t, tt.wantError, body["error"])
			assert.NotContains(t, w.Body.String(), "connection refused", "provider detail never reaches the client")
			assert.Empty(t, w.Result().Cookies())
			assert.Equal(t, 1.0, promtestutil.ToFloat64(env.metrics.exchanges.WithLabelValues(tt.wantResult)))
			env.client.AssertExpectations(t)
		})
	}
}

func TestExchangeRetryAfterProviderFailure(t *testing.T) {
	tests := []struct {
		name        string
		failure     *idp.ExchangeError
		retryStatus int
		wantCalls   int
	}{
		{
			name:        "provider unreachable",
			failure:     &idp.ExchangeError{Kind: idp.KindProviderUnavailable, Err: errors.New("dial tcp: connection refused")},
			retryStatus: http.StatusOK,
			wantCalls:   2,
		},
		{
			name:        "provider 503",
			failure:     &idp.ExchangeError{Kind: idp.KindProviderUnavailable, ProviderCode: "temporarily_unavailable", Err: errors.New("503")},
			retryStatus: http.StatusOK,
			wantCalls:   2,
		},
		{
			name:        "code redeemed but id token unusable",
			failure:     &idp.ExchangeError{Kind: idp.KindProviderUnavailable, Redeemed: true, Err: errors.New("verifying id_token: expired")},
			retryStatus: http.StatusBadRequest,
			wantCalls:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.client.On("ExchangeCode", mock.Anything, "abc123").Return(nil, tt.failure).Once()
			env.client.On("ExchangeCode", mock.Anything, "abc123").Return(env.tokenSet(t), nil).Once()

			w := env.do(tokenRequestFor("abc123"))
			require.Equal(t, http.StatusInternalServerError, w.Code)
			assert.Empty(t, w.Result().Cookies())

			w = env.do(tokenRequestFor("abc123"))
			assert.Equal(t, tt.retryStatus, w.Code, w.Body.String())
			if tt.retryStatus == http.StatusOK {
				assert.NotEmpty(t, sessionSetCookie(t, w).Value)
			}
			env.client.AssertNumberOfCalls(t, "ExchangeCode", tt.wantCalls)
		})
	}
}

func TestExchangeLedgerFailureFallsBackToProvider(t *testing.T) {
	env := newTestEnv(t)
	handlers, err := NewAuthHandlers(AuthHandlersConfig{
		Client:   env.client,
		Codec:    env.codec,
		Cookies:  env.cookies,
		HostedUI: idp.HostedUI{AuthorizationURL: "https://idp.example.com/authorize"},
		Metrics:  env.metrics,
		Codes:    brokenClaimer{},
	})
	require.NoError(t, err)
	env.client.On("ExchangeCode", mock.Anything, "abc123").Return(env.tokenSet(t), nil).Once()

	w := httptest.NewRecorder()
	handlers.Exchange(w, tokenRequestFor("abc123"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(env.metrics.ledgerErrors))
}

type brokenClaimer struct{}

func (brokenClaimer) Claim(context.Context, string) (bool, error) {
	return true, storage.ErrLedgerUnavailable
}

func (brokenClaimer) Release(context.Context, string) error {
	return storage.ErrLedgerUnavailable
}

func (brokenClaimer) Fingerprint(string) string { return "broken" }

func TestExchangeRejectsTokensThatCannotBeSealed(t *testing.T) {
	env := newTestEnv(t)
	expired := env.tokenSet(t)
	expired.IDTokenExpiry = time.Now().Add(-time.Minute)
	env.client.On("ExchangeCode", mock.Anything, "abc123").Return(expired, nil).Once()

	w := env.do(tokenRequestFor("abc123"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, w.Result().Cookies())
	assert.Equal(t, 1.0, promtestutil.ToFloat64(env.metrics.exchanges.WithLabelValues(ExchangeInternal)))
}

type keysDown struct{}

func (keysDown) Key(context.Context, string) (any, error) {
	return nil, fmt.Errorf("%w: dial tcp: connection refused", idtoken.ErrKeysUnavailable)
}

// A session that cannot be checked is neither honored nor cleared.
func TestStatusWhenSigningKeysUnavailable(t *testing.T) {
	env := newTestEnv(t)
	valid := env.sessionCookie(t)

	verifier, err := idtoken.NewVerifier(keysDown{}, idtoken.Config{Issuer: env.issuer.URL, ClientID: env.issuer.ClientID})
	require.NoError(t, err)
	codec, err := session.NewCodec(testSecret, verifier)
	require.NoError(t, err)
	handlers, err := NewAuthHandlers(AuthHandlersConfig{
		Client:    env.client,
		Codec:     codec,
		Cookies:   env.cookies,
		HostedUI:  env.hostedUI(),
		Localizer: i18n.New(),
		Metrics:   env.metrics,
	})
	require.NoError(t, err)
	env.handler = NewRouter(RouterConfig{Handlers: handlers, Sessions: codec, Cookies: env.cookies, Metrics: env.metrics})

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/status", nil), valid)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, w.Result().Cookies(), "cookie is kept")
	assert.Equal(t, 0.0, promtestutil.ToFloat64(env.metrics.invalidSessions.WithLabelValues(session.ReasonToken)))
}

// No cookie means anonymous.
func TestStatusAnonymous(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/status", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"authenticated":false,"user":null}`, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Empty(t, w.Result().Cookies(), "nothing to clear without a cookie")
}

// A valid session reports exactly the verified claims.
func TestStatusAuthenticated(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/status", nil), env.sessionCookie(t))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"authenticated": true,
		"user": {"sub": "u-1", "email": "a@b.com", "email_verified": true, "cognito:username": "alice"}
	}`, w.Body.String())
	env.client.AssertNotCalled(t, "ExchangeCode", mock.Anything, mock.Anything)
	env.client.AssertNotCalled(t, "GlobalSignOut", mock.Anything, mock.Anything)
}

func TestStatusClearsInvalidCookie(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/status", nil),
		&http.Cookie{Name: cookie.DefaultSessionCookie, Value: "tampered"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"authenticated":false,"user":null}`, w.Body.String())
	cleared := sessionSetCookie(t, w)
	assert.Empty(t, cleared.Value)
	assert.Less(t, cleared.MaxAge, 0)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(env.metrics.invalidSessions.WithLabelValues(session.ReasonMalformed)))
}

// Logout clears the session; the next status check is anonymous.
func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	env.client.On("GlobalSignOut", mock.Anything, mock.MatchedBy(func(id identity.Identity) bool {
		return id.Authenticated() && id.Claims.Subject == "u-1" && id.AccessToken == "access-token"
	})).Return(nil).Once()

	jar := newTestJar()
	jar.set(env.sessionCookie(t))

	w := env.do(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil), jar.cookies()...)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"message": "logged out"}, decodeBody(t, w))
	cleared := sessionSetCookie(t, w)
	assert.Less(t, cleared.MaxAge, 0)
	jar.apply(w)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/auth/status", nil), jar.cookies()...)
	assert.JSONEq(t, `{"authenticated":false,"user":null}`, w.Body.String())
	env.client.AssertExpectations(t)
}

func TestLogoutNeverFails(t *testing.T) {
	tests := []struct {
		name    string
		cookies func(env *testEnv, t *testing.T) []*http.Cookie
		signOut error
	}{
		{
			name:    "sign-out failure",
			cookies: func(env *testEnv, t *testing.T) []*http.Cookie { return []*http.Cookie{env.sessionCookie(t)} },
			signOut: &idp.SignOutError{Strategy: "cognito", Err: errors.New("throttled")},
		},
		{
			name:    "anonymous",
			cookies: func(env *testEnv, t *testing.T) []*http.Cookie { return nil },
		},
		{
			name: "invalid cookie",
			cookies: func(env *testEnv, t *testing.T) []*http.Cookie {
				return []*http.Cookie{{Name: cookie.DefaultSessionCookie, Value: "garbage"}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.signOut != nil {
				env.client.On("GlobalSignOut", mock.Anything, mock.Anything).Return(tt.signOut).Once()
			}

			w := env.do(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil), tt.cookies(env, t)...)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, map[string]any{"message": "logged out"}, decodeBody(t, w))
			assert.Empty(t, sessionSetCookie(t, w).Value)
			env.client.AssertExpectations(t)
			if tt.signOut == nil {
				env.client.AssertNotCalled(t, "GlobalSignOut", mock.Anything, mock.Anything)
			} else {
				assert.Equal(t, 1.0, promtestutil.ToFloat64(env.metrics.signOutFailures.WithLabelValues("cognito")))
			}
		})
	}
}

func TestConfigEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/config", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp ConfigResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.LoginURL, "redirect_uri=https%3A%2F%2Fapp.example.com&")
	assert.Contains(t, resp.LogoutURL, "logout_uri=https%3A%2F%2Fapp.example.com")
}

func TestWrongMethod(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/auth/token", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/auth/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// testJar keeps cookies between recorder round trips the way a browser would
type testJar struct {
	values map[string]*http.Cookie
}

func newTestJar() *testJar {
	return &testJar{values: map[string]*http.Cookie{}}
}

func (j *testJar) set(c *http.Cookie) {
	j.values[c.Name] = c
}

func (j *testJar) apply(w *httptest.ResponseRecorder) {
	for _, c := range w.Result().Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			delete(j.values, c.Name)
			continue
		}
		j.values[c.Name] = c
	}
}

func (j *testJar) cookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(j.values))
	for _, c := range j.values {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}
