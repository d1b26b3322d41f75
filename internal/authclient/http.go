package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/auth-front/internal/ioutil"
	jsonwriter "github.com/dgellow/auth-front/internal/json"
	"golang.org/x/net/publicsuffix"
)

const maxResponseBytes = 64 << 10

// HTTPAPI talks to the auth endpoints the way a browser does: the session
// lives in a cookie jar and never in this process's memory.
type HTTPAPI struct {
	base   *url.URL
	client *http.Client
}

var _ API = (*HTTPAPI)(nil)

// NewHTTPAPI creates a client for the backend at baseURL. client is copied;
// when it has no jar one is created.
func NewHTTPAPI(baseURL string, client *http.Client) (*HTTPAPI, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL must be absolute, got %q", baseURL)
	}

	c := &http.Client{Timeout: 10 * time.Second}
	if client != nil {
		copied := *client
		c = &copied
	}
	if c.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		c.Jar = jar
	}

	return &HTTPAPI{base: base, client: c}, nil
}

// Cookies returns what the jar would send to the backend
func (a *HTTPAPI) Cookies() []*http.Cookie {
	return a.client.Jar.Cookies(a.base)
}

// Exchange posts code to /api/auth/token
func (a *HTTPAPI) Exchange(ctx context.Context, code string) error {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return err
	}
	return a.do(ctx, http.MethodPost, "/api/auth/token", body, nil)
}

// Status queries /api/auth/status
func (a *HTTPAPI) Status(ctx context.Context) (StatusResult, error) {
	var res StatusResult
	if err := a.do(ctx, http.MethodGet, "/api/auth/status", nil, &res); err != nil {
		return StatusResult{}, err
	}
	return res, nil
}

// Logout posts to /api/auth/logout
func (a *HTTPAPI) Logout(ctx context.Context) error {
	return a.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

// Config fetches the hosted UI locations
func (a *HTTPAPI) Config(ctx context.Context) (ClientConfig, error) {
	var cfg ClientConfig
	if err := a.do(ctx, http.MethodGet, "/api/auth/config", nil, &cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody jsonwriter.ErrorResponse
		raw := ioutil.Snippet(resp.Body, maxResponseBytes)
		if err := json.Unmarshal([]byte(raw), &errBody); err != nil || errBody.Error == "" {
			errBody.Error = raw
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errBody.Error}
	}

	if out == nil {
		ioutil.Drain(resp.Body, maxResponseBytes)
		return nil
	}
	if err := jsonwriter.Decode(resp.Body, maxResponseBytes, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
