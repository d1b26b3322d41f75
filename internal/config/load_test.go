package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
  "version": "v0.0.1-DEV_EDITION",
  "server": {"addr": ":9090", "allowedOrigins": ["https://app.example.com"]},
  "idp": {
    "issuer": "https://cognito-idp.eu-west-1.amazonaws.com/eu-west-1_abc",
    "clientId": "spa-client",
    "clientSecret": {"$env": "TEST_IDP_SECRET"},
    "redirectUri": "https://app.example.com",
    "timeout": "5s",
    "signOut": {"kind": "cognito", "region": "eu-west-1"}
  },
  "session": {
    "secret": {"$env": "TEST_SESSION_SECRET"},
    "previousSecrets": [{"$env": "TEST_OLD_SESSION_SECRET"}],
    "sameSite": "strict"
  },
  "ledger": {
    "kind": "redis",
    "ttl": "5m",
    "redis": {"addr": "localhost:6379", "password": {"$env": "TEST_REDIS_PASSWORD"}}
  }
}`

func setSecrets(t *testing.T) {
	t.Setenv("TEST_IDP_SECRET", "idp-secret")
	t.Setenv("TEST_SESSION_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TEST_OLD_SESSION_SECRET", "'fedcba9876543210fedcba9876543210'")
	t.Setenv("TEST_REDIS_PASSWORD", "redis-pass")
}

func TestLoad(t *testing.T) {
	setSecrets(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "spa-client", cfg.IDP.ClientID)
	assert.Equal(t, Secret("idp-secret"), cfg.IDP.ClientSecret)
	assert.Equal(t, "https://app.example.com", cfg.IDP.RedirectURI)
	assert.Equal(t, cfg.IDP.RedirectURI, cfg.IDP.LogoutURI, "logout URI defaults to the redirect URI")
	assert.Equal(t, 5*time.Second, cfg.IDP.Timeout)
	assert.Equal(t, SignOutCognito, cfg.IDP.SignOut.Kind)
	assert.Equal(t, Secret("0123456789abcdef0123456789abcdef"), cfg.Session.Secret)
	require.Len(t, cfg.Session.PreviousSecrets, 1)
	assert.Equal(t, Secret("fedcba9876543210fedcba9876543210"), cfg.Session.PreviousSecrets[0], "quotes are stripped")
	assert.Equal(t, LedgerRedis, cfg.Ledger.Kind)
	assert.Equal(t, 5*time.Minute, cfg.Ledger.TTL)
	assert.Equal(t, Secret("redis-pass"), cfg.Ledger.Redis.Password)
	assert.Equal(t, "auth-front:code:", cfg.Ledger.Redis.KeyPrefix)
}

func TestLoadEnvOverrides(t *testing.T) {
	setSecrets(t)
	t.Setenv("AUTH_FRONT_ADDR", ":7000")
	t.Setenv("AUTH_FRONT_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "redis.internal:6379", cfg.Ledger.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name        string
		config      string
		expectError string
	}{
		{
			name:        "missing version",
			config:      `{"idp": {}}`,
			expectError: "config version is required",
		},
		{
			name:        "wrong version",
			config:      `{"version": "v2"}`,
			expectError: "unsupported config version",
		},
		{
			name:        "plain text client secret",
			config:      `{"version": "v0.0.1-DEV_EDITION", "idp": {"clientSecret": "hunter2"}}`,
			expectError: "idp.clientSecret must use environment variable reference",
		},
		{
			name:        "plain text session secret",
			config:      `{"version": "v0.0.1-DEV_EDITION", "session": {"secret": "0123456789abcdef0123456789abcdef"}}`,
			expectError: "session.secret must use environment variable reference",
		},
		{
			name:        "unset env var",
			config:      `{"version": "v0.0.1-DEV_EDITION", "session": {"secret": {"$env": "TEST_DEFINITELY_UNSET"}}}`,
			expectError: "environment variable TEST_DEFINITELY_UNSET not set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.config))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		c := &Config{
			IDP: IDPConfig{
				Issuer:      "https://idp.example.com",
				ClientID:    "client",
				RedirectURI: "https://app.example.com",
			},
			Session: SessionConfig{Secret: "0123456789abcdef0123456789abcdef"},
		}
		ApplyDefaults(c)
		return c
	}

	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:        "short session secret",
			mutate:      func(c *Config) { c.Session.Secret = "short" },
			expectError: "secret must be at least 32 bytes",
		},
		{
			name:        "relative redirect uri",
			mutate:      func(c *Config) { c.IDP.RedirectURI = "/callback" },
			expectError: "redirectUri must be an absolute URL",
		},
		{
			name:        "samesite none",
			mutate:      func(c *Config) { c.Session.SameSite = "none" },
			expectError: "unsupported sameSite",
		},
		{
			name:        "cognito without region",
			mutate:      func(c *Config) { c.IDP.SignOut.Kind = SignOutCognito },
			expectError: "signOut.region is required",
		},
		{
			name:        "redis without addr",
			mutate:      func(c *Config) { c.Ledger.Kind = LedgerRedis },
			expectError: "redis.addr is required",
		},
		{
			name:        "firestore without project",
			mutate:      func(c *Config) { c.Ledger.Kind = LedgerFirestore },
			expectError: "firestore.projectId is required",
		},
		{
			name:        "wildcard origin",
			mutate:      func(c *Config) { c.Server.AllowedOrigins = []string{"*"} },
			expectError: "cannot contain '*'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := ValidateConfig(c)
			if tt.expectError == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestRedirectURIKeptVerbatim(t *testing.T) {
	setSecrets(t)
	cfg, err := Parse([]byte(`{
	  "version": "v0.0.1-DEV_EDITION",
	  "idp": {"issuer": "https://idp.example.com", "clientId": "c", "redirectUri": "https://app.example.com/"},
	  "session": {"secret": {"$env": "TEST_SESSION_SECRET"}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/", cfg.IDP.RedirectURI)
}
