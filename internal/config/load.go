package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dgellow/auth-front/internal/cookie"
)

// VersionPrefix is the accepted config version prefix
const VersionPrefix = "v0.0.1-DEV_EDITION"

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse processes config bytes the same way Load does
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, VersionPrefix) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	overrides, err := ParseEnv()
	if err != nil {
		return Config{}, err
	}
	overrides.Apply(&config)
	ApplyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// secretPaths lists the fields that must come from the environment
var secretPaths = [][]string{
	{"idp", "clientSecret"},
	{"session", "secret"},
	{"ledger", "redis", "password"},
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	for _, path := range secretPaths {
		value, exists := lookupPath(rawConfig, path)
		if !exists {
			continue
		}
		if err := checkEnvRef(value, strings.Join(path, ".")); err != nil {
			return err
		}
	}

	if session, ok := rawConfig["session"].(map[string]any); ok {
		if previous, ok := session["previousSecrets"].([]any); ok {
			for i, item := range previous {
				if err := checkEnvRef(item, fmt.Sprintf("session.previousSecrets[%d]", i)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkEnvRef(value any, name string) error {
	// Check if it's a string (bad) or a map (good - env ref)
	if _, isString := value.(string); isString {
		return fmt.Errorf("%s must use environment variable reference for security", name)
	}
	refMap, isMap := value.(map[string]any)
	if !isMap {
		return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", name)
	}
	if _, hasEnv := refMap["$env"]; !hasEnv {
		return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", name)
	}
	return nil
}

func lookupPath(m map[string]any, path []string) (any, bool) {
	var current any = m
	for _, key := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return current, true
}

// ApplyDefaults fills optional fields
func ApplyDefaults(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.RateLimit.RequestsPerMinute == 0 {
		c.Server.RateLimit.RequestsPerMinute = 30
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 10
	}
	if c.IDP.Timeout == 0 {
		c.IDP.Timeout = 10 * time.Second
	}
	if c.IDP.ClockSkew == 0 {
		c.IDP.ClockSkew = 30 * time.Second
	}
	if c.IDP.LogoutURI == "" {
		c.IDP.LogoutURI = c.IDP.RedirectURI
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = cookie.DefaultSessionCookie
	}
	if c.Ledger.Kind == "" {
		c.Ledger.Kind = LedgerMemory
	}
	if c.Ledger.TTL == 0 {
		c.Ledger.TTL = 10 * time.Minute
	}
	if c.Ledger.CleanupInterval == 0 {
		c.Ledger.CleanupInterval = time.Minute
	}
	if c.Ledger.Redis != nil && c.Ledger.Redis.KeyPrefix == "" {
		c.Ledger.Redis.KeyPrefix = "auth-front:code:"
	}
	if c.Ledger.Firestore != nil {
		if c.Ledger.Firestore.Database == "" {
			c.Ledger.Firestore.Database = "(default)"
		}
		if c.Ledger.Firestore.Collection == "" {
			c.Ledger.Firestore.Collection = "auth_front_codes"
		}
	}
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if err := validateIDPConfig(&config.IDP); err != nil {
		return fmt.Errorf("idp config: %w", err)
	}
	if err := validateSessionConfig(&config.Session); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := validateLedgerConfig(&config.Ledger); err != nil {
		return fmt.Errorf("ledger config: %w", err)
	}
	for _, origin := range config.Server.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("server.allowedOrigins cannot contain '*' when credentials are allowed")
		}
	}
	return nil
}

func validateIDPConfig(c *IDPConfig) error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("redirectUri is required")
	}
	for name, raw := range map[string]string{"redirectUri": c.RedirectURI, "logoutUri": c.LogoutURI} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	switch c.LogoutStyle {
	case "", "cognito", "oidc":
	default:
		return fmt.Errorf("logoutStyle must be cognito or oidc, got %q", c.LogoutStyle)
	}
	switch c.SignOut.Kind {
	case SignOutAuto, SignOutNone, SignOutRevocation:
	case SignOutCognito:
		if c.SignOut.Region == "" {
			return fmt.Errorf("signOut.region is required for cognito sign-out")
		}
	default:
		return fmt.Errorf("unknown signOut.kind %q", c.SignOut.Kind)
	}
	return nil
}

func validateSessionConfig(s *SessionConfig) error {
	if len(s.Secret) < 32 {
		return fmt.Errorf("secret must be at least 32 bytes")
	}
	for i, prev := range s.PreviousSecrets {
		if len(prev) < 32 {
			return fmt.Errorf("previousSecrets[%d] must be at least 32 bytes", i)
		}
	}
	if _, err := cookie.ParseSameSite(s.SameSite); err != nil {
		return err
	}
	return nil
}

func validateLedgerConfig(l *LedgerConfig) error {
	switch l.Kind {
	case LedgerMemory, LedgerNone:
	case LedgerRedis:
		if l.Redis == nil || l.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for redis ledger")
		}
	case LedgerFirestore:
		if l.Firestore == nil || l.Firestore.ProjectID == "" {
			return fmt.Errorf("firestore.projectId is required for firestore ledger")
		}
	default:
		return fmt.Errorf("unknown ledger kind %q", l.Kind)
	}
	if l.TTL < time.Minute {
		return fmt.Errorf("ttl must be at least 1m, got %s", l.TTL)
	}
	return nil
}
