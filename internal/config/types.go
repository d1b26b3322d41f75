package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// SignOutKind selects how global sign-out reaches the provider
type SignOutKind string

const (
	// SignOutAuto uses revocation when the provider advertises a revocation endpoint
	SignOutAuto       SignOutKind = ""
	SignOutCognito    SignOutKind = "cognito"
	SignOutRevocation SignOutKind = "revocation"
	SignOutNone       SignOutKind = "none"
)

// LedgerKind selects where consumed authorization codes are recorded
type LedgerKind string

const (
	LedgerMemory    LedgerKind = "memory"
	LedgerRedis     LedgerKind = "redis"
	LedgerFirestore LedgerKind = "firestore"
	LedgerNone      LedgerKind = "none"
)

// SignOutConfig configures global sign-out
type SignOutConfig struct {
	Kind SignOutKind `json:"kind,omitempty"`
	// Region and Endpoint apply to the cognito kind.
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// IDPConfig describes the identity provider and this application's registration with it
type IDPConfig struct {
	Issuer string `json:"issuer"`

	// Endpoint overrides. Discovery fills whatever is left empty.
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
	TokenURL         string `json:"tokenUrl,omitempty"`
	JWKSURL          string `json:"jwksUrl,omitempty"`
	RevocationURL    string `json:"revocationUrl,omitempty"`
	LogoutURL        string `json:"logoutUrl,omitempty"`

	ClientID     string `json:"clientId"`
	ClientSecret Secret `json:"clientSecret"`

	// RedirectURI and LogoutURI are used byte for byte; they must match the
	// provider registration exactly, including any trailing slash.
	RedirectURI string   `json:"redirectUri"`
	LogoutURI   string   `json:"logoutUri,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	LogoutStyle string   `json:"logoutStyle,omitempty"`

	Timeout   time.Duration `json:"timeout,omitempty"`
	ClockSkew time.Duration `json:"clockSkew,omitempty"`

	SignOut SignOutConfig `json:"signOut"`
}

// SessionConfig configures the session cookie
type SessionConfig struct {
	Secret Secret `json:"secret"`
	// PreviousSecrets still open cookies sealed before a secret rotation.
	PreviousSecrets []Secret `json:"previousSecrets,omitempty"`
	CookieName      string   `json:"cookieName,omitempty"`
	SameSite        string   `json:"sameSite,omitempty"`
	Domain          string   `json:"domain,omitempty"`
}

// RedisConfig configures the redis code ledger
type RedisConfig struct {
	Addr      string `json:"addr"`
	Username  string `json:"username,omitempty"`
	Password  Secret `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"keyPrefix,omitempty"`
}

// FirestoreConfig configures the firestore code ledger
type FirestoreConfig struct {
	ProjectID  string `json:"projectId"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// LedgerConfig configures the consumed-code ledger
type LedgerConfig struct {
	Kind            LedgerKind       `json:"kind"`
	TTL             time.Duration    `json:"ttl,omitempty"`
	CleanupInterval time.Duration    `json:"cleanupInterval,omitempty"`
	Redis           *RedisConfig     `json:"redis,omitempty"`
	Firestore       *FirestoreConfig `json:"firestore,omitempty"`
}

// RateLimitConfig limits code exchange attempts per client address
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requestsPerMinute,omitempty"`
	Burst             int `json:"burst,omitempty"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr              string          `json:"addr"`
	AllowedOrigins    []string        `json:"allowedOrigins,omitempty"`
	TrustProxyHeaders bool            `json:"trustProxyHeaders,omitempty"`
	RateLimit         RateLimitConfig `json:"rateLimit"`
	ShutdownTimeout   time.Duration   `json:"shutdownTimeout,omitempty"`
}

// LoggingConfig configures internal/log
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	Version string        `json:"version"`
	Server  ServerConfig  `json:"server"`
	IDP     IDPConfig     `json:"idp"`
	Session SessionConfig `json:"session"`
	Ledger  LedgerConfig  `json:"ledger"`
	Logging LoggingConfig `json:"logging"`
}

// RawConfigValue represents a value that could be a plain string or an env reference.
// This is only used during parsing, not in the final config
type RawConfigValue struct {
	value string
}

// ParseConfigValue parses a JSON value that may be a plain string or a
// {"$env": "VAR"} reference, resolving references immediately.
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return nil, fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return &RawConfigValue{value: value}, nil
}

// Value returns the resolved value
func (v *RawConfigValue) Value() string {
	return v.value
}

// parseOptional resolves raw into dst when present
func parseOptional(raw json.RawMessage, name string, dst *string) error {
	if raw == nil {
		return nil
	}
	parsed, err := ParseConfigValue(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = parsed.value
	return nil
}

// parseDuration parses s into dst when non-empty
func parseDuration(s, name string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = d
	return nil
}
