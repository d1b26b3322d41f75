package config

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON resolves env references and durations in the IDP section
func (c *IDPConfig) UnmarshalJSON(data []byte) error {
	type rawIDP struct {
		Issuer           json.RawMessage `json:"issuer"`
		AuthorizationURL string          `json:"authorizationUrl"`
		TokenURL         string          `json:"tokenUrl"`
		JWKSURL          string          `json:"jwksUrl"`
		RevocationURL    string          `json:"revocationUrl"`
		LogoutURL        string          `json:"logoutUrl"`
		ClientID         json.RawMessage `json:"clientId"`
		ClientSecret     json.RawMessage `json:"clientSecret"`
		RedirectURI      json.RawMessage `json:"redirectUri"`
		LogoutURI        json.RawMessage `json:"logoutUri"`
		Scopes           []string        `json:"scopes"`
		LogoutStyle      string          `json:"logoutStyle"`
		Timeout          string          `json:"timeout"`
		ClockSkew        string          `json:"clockSkew"`
		SignOut          SignOutConfig   `json:"signOut"`
	}

	var raw rawIDP
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.AuthorizationURL = raw.AuthorizationURL
	c.TokenURL = raw.TokenURL
	c.JWKSURL = raw.JWKSURL
	c.RevocationURL = raw.RevocationURL
	c.LogoutURL = raw.LogoutURL
	c.Scopes = raw.Scopes
	c.LogoutStyle = raw.LogoutStyle
	c.SignOut = raw.SignOut

	if err := parseOptional(raw.Issuer, "issuer", &c.Issuer); err != nil {
		return err
	}
	if err := parseOptional(raw.ClientID, "clientId", &c.ClientID); err != nil {
		return err
	}
	if err := parseOptional(raw.RedirectURI, "redirectUri", &c.RedirectURI); err != nil {
		return err
	}
	if err := parseOptional(raw.LogoutURI, "logoutUri", &c.LogoutURI); err != nil {
		return err
	}

	var secret string
	if err := parseOptional(raw.ClientSecret, "clientSecret", &secret); err != nil {
		return err
	}
	c.ClientSecret = Secret(secret)

	if err := parseDuration(raw.Timeout, "timeout", &c.Timeout); err != nil {
		return err
	}
	return parseDuration(raw.ClockSkew, "clockSkew", &c.ClockSkew)
}

// UnmarshalJSON resolves the session secrets
func (s *SessionConfig) UnmarshalJSON(data []byte) error {
	type rawSession struct {
		Secret          json.RawMessage   `json:"secret"`
		PreviousSecrets []json.RawMessage `json:"previousSecrets"`
		CookieName      string            `json:"cookieName"`
		SameSite        string            `json:"sameSite"`
		Domain          string            `json:"domain"`
	}

	var raw rawSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.CookieName = raw.CookieName
	s.SameSite = raw.SameSite
	s.Domain = raw.Domain

	var secret string
	if err := parseOptional(raw.Secret, "secret", &secret); err != nil {
		return err
	}
	s.Secret = Secret(secret)

	s.PreviousSecrets = nil
	for i, item := range raw.PreviousSecrets {
		parsed, err := ParseConfigValue(item)
		if err != nil {
			return fmt.Errorf("parsing previousSecrets[%d]: %w", i, err)
		}
		s.PreviousSecrets = append(s.PreviousSecrets, Secret(parsed.value))
	}
	return nil
}

// UnmarshalJSON resolves the redis password
func (r *RedisConfig) UnmarshalJSON(data []byte) error {
	type rawRedis struct {
		Addr      json.RawMessage `json:"addr"`
		Username  string          `json:"username"`
		Password  json.RawMessage `json:"password"`
		DB        int             `json:"db"`
		KeyPrefix string          `json:"keyPrefix"`
	}

	var raw rawRedis
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Username = raw.Username
	r.DB = raw.DB
	r.KeyPrefix = raw.KeyPrefix

	if err := parseOptional(raw.Addr, "redis.addr", &r.Addr); err != nil {
		return err
	}
	var password string
	if err := parseOptional(raw.Password, "redis.password", &password); err != nil {
		return err
	}
	r.Password = Secret(password)
	return nil
}

// UnmarshalJSON parses ledger durations
func (l *LedgerConfig) UnmarshalJSON(data []byte) error {
	type rawLedger struct {
		Kind            LedgerKind       `json:"kind"`
		TTL             string           `json:"ttl"`
		CleanupInterval string           `json:"cleanupInterval"`
		Redis           *RedisConfig     `json:"redis"`
		Firestore       *FirestoreConfig `json:"firestore"`
	}

	var raw rawLedger
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	l.Kind = raw.Kind
	l.Redis = raw.Redis
	l.Firestore = raw.Firestore
	if err := parseDuration(raw.TTL, "ledger.ttl", &l.TTL); err != nil {
		return err
	}
	return parseDuration(raw.CleanupInterval, "ledger.cleanupInterval", &l.CleanupInterval)
}

// UnmarshalJSON parses the shutdown timeout
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	type rawServer struct {
		Addr              string          `json:"addr"`
		AllowedOrigins    []string        `json:"allowedOrigins"`
		TrustProxyHeaders bool            `json:"trustProxyHeaders"`
		RateLimit         RateLimitConfig `json:"rateLimit"`
		ShutdownTimeout   string          `json:"shutdownTimeout"`
	}

	var raw rawServer
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Addr = raw.Addr
	s.AllowedOrigins = raw.AllowedOrigins
	s.TrustProxyHeaders = raw.TrustProxyHeaders
	s.RateLimit = raw.RateLimit
	return parseDuration(raw.ShutdownTimeout, "server.shutdownTimeout", &s.ShutdownTimeout)
}
