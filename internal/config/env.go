package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvOverrides are process-level settings that win over the config file.
// They let the same file serve several deployments.
type EnvOverrides struct {
	Addr        string `env:"AUTH_FRONT_ADDR"`
	Environment string `env:"AUTH_FRONT_ENV" envDefault:"production"`
	LogLevel    string `env:"LOG_LEVEL"`
	LogFormat   string `env:"LOG_FORMAT"`
	RedisAddr   string `env:"AUTH_FRONT_REDIS_ADDR"`
	Issuer      string `env:"AUTH_FRONT_IDP_ISSUER"`
}

// ParseEnv loads overrides from environment variables
func ParseEnv() (EnvOverrides, error) {
	var overrides EnvOverrides
	if err := env.Parse(&overrides); err != nil {
		return EnvOverrides{}, fmt.Errorf("parse env: %w", err)
	}
	return overrides, nil
}

// Apply copies the set overrides onto c
func (o EnvOverrides) Apply(c *Config) {
	if o.Addr != "" {
		c.Server.Addr = o.Addr
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		c.Logging.Format = o.LogFormat
	}
	if o.Issuer != "" {
		c.IDP.Issuer = o.Issuer
	}
	if o.RedisAddr != "" {
		if c.Ledger.Redis == nil {
			c.Ledger.Redis = &RedisConfig{}
		}
		c.Ledger.Redis.Addr = o.RedisAddr
	}
}
