package envutil

import (
	"os"
	"strings"
)

// EnvVar selects the deployment environment of auth-front
const EnvVar = "AUTH_FRONT_ENV"

// IsDev reports whether auth-front runs in development mode.
// Development mode only relaxes the dev identity provider; cookie flags never change.
func IsDev() bool {
	return IsDevValue(os.Getenv(EnvVar))
}

// IsDevValue reports whether an environment name denotes development
func IsDevValue(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "development" || env == "dev"
}
