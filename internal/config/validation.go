package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) errorf(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) warnf(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes is ValidateFile on already-read content
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.errorf("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.errorf("version", "version field is required. Hint: Add \"version\": \"%s\"", VersionPrefix)
	} else if !strings.HasPrefix(version, VersionPrefix) {
		result.errorf("version", "unsupported version '%s' - use '%s' or '%s-<variant>'", version, VersionPrefix, VersionPrefix)
	}

	validateIDPStructure(rawConfig, result)
	validateSessionStructure(rawConfig, result)
	validateLedgerStructure(rawConfig, result)

	return result
}

func validateIDPStructure(rawConfig map[string]any, result *ValidationResult) {
	idp, ok := rawConfig["idp"].(map[string]any)
	if !ok {
		result.errorf("idp", "idp section is required")
		return
	}

	for _, field := range []string{"issuer", "clientId", "redirectUri"} {
		if _, ok := idp[field]; !ok {
			result.errorf("idp."+field, "%s is required", field)
		}
	}
	if secret, ok := idp["clientSecret"]; ok {
		if verr := validateEnvVarReference(secret, "clientSecret", "idp.clientSecret"); verr != nil {
			result.Errors = append(result.Errors, *verr)
		}
	}

	redirect, _ := idp["redirectUri"].(string)
	logout, hasLogout := idp["logoutUri"].(string)
	if hasLogout && redirect != "" && strings.TrimSuffix(redirect, "/") == strings.TrimSuffix(logout, "/") && redirect != logout {
		result.warnf("idp.logoutUri", "logoutUri '%s' and redirectUri '%s' differ only by a trailing slash. Hint: the provider compares these byte for byte", logout, redirect)
	}

	if signOut, ok := idp["signOut"].(map[string]any); ok {
		kind, _ := signOut["kind"].(string)
		switch SignOutKind(kind) {
		case SignOutAuto, SignOutNone, SignOutRevocation:
		case SignOutCognito:
			if _, ok := signOut["region"]; !ok {
				result.errorf("idp.signOut.region", "region is required for cognito sign-out")
			}
		default:
			result.errorf("idp.signOut.kind", "unknown sign-out kind '%s' - supported: cognito, revocation, none", kind)
		}
	}
}

func validateSessionStructure(rawConfig map[string]any, result *ValidationResult) {
	session, ok := rawConfig["session"].(map[string]any)
	if !ok {
		result.errorf("session", "session section is required")
		return
	}
	secret, ok := session["secret"]
	if !ok {
		result.errorf("session.secret", "secret is required. Hint: generate one with `openssl rand -base64 48`")
	} else if verr := validateEnvVarReference(secret, "secret", "session.secret"); verr != nil {
		result.Errors = append(result.Errors, *verr)
	}
	if previous, ok := session["previousSecrets"].([]any); ok {
		for i, item := range previous {
			path := fmt.Sprintf("session.previousSecrets[%d]", i)
			if verr := validateEnvVarReference(item, "previousSecrets", path); verr != nil {
				result.Errors = append(result.Errors, *verr)
			}
		}
	}
	if sameSite, ok := session["sameSite"].(string); ok {
		switch strings.ToLower(sameSite) {
		case "lax", "strict":
		default:
			result.errorf("session.sameSite", "sameSite must be lax or strict, got '%s'", sameSite)
		}
	}
}

func validateLedgerStructure(rawConfig map[string]any, result *ValidationResult) {
	ledger, ok := rawConfig["ledger"].(map[string]any)
	if !ok {
		return
	}
	kind, _ := ledger["kind"].(string)
	switch LedgerKind(kind) {
	case "", LedgerMemory:
		result.warnf("ledger.kind", "memory ledger only guards code replays within a single process. Hint: use redis or firestore when running several instances")
	case LedgerNone:
	case LedgerRedis:
		redis, ok := ledger["redis"].(map[string]any)
		if !ok {
			result.errorf("ledger.redis", "redis section is required for redis ledger")
			return
		}
		if _, ok := redis["addr"]; !ok {
			result.errorf("ledger.redis.addr", "addr is required")
		}
		if password, ok := redis["password"]; ok {
			if verr := validateEnvVarReference(password, "password", "ledger.redis.password"); verr != nil {
				result.Errors = append(result.Errors, *verr)
			}
		}
	case LedgerFirestore:
		fs, ok := ledger["firestore"].(map[string]any)
		if !ok {
			result.errorf("ledger.firestore", "firestore section is required for firestore ledger")
			return
		}
		if _, ok := fs["projectId"]; !ok {
			result.errorf("ledger.firestore.projectId", "projectId is required")
		}
	default:
		result.errorf("ledger.kind", "unknown ledger kind '%s' - supported: memory, redis, firestore, none", kind)
	}
}

// validateEnvVarReference checks that a secret field uses {"$env": ...}
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		// Check if it looks like a bash-style env var
		bashStyleRegex := regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	bashStyleRegex := regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.warnf(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion in scripts/CI", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
