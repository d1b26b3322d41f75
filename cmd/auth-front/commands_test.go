package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestGeneratedConfigValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	out, err := run(t, "config-init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Generated default config at: "+path)

	out, err = run(t, "validate", "--config", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Result: PASS")
}

func TestValidateReportsProblems(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "plain text secret",
			content: `{"version":"v0.0.1-DEV_EDITION","idp":{"issuer":"https://idp","clientId":"c","redirectUri":"https://app"},"session":{"secret":"hunter2"},"ledger":{"kind":"none"}}`,
			want:    []string{"session.secret", "Result: FAIL"},
		},
		{
			name:    "trailing slash mismatch",
			content: `{"version":"v0.0.1-DEV_EDITION","idp":{"issuer":"https://idp","clientId":"c","redirectUri":"https://app","logoutUri":"https://app/"},"session":{"secret":{"$env":"S"}},"ledger":{"kind":"none"}}`,
			want:    []string{"idp.logoutUri", "Result: FAIL (warnings present)"},
		},
		{
			name:    "missing sections",
			content: `{"version":"v0.0.1-DEV_EDITION"}`,
			want:    []string{"idp section is required", "session section is required"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			out, err := run(t, "validate", "-c", path)
			assert.Error(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, BuildVersion+"\n", out)
}

func TestServeRequiresConfig(t *testing.T) {
	_, err := run(t, "serve")
	assert.Error(t, err)
}

func TestDevIDPRequiresDevelopment(t *testing.T) {
	t.Setenv("AUTH_FRONT_ENV", "production")
	_, err := run(t, "dev-idp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_FRONT_ENV=development")
}

func TestDevIDPRejectsBadIssuer(t *testing.T) {
	t.Setenv("AUTH_FRONT_ENV", "development")
	_, err := run(t, "dev-idp", "--issuer", "http://localhost:9000/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slash")
}
