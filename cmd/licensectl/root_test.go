package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Dhoini/license-service/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
app:
  log_level: error
store:
  backend: memory
auth:
  identity_secret: cli-test-identity-secret
license:
  signing_key: cli-test-signing-key-0123456789abcdef
  fingerprint_key: cli-test-fingerprint
scheduler:
  enabled: false
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDevToken(t *testing.T) {
	out, err := run(t, "dev-token", "user-1", "--scope", "license:admin", "-c", writeConfig(t))
	require.NoError(t, err)

	id, err := token.NewHMACValidator([]byte("cli-test-identity-secret"), token.ValidatorOptions{}).Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, []string{"license:admin"}, id.Scopes)
}

func TestExpireTrials(t *testing.T) {
	out, err := run(t, "expire-trials", "-c", writeConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "expired 0 trial(s)")
}

func TestSetTier(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "set-tier", "user-1", "gold", "-c", cfg)
	assert.Error(t, err)

	// в памяти нет пользователя
	_, err = run(t, "set-tier", "user-1", "pro", "-c", cfg)
	assert.Error(t, err)

	_, err = run(t, "set-tier", "user-1", "pro", "--period-end", "tomorrow", "-c", cfg)
	assert.Error(t, err)
}

func TestMigrateRequiresPostgres(t *testing.T) {
	_, err := run(t, "migrate", "-c", writeConfig(t))
	assert.ErrorContains(t, err, "store.backend=postgres")
}
