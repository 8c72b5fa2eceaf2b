package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stephnangue/sessiongate/cmd/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(helpers.ConfigEnvVar, "")
	t.Cleanup(func() { helpers.ConfigPath = "" })

	var buf bytes.Buffer
	sessiongateCmd.SetOut(&buf)
	sessiongateCmd.SetErr(&buf)
	sessiongateCmd.SetArgs(args)
	err := sessiongateCmd.Execute()
	return buf.String(), err
}

func TestLogin_EvictsOldest(t *testing.T) {
	out, err := execute(t, "login", "--user", "alice",
		"--origin", "10.0.0.1", "--origin", "10.0.0.2", "--origin", "10.0.0.3", "--origin", "10.0.0.4")
	require.NoError(t, err)

	var row string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "10.0.0.4") {
			row = line
		}
	}
	require.NotEmpty(t, row, out)
	assert.Contains(t, row, "evicted_oldest")
	assert.Contains(t, row, "10.0.0.1")
}

func TestSessionsRemove_RequiresOrigin(t *testing.T) {
	_, err := execute(t, "sessions", "remove", "--user", "alice")
	assert.ErrorContains(t, err, "user and origin are required")
}

func TestSessionsList_Empty(t *testing.T) {
	out, err := execute(t, "sessions", "list", "--user", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "No active sessions found.")
}

func TestBansBan_Permanent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiongate.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "error"

storage "inmem" {}
`), 0o600))

	out, err := execute(t, "-c", path, "bans", "ban", "--user", "carol", "--reason", "chargeback")
	require.NoError(t, err)
	assert.Contains(t, out, "carol")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "chargeback")
}

func TestTokensRevoke_Unknown(t *testing.T) {
	_, err := execute(t, "tokens", "revoke", "--token", "not-a-token")
	assert.ErrorContains(t, err, "unknown or already expired")
}

func TestTokensCheck_Unknown(t *testing.T) {
	out, err := execute(t, "tokens", "check", "--token", "not-a-token")
	require.NoError(t, err)
	assert.Equal(t, "valid\n", out)
}
