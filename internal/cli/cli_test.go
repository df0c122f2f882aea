package cli

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot("test")
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPatternTestMatch(t *testing.T) {
	out, err := runCommand(t, "pattern", "test", "GET /repos/*/actions", "GET /repos/acme/actions")
	require.NoError(t, err)
	assert.Contains(t, out, "match")
}

func TestPatternTestNoMatch(t *testing.T) {
	out, err := runCommand(t, "pattern", "test", "GET /repos/*/actions", "POST /repos/acme/actions")
	require.Error(t, err)
	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, ee.Code())
	assert.Contains(t, out, "no match")
}

func TestPatternTestUnknownVariable(t *testing.T) {
	_, err := runCommand(t, "pattern", "test", "GRAPHQL mutation m(a: $FOO)", `GRAPHQL mutation m(a: "x")`)
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := runCommand(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "tokengate test\n", out)
}

func TestTOTPSetup(t *testing.T) {
	out, err := runCommand(t, "totp", "setup")
	require.NoError(t, err)
	assert.Contains(t, out, "secret_env_var")
	assert.Contains(t, out, "TOKENGATE_TOTP_SECRET=")
}
