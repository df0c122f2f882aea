package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":80", cfg.Server.HTTPAddr)
	assert.Equal(t, ":443", cfg.Server.TLSAddr)
	assert.Equal(t, "127.0.0.1:8081", cfg.Server.AdminAddr)
	assert.Equal(t, "policy.json", cfg.Policy.Path)
	assert.Equal(t, 4*time.Minute, cfg.ApprovalTimeout())
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_addr: ":8080"
  tls_addr: ":8443"
  idle_timeout: "2m"
policy:
  path: /etc/tokengate/policy.json
  watch: true
approvals:
  timeout: "90s"
audit:
  sqlite:
    path: /var/lib/tokengate/events.db
logging:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/etc/tokengate/policy.json", cfg.Policy.Path)
	assert.True(t, cfg.Policy.Watch)
	assert.Equal(t, 90*time.Second, cfg.ApprovalTimeout())
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "2m", cfg.Server.IdleTimeout)
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "bad-duration.yaml")
	require.NoError(t, os.WriteFile(path, []byte("approvals:\n  timeout: nope\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	path = filepath.Join(dir, "bad-format.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  format: xml\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)

	path = filepath.Join(dir, "totp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("approvals:\n  totp:\n    enabled: true\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err, "TOTP without secret env var")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
