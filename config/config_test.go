package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Mode)
	assert.Equal(t, 5*time.Second, cfg.Social.OpTimeout)
	assert.Equal(t, 8, cfg.Social.MaxCASRetries)
	assert.Equal(t, 90*time.Second, cfg.Social.PresenceTTL)
	assert.Equal(t, 3, cfg.Social.PublishAttempts)
	assert.Equal(t, 256, cfg.Cache.LocalPubSubBuf)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  mode: sqlite_memory
security:
  jwt_secret: s3cret
  admin_ips: ["10.0.0.1"]
social:
  op_timeout: 250ms
  presence_ttl: 2m
`))
	require.NoError(t, err)

	assert.Equal(t, "sqlite_memory", cfg.Database.Mode)
	assert.Equal(t, "s3cret", cfg.Security.JWTSecret)
	assert.Equal(t, []string{"10.0.0.1"}, cfg.Security.AdminIPs)
	assert.Equal(t, 250*time.Millisecond, cfg.Social.OpTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Social.PresenceTTL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("FRIENDSYNC_SECURITY_JWT_SECRET", "from-env")
	t.Setenv("FRIENDSYNC_SERVER_ADMIN_KEY", "admin-from-env")
	t.Setenv("FRIENDSYNC_SOCIAL_PRESENCE_TTL", "45s")

	cfg, err := Load(writeConfig(t, "security:\n  jwt_secret: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Security.JWTSecret)
	assert.Equal(t, "admin-from-env", cfg.Server.AdminKey)
	assert.Equal(t, 45*time.Second, cfg.Social.PresenceTTL)
}
