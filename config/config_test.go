package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "BATCH_SIZE", "FLUSH_INTERVAL", "CACHE_TTL", "MAX_WORKERS", "SECRET_KEY", "GCS_BUCKET", "DEPLOYMENT"} {
		t.Setenv(k, "")
	}
	c := Load(filepath.Join(t.TempDir(), "missing.env"))

	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, 25, c.Batching.BatchSize)
	assert.Equal(t, 10*time.Second, c.Batching.FlushInterval)
	assert.Equal(t, 5*time.Minute, c.Batching.CacheTTL)
	assert.Equal(t, 5, c.Batching.MaxWorkers)
	assert.Equal(t, 1000, c.Limits.MaxMessageChars)
	assert.Equal(t, 500, c.Limits.MaxResponseChars)
	assert.Equal(t, DefaultDeployment, c.Realtime.Deployment)
	assert.Len(t, c.SecretKey, 64)
	assert.Empty(t, c.Storage.Bucket)
}

func TestLoad_EnvOverridesAndFile(t *testing.T) {
	t.Setenv("BATCH_SIZE", "3")
	t.Setenv("FLUSH_INTERVAL", "250ms")
	t.Setenv("CACHE_TTL", "60")
	t.Setenv("DISCONNECT_GRACE", "-1s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_URI", "")

	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("REDIS_URL=redis://localhost:6379/0\n"), 0o600))
	t.Setenv("REDIS_URL", "")
	require.NoError(t, os.Unsetenv("REDIS_URL"))

	c := Load(envFile)
	assert.Equal(t, 3, c.Batching.BatchSize)
	assert.Equal(t, 250*time.Millisecond, c.Batching.FlushInterval)
	assert.Equal(t, time.Minute, c.Batching.CacheTTL)
	assert.Equal(t, -time.Second, c.Limits.DisconnectGrace)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.AllowedOrigins)
	assert.Equal(t, "redis://localhost:6379/0", c.RedisAddr)
}
