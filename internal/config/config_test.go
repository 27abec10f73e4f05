package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clinsync/internal/syncer"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "clinsync.db", cfg.Database)
	assert.Equal(t, "http://localhost:8650", cfg.Remote.URL)
	assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, syncer.DefaultConfig(), cfg.Sync.Engine())
}

func TestLoad_FileEnvAndFlagPrecedence(t *testing.T) {
	path := writeFile(t, "clinsync.yaml", `
database: /var/lib/clinsync/clinic.db
user_id: dr-1
remote:
  url: https://sync.example.org
  timeout: 10s
sync:
  batch_size: 20
  interval: 5m
  claim_timeout: 2m
  backoff:
    initial: 1s
    jitter: 0
log:
  format: json
`)
	t.Setenv("CLINSYNC_SYNC_BATCH_SIZE", "30")
	t.Setenv("CLINSYNC_USER_ID", "dr-2")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("user", "", "")
	fs.Duration("interval", 0, "")
	require.NoError(t, fs.Parse([]string{"--user", "dr-3"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/clinsync/clinic.db", cfg.Database)
	assert.Equal(t, "https://sync.example.org", cfg.Remote.URL)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	// env beats file, a set flag beats env
	assert.Equal(t, 30, cfg.Sync.BatchSize)
	assert.Equal(t, "dr-3", cfg.UserID)
	// an unset flag does not shadow the file
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, time.Second, cfg.Sync.Backoff.Initial)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Backoff.Max)
	assert.Zero(t, cfg.Sync.Backoff.Jitter)
	assert.Equal(t, "json", cfg.Log.Format)

	eng := cfg.Sync.Engine()
	assert.Equal(t, 30, eng.BatchSize)
	assert.Equal(t, 2*time.Minute, eng.ClaimTimeout)
	assert.Equal(t, time.Second, eng.Backoff.Initial)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_Invalid(t *testing.T) {
	path := writeFile(t, "bad.yaml", `
sync:
  batch_size: 0
  backoff:
    jitter: 1.5
log:
  format: xml
`)
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.batch_size")
	assert.Contains(t, err.Error(), "sync.backoff.jitter")
	assert.Contains(t, err.Error(), `log.format: "xml" is invalid`)
}
