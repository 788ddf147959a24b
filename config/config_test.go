package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recepta-ai/recepta/telemetry"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, 1200*time.Millisecond, c.Turn.Debounce.Std())
	assert.Equal(t, 60*time.Second, c.Turn.TurnTTL.Std())
	assert.Equal(t, 15*time.Second, c.Turn.LockTTL.Std())
	assert.Equal(t, 8, c.Turn.Workers)
	assert.Equal(t, 60*time.Second, c.Dedup.MessageTTL.Std())
	assert.Equal(t, 24*time.Hour, c.Dedup.IdemTTL.Std())
	assert.Equal(t, 1000, c.Pipeline.MaxTextLen)
	assert.Equal(t, int64(8), c.Guards.RecursionLimit)
	assert.Equal(t, 30*time.Second, c.Delivery.Deadline.Std())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
http:
  addr: ":9090"
gateway:
  base_url: "https://gw.example.com"
  instance: "clinic-7"
turn:
  debounce: 800ms
  workers: 2
delivery:
  deadline: 10s
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", c.HTTP.Addr)
	assert.Equal(t, "https://gw.example.com", c.Gateway.BaseURL)
	assert.Equal(t, "clinic-7", c.Gateway.Instance)
	assert.Equal(t, 800*time.Millisecond, c.Turn.Debounce.Std())
	assert.Equal(t, 2, c.Turn.Workers)
	assert.Equal(t, 10*time.Second, c.Delivery.Deadline.Std())

	// Untouched sections keep their defaults.
	assert.Equal(t, 60*time.Second, c.Turn.TurnTTL.Std())
	assert.Equal(t, 24*time.Hour, c.Dedup.IdemTTL.Std())
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.HTTP.Addr)
}

func TestLoadBadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "http: [not a map")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RECEPTA_HTTP_ADDR", ":7070")
	t.Setenv("RECEPTA_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("RECEPTA_REDIS_DB", "3")
	t.Setenv("RECEPTA_DEBOUNCE", "2s")
	t.Setenv("RECEPTA_TURN_WORKERS", "16")
	t.Setenv("RECEPTA_DEBUG", "1")

	path := writeFile(t, t.TempDir(), "config.yaml", `
http:
  addr: ":9090"
`)

	c, err := Load(path)
	require.NoError(t, err)

	// Environment wins over file over defaults.
	assert.Equal(t, ":7070", c.HTTP.Addr)
	assert.Equal(t, "redis.internal:6379", c.Redis.Addr)
	assert.Equal(t, 3, c.Redis.DB)
	assert.Equal(t, 2*time.Second, c.Turn.Debounce.Std())
	assert.Equal(t, 16, c.Turn.Workers)
	assert.True(t, c.Debug)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero debounce", func(c *Config) { c.Turn.Debounce = 0 }},
		{"turn ttl below debounce", func(c *Config) { c.Turn.TurnTTL = Duration(time.Second) }},
		{"zero lock ttl", func(c *Config) { c.Turn.LockTTL = 0 }},
		{"short idem ttl", func(c *Config) { c.Dedup.IdemTTL = Duration(time.Hour) }},
		{"zero deadline", func(c *Config) { c.Delivery.Deadline = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(&c)
			require.Error(t, c.Validate())
		})
	}
	good := Default()
	require.NoError(t, good.Validate())
}

func TestFlagSetDefaults(t *testing.T) {
	fs, err := NewFlagSet("", telemetry.NewNoopLogger())
	require.NoError(t, err)

	assert.True(t, fs.MainPipelineEnabled())
	assert.False(t, fs.TurnGuardOnly())
	assert.True(t, fs.RedisOutboxCache())
}

func TestFlagSetLoadsFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flags.yaml", `
main_pipeline_enabled: false
turn_guard_only: true
`)

	fs, err := NewFlagSet(path, telemetry.NewNoopLogger())
	require.NoError(t, err)

	assert.False(t, fs.MainPipelineEnabled())
	assert.True(t, fs.TurnGuardOnly())
	// Unlisted flags fall back to their defaults.
	assert.True(t, fs.RedisOutboxCache())
}

func TestFlagSetMissingFileKeepsDefaults(t *testing.T) {
	fs, err := NewFlagSet(filepath.Join(t.TempDir(), "absent.yaml"), telemetry.NewNoopLogger())
	require.NoError(t, err)
	assert.True(t, fs.MainPipelineEnabled())
}

func TestFlagSetWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "flags.yaml", "main_pipeline_enabled: true\n")

	fs, err := NewFlagSet(path, telemetry.NewNoopLogger())
	require.NoError(t, err)
	require.True(t, fs.MainPipelineEnabled())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fs.Watch(ctx)
	}()

	// Give the watcher time to register before the edit.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "flags.yaml", "main_pipeline_enabled: false\n")

	require.Eventually(t, func() bool {
		return !fs.MainPipelineEnabled()
	}, 3*time.Second, 20*time.Millisecond)

	// A broken edit keeps the previous snapshot.
	writeFile(t, dir, "flags.yaml", "main_pipeline_enabled: [broken")
	time.Sleep(200 * time.Millisecond)
	assert.False(t, fs.MainPipelineEnabled())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
