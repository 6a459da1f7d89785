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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 1000, cfg.BatchMaxChunk)
	assert.Equal(t, 15*time.Millisecond, cfg.BatchWindow)
	assert.Equal(t, 250*time.Millisecond, cfg.GateJitter)
	assert.Equal(t, 10000, cfg.MemoryCacheMax)
	assert.Equal(t, 1000, cfg.WSMaxSubs)
	assert.Equal(t, 5.0, cfg.PerEventRPS["subscribe"])
}

func TestMissingFileIsNotAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
}

func TestYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
batch_max_chunk: 500
redis_addr: "redis:6379"
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 500, cfg.BatchMaxChunk)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 1000, cfg.WSMaxSubs, "untouched keys keep defaults")
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9090\"\n"), 0o644))

	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("BATCH_WINDOW_MS", "25")
	t.Setenv("GATE_JITTER_MS", "100")
	t.Setenv("PER_EVENT_RPS", "subscribe=50,get_quote=99,garbage")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 25*time.Millisecond, cfg.BatchWindow)
	assert.Equal(t, 100*time.Millisecond, cfg.GateJitter)
	assert.Equal(t, 50.0, cfg.PerEventRPS["subscribe"])
	assert.Equal(t, 99.0, cfg.PerEventRPS["get_quote"])
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"zero chunk":       func(c *Config) { c.BatchMaxChunk = 0 },
		"zero subs":        func(c *Config) { c.WSMaxSubs = 0 },
		"negative jitter":  func(c *Config) { c.GateJitter = -time.Millisecond },
		"oversized jitter": func(c *Config) { c.GateJitter = 300 * time.Millisecond },
		"zero cache":       func(c *Config) { c.MemoryCacheMax = 0 },
		"zero deadline":    func(c *Config) { c.SnapshotDeadline = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		assert.Error(t, cfg.validate(), name)
	}
}

func TestMalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
