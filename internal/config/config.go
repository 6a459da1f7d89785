// Package config loads the gateway configuration once at startup:
// compiled defaults, then an optional YAML file, then environment
// overrides. The resulting value is immutable; components receive it at
// construction and never read the environment themselves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the complete gateway configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	UpstreamBaseURL string `yaml:"upstream_base_url"`
	UpstreamWSURL   string `yaml:"upstream_ws_url"`
	UpstreamAPIKey  string `yaml:"upstream_api_key"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	DatabaseURL string `yaml:"database_url"`

	BatchMaxChunk       int           `yaml:"batch_max_chunk"`
	BatchWindow         time.Duration `yaml:"batch_window"`
	GateJitter          time.Duration `yaml:"gate_jitter"`
	MemoryCacheTTL      time.Duration `yaml:"memory_cache_ttl"`
	MemoryCacheMax      int           `yaml:"memory_cache_max"`
	TickCacheTTL        time.Duration `yaml:"tick_cache_ttl"`
	WSMaxSubs           int           `yaml:"ws_max_subs"`
	ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff"`
	SnapshotDeadline    time.Duration `yaml:"snapshot_deadline"`
	HTTPTimeout         time.Duration `yaml:"http_timeout"`

	// PerEventRPS maps push-channel event names to a per-tenant RPS
	// ceiling. Tenant overrides win over this map.
	PerEventRPS map[string]float64 `yaml:"per_event_rps"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		ListenAddr:          ":8080",
		UpstreamBaseURL:     "https://vortex.example.com",
		UpstreamWSURL:       "wss://vortex.example.com/feed",
		BatchMaxChunk:       1000,
		BatchWindow:         15 * time.Millisecond,
		GateJitter:          250 * time.Millisecond,
		MemoryCacheTTL:      5 * time.Second,
		MemoryCacheMax:      10000,
		TickCacheTTL:        10 * time.Second,
		WSMaxSubs:           1000,
		ReconnectMaxBackoff: 60 * time.Second,
		SnapshotDeadline:    3 * time.Second,
		HTTPTimeout:         1500 * time.Millisecond,
		PerEventRPS: map[string]float64{
			"subscribe":          5,
			"unsubscribe":        5,
			"set_mode":           5,
			"get_quote":          10,
			"list_subscriptions": 2,
			"unsubscribe_all":    2,
			"status":             2,
			"whoami":             2,
		},
		RedisAddr: "localhost:6379",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load builds the configuration. path may be empty; a missing file is
// not an error, the defaults plus environment win.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("unmarshal config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("LISTEN_ADDR", &cfg.ListenAddr)
	envStr("UPSTREAM_BASE_URL", &cfg.UpstreamBaseURL)
	envStr("UPSTREAM_WS_URL", &cfg.UpstreamWSURL)
	envStr("UPSTREAM_API_KEY", &cfg.UpstreamAPIKey)
	envStr("REDIS_ADDR", &cfg.RedisAddr)
	envStr("REDIS_PASSWORD", &cfg.RedisPassword)
	envInt("REDIS_DB", &cfg.RedisDB)
	envStr("DATABASE_URL", &cfg.DatabaseURL)
	envInt("BATCH_MAX_CHUNK", &cfg.BatchMaxChunk)
	envMillis("BATCH_WINDOW_MS", &cfg.BatchWindow)
	envMillis("GATE_JITTER_MS", &cfg.GateJitter)
	envMillis("MEMORY_CACHE_TTL_MS", &cfg.MemoryCacheTTL)
	envInt("MEMORY_CACHE_MAX", &cfg.MemoryCacheMax)
	envMillis("TICK_CACHE_TTL_MS", &cfg.TickCacheTTL)
	envInt("WS_MAX_SUBS", &cfg.WSMaxSubs)
	envMillis("RECONNECT_MAX_BACKOFF_MS", &cfg.ReconnectMaxBackoff)
	envMillis("SNAPSHOT_DEADLINE_MS", &cfg.SnapshotDeadline)
	envMillis("HTTP_TIMEOUT_MS", &cfg.HTTPTimeout)
	envStr("LOG_LEVEL", &cfg.LogLevel)
	envStr("LOG_FORMAT", &cfg.LogFormat)

	// PER_EVENT_RPS holds comma-separated name=rps entries, e.g.
	// "subscribe=5,get_quote=20".
	if raw := os.Getenv("PER_EVENT_RPS"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			name, val, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok {
				continue
			}
			if rps, err := strconv.ParseFloat(val, 64); err == nil && rps > 0 {
				cfg.PerEventRPS[name] = rps
			}
		}
	}
}

func (c Config) validate() error {
	if c.BatchMaxChunk <= 0 {
		return fmt.Errorf("batch_max_chunk must be positive, got %d", c.BatchMaxChunk)
	}
	if c.WSMaxSubs <= 0 {
		return fmt.Errorf("ws_max_subs must be positive, got %d", c.WSMaxSubs)
	}
	if c.GateJitter < 0 || c.GateJitter > 250*time.Millisecond {
		return fmt.Errorf("gate_jitter must be within [0ms, 250ms], got %s", c.GateJitter)
	}
	if c.MemoryCacheMax <= 0 {
		return fmt.Errorf("memory_cache_max must be positive, got %d", c.MemoryCacheMax)
	}
	if c.SnapshotDeadline <= 0 {
		return fmt.Errorf("snapshot_deadline must be positive, got %s", c.SnapshotDeadline)
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envMillis(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
