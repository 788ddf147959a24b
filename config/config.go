// Package config loads the service configuration: a YAML file with
// environment overrides for deploy-time settings, and a separate
// hot-reloadable flag file for runtime toggles (see flags.go).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "1200ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the deploy-time service configuration.
type Config struct {
	HTTP struct {
		// Addr is the listen address for the webhook and admin surface.
		Addr string `yaml:"addr"`
		// DebugAddr serves pprof and the debug log enabler when set.
		DebugAddr string `yaml:"debug_addr"`
	} `yaml:"http"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Gateway struct {
		BaseURL  string `yaml:"base_url"`
		APIKey   string `yaml:"api_key"`
		Instance string `yaml:"instance"`
	} `yaml:"gateway"`

	Turn struct {
		Debounce Duration `yaml:"debounce"`
		TurnTTL  Duration `yaml:"turn_ttl"`
		LockTTL  Duration `yaml:"lock_ttl"`
		Workers  int      `yaml:"workers"`
	} `yaml:"turn"`

	Dedup struct {
		MessageTTL Duration `yaml:"message_ttl"`
		IdemTTL    Duration `yaml:"idem_ttl"`
	} `yaml:"dedup"`

	Pipeline struct {
		MaxTextLen    int `yaml:"max_text_len"`
		RatePerMinute int `yaml:"rate_per_minute"`
		RateBurst     int `yaml:"rate_burst"`
	} `yaml:"pipeline"`

	Guards struct {
		RecursionLimit   int64    `yaml:"recursion_limit"`
		RecursionTTL     Duration `yaml:"recursion_ttl"`
		GreetingCooldown Duration `yaml:"greeting_cooldown"`
	} `yaml:"guards"`

	Delivery struct {
		Deadline    Duration `yaml:"deadline"`
		SendRetries uint64   `yaml:"send_retries"`
	} `yaml:"delivery"`

	Outbox struct {
		// Retention bounds how long sent rows are kept before the janitor
		// purges them.
		Retention Duration `yaml:"retention"`
		// JanitorInterval is how often the janitor runs. Zero disables it.
		JanitorInterval Duration `yaml:"janitor_interval"`
	} `yaml:"outbox"`

	// FlagsPath is the hot-reloadable flag file watched at runtime.
	FlagsPath string `yaml:"flags_path"`

	Debug bool `yaml:"debug"`
}

// Default returns the configuration with every tunable at its documented
// default.
func Default() Config {
	var c Config
	c.HTTP.Addr = ":8080"
	c.Redis.Addr = "localhost:6379"
	c.Gateway.BaseURL = "http://localhost:8081"
	c.Gateway.Instance = "default"
	c.Turn.Debounce = Duration(1200 * time.Millisecond)
	c.Turn.TurnTTL = Duration(60 * time.Second)
	c.Turn.LockTTL = Duration(15 * time.Second)
	c.Turn.Workers = 8
	c.Dedup.MessageTTL = Duration(60 * time.Second)
	c.Dedup.IdemTTL = Duration(24 * time.Hour)
	c.Pipeline.MaxTextLen = 1000
	c.Pipeline.RatePerMinute = 50
	c.Pipeline.RateBurst = 10
	c.Guards.RecursionLimit = 8
	c.Guards.RecursionTTL = Duration(5 * time.Minute)
	c.Guards.GreetingCooldown = Duration(30 * time.Second)
	c.Delivery.Deadline = Duration(30 * time.Second)
	c.Delivery.SendRetries = 2
	c.Outbox.Retention = Duration(7 * 24 * time.Hour)
	c.Outbox.JanitorInterval = Duration(time.Hour)
	return c
}

// Load reads the YAML file at path (optional: an empty path or missing file
// keeps the defaults), applies environment overrides, and validates.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Addr = envOr("RECEPTA_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.DebugAddr = envOr("RECEPTA_DEBUG_ADDR", c.HTTP.DebugAddr)
	c.Redis.Addr = envOr("RECEPTA_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOr("RECEPTA_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envIntOr("RECEPTA_REDIS_DB", c.Redis.DB)
	c.Postgres.DSN = envOr("RECEPTA_POSTGRES_DSN", c.Postgres.DSN)
	c.Gateway.BaseURL = envOr("RECEPTA_GATEWAY_URL", c.Gateway.BaseURL)
	c.Gateway.APIKey = envOr("RECEPTA_GATEWAY_APIKEY", c.Gateway.APIKey)
	c.Gateway.Instance = envOr("RECEPTA_GATEWAY_INSTANCE", c.Gateway.Instance)
	c.Turn.Debounce = envDurationOr("RECEPTA_DEBOUNCE", c.Turn.Debounce)
	c.Turn.Workers = envIntOr("RECEPTA_TURN_WORKERS", c.Turn.Workers)
	c.FlagsPath = envOr("RECEPTA_FLAGS_PATH", c.FlagsPath)
	if os.Getenv("RECEPTA_DEBUG") != "" {
		c.Debug = true
	}
}

// Validate rejects configurations that would break the pipeline invariants.
func (c *Config) Validate() error {
	if c.Turn.Debounce <= 0 {
		return fmt.Errorf("config: turn.debounce must be positive")
	}
	if c.Turn.TurnTTL.Std() < c.Turn.Debounce.Std() {
		return fmt.Errorf("config: turn.turn_ttl must cover the debounce window")
	}
	if c.Turn.LockTTL <= 0 {
		return fmt.Errorf("config: turn.lock_ttl must be positive")
	}
	if c.Dedup.IdemTTL.Std() < 24*time.Hour {
		return fmt.Errorf("config: dedup.idem_ttl must be at least 24h")
	}
	if c.Delivery.Deadline <= 0 {
		return fmt.Errorf("config: delivery.deadline must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDurationOr(key string, fallback Duration) Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return Duration(d)
		}
	}
	return fallback
}
