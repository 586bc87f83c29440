// Package config loads daemon configuration from a TOML file with
// environment-variable overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML files can use "30s"-style strings.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds all daemon settings.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	DataDir    string `toml:"data_dir"`
	LogLevel   string `toml:"log_level"`
	LogFile    string `toml:"log_file"`

	// Chat cache / throttle tuning.
	FreshnessWindow  Duration `toml:"freshness_window"`
	ThrottleMin      Duration `toml:"throttle_min"`
	BackoffCeiling   Duration `toml:"backoff_ceiling"`
	ChatFetchTimeout Duration `toml:"chat_fetch_timeout"`
	MsgFetchTimeout  Duration `toml:"msg_fetch_timeout"`
	MediaTimeout     Duration `toml:"media_timeout"`

	// Lifecycle tuning.
	GuardTimeout  Duration `toml:"guard_timeout"`
	IdleTimeout   Duration `toml:"idle_timeout"`
	SweepInterval Duration `toml:"sweep_interval"`

	// HTTP surface.
	RateRPS     float64  `toml:"rate_rps"`
	RateBurst   int      `toml:"rate_burst"`
	CORSOrigins []string `toml:"cors_origins"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		DataDir:          "~/.wams",
		LogLevel:         "info",
		FreshnessWindow:  Duration{60 * time.Second},
		ThrottleMin:      Duration{10 * time.Second},
		BackoffCeiling:   Duration{5 * time.Minute},
		ChatFetchTimeout: Duration{8 * time.Second},
		MsgFetchTimeout:  Duration{10 * time.Second},
		MediaTimeout:     Duration{10 * time.Second},
		GuardTimeout:     Duration{30 * time.Second},
		IdleTimeout:      Duration{time.Hour},
		SweepInterval:    Duration{5 * time.Minute},
		RateRPS:          5.0,
		RateBurst:        10,
	}
}

// Load builds the configuration: defaults, then the TOML file at path
// (skipped when path is empty), then environment overrides, then
// validation. Returns an error if the named file is unreadable or the
// resulting configuration is invalid.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataDir, "wamsd.log")
	}
	cfg.LogFile = expandHome(cfg.LogFile)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent dirs as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks invariants on the loaded configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen_addr must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of: debug, info, warn, error", c.LogLevel)
	}
	for name, d := range map[string]time.Duration{
		"freshness_window":   c.FreshnessWindow.Duration,
		"throttle_min":       c.ThrottleMin.Duration,
		"backoff_ceiling":    c.BackoffCeiling.Duration,
		"chat_fetch_timeout": c.ChatFetchTimeout.Duration,
		"msg_fetch_timeout":  c.MsgFetchTimeout.Duration,
		"media_timeout":      c.MediaTimeout.Duration,
		"guard_timeout":      c.GuardTimeout.Duration,
		"idle_timeout":       c.IdleTimeout.Duration,
		"sweep_interval":     c.SweepInterval.Duration,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if c.FreshnessWindow.Duration < 15*time.Second || c.FreshnessWindow.Duration > 120*time.Second {
		return errors.New("freshness_window must be between 15s and 120s")
	}
	if c.BackoffCeiling.Duration < c.ThrottleMin.Duration {
		return errors.New("backoff_ceiling must be >= throttle_min")
	}
	if c.RateRPS < 0 {
		return errors.New("rate_rps must be >= 0")
	}
	if c.RateBurst < 1 {
		return errors.New("rate_burst must be >= 1")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = getenv("WAMS_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataDir = getenv("WAMS_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = strings.ToLower(getenv("WAMS_LOG_LEVEL", cfg.LogLevel))
	cfg.LogFile = getenv("WAMS_LOG_FILE", cfg.LogFile)
	cfg.FreshnessWindow = getdur("WAMS_FRESHNESS_WINDOW", cfg.FreshnessWindow)
	cfg.ThrottleMin = getdur("WAMS_THROTTLE_MIN", cfg.ThrottleMin)
	cfg.BackoffCeiling = getdur("WAMS_BACKOFF_CEILING", cfg.BackoffCeiling)
	cfg.ChatFetchTimeout = getdur("WAMS_CHAT_FETCH_TIMEOUT", cfg.ChatFetchTimeout)
	cfg.MsgFetchTimeout = getdur("WAMS_MSG_FETCH_TIMEOUT", cfg.MsgFetchTimeout)
	cfg.MediaTimeout = getdur("WAMS_MEDIA_TIMEOUT", cfg.MediaTimeout)
	cfg.GuardTimeout = getdur("WAMS_GUARD_TIMEOUT", cfg.GuardTimeout)
	cfg.IdleTimeout = getdur("WAMS_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.SweepInterval = getdur("WAMS_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.RateRPS = getfloat("WAMS_RATE_RPS", cfg.RateRPS)
	cfg.RateBurst = getint("WAMS_RATE_BURST", cfg.RateBurst)
	if origins := splitCSV(getenv("WAMS_CORS_ORIGINS", "")); origins != nil {
		cfg.CORSOrigins = origins
	}
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getdur(k string, def Duration) Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return Duration{d}
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
