// Package config loads the service configuration from a YAML or JSON file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

type Server struct {
	Port              string `yaml:"port" json:"port" env:"PORT" validate:"required"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec" json:"request_timeout_sec" env:"REQUEST_TIMEOUT_SEC" validate:"gte=1"`
	// MaxConnsPerHost bounds outgoing connections to one feed host.
	MaxConnsPerHost int `yaml:"max_conns_per_host" json:"max_conns_per_host" env:"MAX_CONNS_PER_HOST" validate:"gte=0"`
}

type Refresh struct {
	// IntervalSec is the pause between the end of a scheduled run and the
	// start of the next. Zero disables scheduled runs.
	IntervalSec       int      `yaml:"interval_sec" json:"interval_sec" env:"REFRESH_INTERVAL_SEC" validate:"gte=0"`
	FlushIntervalMs   int      `yaml:"flush_interval_ms" json:"flush_interval_ms" env:"REFRESH_FLUSH_INTERVAL_MS" validate:"gte=0"`
	RunTimeoutSec     int      `yaml:"run_timeout_sec" json:"run_timeout_sec" env:"REFRESH_RUN_TIMEOUT_SEC" validate:"gte=0"`
	Portfolios        []string `yaml:"portfolios" json:"portfolios" env:"REFRESH_PORTFOLIOS" env-separator:","`
	IncludeHistorical bool     `yaml:"include_historical" json:"include_historical" env:"REFRESH_INCLUDE_HISTORICAL"`
	IncludeLatest     bool     `yaml:"include_latest" json:"include_latest" env:"REFRESH_INCLUDE_LATEST"`
}

type Store struct {
	Driver string `yaml:"driver" json:"driver" env:"STORE_DRIVER" validate:"oneof=memory sqlite"`
	Path   string `yaml:"path" json:"path" env:"STORE_PATH" validate:"required_if=Driver sqlite"`
}

type Kafka struct {
	Enabled bool     `yaml:"enabled" json:"enabled" env:"KAFKA_ENABLED"`
	Brokers []string `yaml:"brokers" json:"brokers" env:"KAFKA_BROKERS" env-separator:"," validate:"required_if=Enabled true"`
	Topic   string   `yaml:"topic" json:"topic" env:"KAFKA_TOPIC" validate:"required_if=Enabled true"`
	Buffer  int      `yaml:"buffer" json:"buffer" env:"KAFKA_BUFFER" validate:"gte=0"`
}

type Log struct {
	Level  string `yaml:"level" json:"level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" env:"LOG_FORMAT" validate:"oneof=text json"`
}

// Feed configures one quote API feed and the limits wrapped around it.
type Feed struct {
	ID      string `yaml:"id" json:"id" validate:"required,ne=MANUAL"`
	BaseURL string `yaml:"base_url" json:"base_url" validate:"required,url"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
	APIKey    string `yaml:"-" json:"-"`
	// Headers are sent with every request to the feed.
	Headers map[string]string `yaml:"headers" json:"headers"`

	HistoryDays          int     `yaml:"history_days" json:"history_days" validate:"gte=0"`
	MaxRetryAttempts     int     `yaml:"max_retry_attempts" json:"max_retry_attempts" validate:"gte=0"`
	MergeRequests        bool    `yaml:"merge_requests" json:"merge_requests"`
	RequiresLogin        bool    `yaml:"requires_login" json:"requires_login"`
	DefaultRetryAfterSec int     `yaml:"default_retry_after_sec" json:"default_retry_after_sec" validate:"gte=0"`
	MaxRequestsPerMinute float64 `yaml:"max_requests_per_minute" json:"max_requests_per_minute" validate:"gte=0"`
	Burst                int     `yaml:"burst" json:"burst" validate:"gte=0"`
	MinRequestIntervalMs int     `yaml:"min_request_interval_ms" json:"min_request_interval_ms" validate:"gte=0"`
	CacheTTLSec          int     `yaml:"cache_ttl_sec" json:"cache_ttl_sec" validate:"gte=0"`
	CacheMaxItems        int     `yaml:"cache_max_items" json:"cache_max_items" validate:"gte=0"`
}

type Config struct {
	Server  Server  `yaml:"server" json:"server"`
	Refresh Refresh `yaml:"refresh" json:"refresh"`
	Store   Store   `yaml:"store" json:"store"`
	Kafka   Kafka   `yaml:"kafka" json:"kafka"`
	Log     Log     `yaml:"log" json:"log"`
	Feeds   []Feed  `yaml:"feeds" json:"feeds" validate:"unique=ID,dive"`
	// InstrumentsFile seeds the store with instrument definitions at start.
	InstrumentsFile  string `yaml:"instruments_file" json:"instruments_file" env:"INSTRUMENTS_FILE"`
	DefaultPortfolio string `yaml:"default_portfolio" json:"default_portfolio" env:"DEFAULT_PORTFOLIO" validate:"required"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 10, MaxConnsPerHost: 4},
		Refresh: Refresh{
			IntervalSec:       900,
			FlushIntervalMs:   250,
			RunTimeoutSec:     600,
			IncludeHistorical: true,
			IncludeLatest:     true,
		},
		Store:            Store{Driver: "sqlite", Path: "prices.db"},
		Kafka:            Kafka{Topic: "price-refresh-progress", Buffer: 256},
		Log:              Log{Level: "info", Format: "text"},
		DefaultPortfolio: "default",
	}
}

// Load reads config from path. If path is empty config.yaml in the working
// directory is used when present; a missing file leaves the defaults.
// Environment variables override file values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = "config.yaml"
	}

	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		err = cleanenv.ReadConfig(path, &cfg)
	} else if errors.Is(statErr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&cfg)
	} else {
		err = statErr
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	for i := range cfg.Feeds {
		if env := cfg.Feeds[i].APIKeyEnv; env != "" {
			cfg.Feeds[i].APIKey = os.Getenv(env)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSec) * time.Second
}

func (r Refresh) Interval() time.Duration { return time.Duration(r.IntervalSec) * time.Second }

func (r Refresh) FlushInterval() time.Duration {
	return time.Duration(r.FlushIntervalMs) * time.Millisecond
}

func (r Refresh) RunTimeout() time.Duration { return time.Duration(r.RunTimeoutSec) * time.Second }

// NewLogger builds the process logger.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
