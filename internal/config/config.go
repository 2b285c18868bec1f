// Package config loads application configuration from an optional YAML file
// and environment variables, with the environment taking precedence.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "loom.db"
	defaultResultsDir   = "results"
	defaultCatalogDir   = "catalog"
	defaultBaseURL      = "http://localhost:8080"
	defaultTTL          = 24 * time.Hour
	defaultReapInterval = time.Minute
	defaultEvalWorkers  = 8
	defaultStoreRetries = 3

	envConfigFile    = "LOOM_CONFIG"
	envListenAddr    = "LOOM_LISTEN_ADDR"
	envDBPath        = "LOOM_DB_PATH"
	envLogLevel      = "LOOM_LOG_LEVEL"
	envResultsDir    = "LOOM_RESULTS_DIR"
	envCatalogDir    = "LOOM_CATALOG_DIR"
	envBaseURL       = "LOOM_BASE_URL"
	envDefaultTTL    = "LOOM_DEFAULT_TTL"
	envReapInterval  = "LOOM_REAP_INTERVAL"
	envCacheFailures = "LOOM_CACHE_FAILURES"
	envEvalWorkers   = "LOOM_EVAL_WORKERS"
	envStoreRetries  = "LOOM_STORE_RETRIES"
	envSendGridKey   = "LOOM_SENDGRID_KEY"
	envEmailFrom     = "LOOM_EMAIL_FROM"
)

// Config holds application configuration.
type Config struct {
	ListenAddr    string
	DBPath        string
	LogLevel      slog.Level
	ResultsDir    string
	CatalogDir    string
	BaseURL       string
	DefaultTTL    time.Duration
	ReapInterval  time.Duration
	CacheFailures bool
	EvalWorkers   int
	StoreRetries  int
	SendGridKey   string
	EmailFrom     string
}

// fileConfig is the YAML shape of the optional config file. Only fields
// present in the file override the defaults.
type fileConfig struct {
	ListenAddr    *string `yaml:"listen_addr"`
	DBPath        *string `yaml:"db_path"`
	LogLevel      *string `yaml:"log_level"`
	ResultsDir    *string `yaml:"results_dir"`
	CatalogDir    *string `yaml:"catalog_dir"`
	BaseURL       *string `yaml:"base_url"`
	DefaultTTL    *string `yaml:"default_ttl"`
	ReapInterval  *string `yaml:"reap_interval"`
	CacheFailures *bool   `yaml:"cache_failures"`
	EvalWorkers   *int    `yaml:"eval_workers"`
	StoreRetries  *int    `yaml:"store_retries"`
	SendGridKey   *string `yaml:"sendgrid_key"`
	EmailFrom     *string `yaml:"email_from"`
}

// Load reads configuration: defaults, then the YAML file named by LOOM_CONFIG
// (if set), then environment variables on top.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		ResultsDir:   defaultResultsDir,
		CatalogDir:   defaultCatalogDir,
		BaseURL:      defaultBaseURL,
		DefaultTTL:   defaultTTL,
		ReapInterval: defaultReapInterval,
		EvalWorkers:  defaultEvalWorkers,
		StoreRetries: defaultStoreRetries,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := loadEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.ListenAddr != nil {
		cfg.ListenAddr = *fc.ListenAddr
	}
	if fc.DBPath != nil {
		cfg.DBPath = *fc.DBPath
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = parseLogLevel(*fc.LogLevel)
	}
	if fc.ResultsDir != nil {
		cfg.ResultsDir = *fc.ResultsDir
	}
	if fc.CatalogDir != nil {
		cfg.CatalogDir = *fc.CatalogDir
	}
	if fc.BaseURL != nil {
		cfg.BaseURL = *fc.BaseURL
	}
	if fc.DefaultTTL != nil {
		d, err := time.ParseDuration(*fc.DefaultTTL)
		if err != nil {
			return fmt.Errorf("config file default_ttl: %w", err)
		}
		cfg.DefaultTTL = d
	}
	if fc.ReapInterval != nil {
		d, err := time.ParseDuration(*fc.ReapInterval)
		if err != nil {
			return fmt.Errorf("config file reap_interval: %w", err)
		}
		cfg.ReapInterval = d
	}
	if fc.CacheFailures != nil {
		cfg.CacheFailures = *fc.CacheFailures
	}
	if fc.EvalWorkers != nil {
		cfg.EvalWorkers = *fc.EvalWorkers
	}
	if fc.StoreRetries != nil {
		cfg.StoreRetries = *fc.StoreRetries
	}
	if fc.SendGridKey != nil {
		cfg.SendGridKey = *fc.SendGridKey
	}
	if fc.EmailFrom != nil {
		cfg.EmailFrom = *fc.EmailFrom
	}
	return nil
}

func loadEnv(cfg *Config) error {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envResultsDir); v != "" {
		cfg.ResultsDir = v
	}
	if v := os.Getenv(envCatalogDir); v != "" {
		cfg.CatalogDir = v
	}
	if v := os.Getenv(envBaseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv(envDefaultTTL); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envDefaultTTL, err)
		}
		cfg.DefaultTTL = d
	}
	if v := os.Getenv(envReapInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envReapInterval, err)
		}
		cfg.ReapInterval = d
	}
	if v := os.Getenv(envCacheFailures); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envCacheFailures, err)
		}
		cfg.CacheFailures = b
	}
	if v := os.Getenv(envEvalWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envEvalWorkers, err)
		}
		cfg.EvalWorkers = n
	}
	if v := os.Getenv(envStoreRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envStoreRetries, err)
		}
		cfg.StoreRetries = n
	}
	if v := os.Getenv(envSendGridKey); v != "" {
		cfg.SendGridKey = v
	}
	if v := os.Getenv(envEmailFrom); v != "" {
		cfg.EmailFrom = v
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
