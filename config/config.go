// Package config loads the engine's configuration: built-in defaults, then
// an optional YAML file named by ALERTENGINE_CONFIG, then environment
// variables. A .env file in the working directory is loaded first and never
// overrides variables already set.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"trading-alerts/internal/logger"
)

// Portfolio sources.
const (
	PortfolioSQLite = "sqlite"
	PortfolioPaper  = "paper"
)

// Config holds all application configuration.
type Config struct {
	Service   string `yaml:"service"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json or text

	// Infrastructure
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"` // empty disables Redis
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	CandleCache   bool   `yaml:"candle_cache"` // serve candles through Redis
	MetricsAddr   string `yaml:"metrics_addr"`
	APIAddr       string `yaml:"api_addr"`

	// Scheduler
	TickInterval  time.Duration `yaml:"tick_interval"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	Workers       int           `yaml:"workers"`
	Holidays      []string      `yaml:"holidays"` // extra YYYY-MM-DD closures

	// Retention
	RetentionDays int    `yaml:"retention_days"` // 0 disables pruning
	RetentionCron string `yaml:"retention_cron"`

	// Fan-out
	StreamReplay  int    `yaml:"stream_replay"`
	WebhookURL    string `yaml:"webhook_url"`
	TelegramToken string `yaml:"telegram_token"`
	TelegramChat  string `yaml:"telegram_chat"`
	LogAlerts     bool   `yaml:"log_alerts"`

	PortfolioSource string `yaml:"portfolio_source"` // sqlite or paper
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Service:         "alertengine",
		LogLevel:        "info",
		LogFormat:       "json",
		SQLitePath:      "data/alerts.db",
		MetricsAddr:     ":9090",
		APIAddr:         ":8080",
		TickInterval:    time.Minute,
		LookupTimeout:   5 * time.Second,
		Workers:         4,
		RetentionDays:   90,
		RetentionCron:   "30 2 * * *",
		StreamReplay:    200,
		LogAlerts:       true,
		PortfolioSource: PortfolioSQLite,
	}
}

// Load builds the configuration for the process.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] ignoring .env: %v", err)
	}

	cfg := Defaults()
	if path := os.Getenv("ALERTENGINE_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("decode yaml %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() error {
	var errs []error

	c.Service = getEnv("SERVICE_NAME", c.Service)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB, &errs)
	c.CandleCache = getEnvBool("CANDLE_CACHE", c.CandleCache, &errs)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.APIAddr = getEnv("API_ADDR", c.APIAddr)

	c.TickInterval = getEnvDuration("TICK_INTERVAL", c.TickInterval, &errs)
	c.LookupTimeout = getEnvDuration("LOOKUP_TIMEOUT", c.LookupTimeout, &errs)
	c.Workers = getEnvInt("WORKERS", c.Workers, &errs)
	if v := os.Getenv("MARKET_HOLIDAYS"); v != "" {
		c.Holidays = splitList(v)
	}

	c.RetentionDays = getEnvInt("RETENTION_DAYS", c.RetentionDays, &errs)
	c.RetentionCron = getEnv("RETENTION_CRON", c.RetentionCron)

	c.StreamReplay = getEnvInt("STREAM_REPLAY", c.StreamReplay, &errs)
	c.WebhookURL = getEnv("WEBHOOK_URL", c.WebhookURL)
	c.TelegramToken = getEnv("TELEGRAM_TOKEN", c.TelegramToken)
	c.TelegramChat = getEnv("TELEGRAM_CHAT", c.TelegramChat)
	c.LogAlerts = getEnvBool("LOG_ALERTS", c.LogAlerts, &errs)

	c.PortfolioSource = getEnv("PORTFOLIO_SOURCE", c.PortfolioSource)
	return errors.Join(errs...)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.SQLitePath == "" {
		errs = append(errs, errors.New("sqlite_path is required"))
	}
	if c.TickInterval < time.Second {
		errs = append(errs, fmt.Errorf("tick_interval %s below 1s", c.TickInterval))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("retention_days must not be negative, got %d", c.RetentionDays))
	}
	if c.TelegramToken != "" && c.TelegramChat == "" {
		errs = append(errs, errors.New("telegram_chat is required with telegram_token"))
	}
	if c.CandleCache && c.RedisAddr == "" {
		errs = append(errs, errors.New("candle_cache needs redis_addr"))
	}
	switch c.PortfolioSource {
	case PortfolioSQLite, PortfolioPaper:
	default:
		errs = append(errs, fmt.Errorf("unknown portfolio_source %q", c.PortfolioSource))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LoggerOptions returns the logger settings. Call after Validate.
func (c *Config) LoggerOptions() logger.Options {
	lvl, _ := logger.ParseLevel(c.LogLevel)
	return logger.Options{Level: lvl, Format: c.LogFormat}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
