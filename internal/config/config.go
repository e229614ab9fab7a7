// Package config loads importer settings from defaults, an optional YAML
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/maltedev/amazon-product-importer/internal/camouflage"
)

// Config is the complete application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
}

type ScraperConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	FetcherMode        string        `mapstructure:"fetcher_mode"`
	HourlyLimit        int           `mapstructure:"hourly_limit"`
	ErrorRateThreshold float64       `mapstructure:"error_rate_threshold"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
	RotationInterval   time.Duration `mapstructure:"rotation_interval"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	ImageTimeout       time.Duration `mapstructure:"image_timeout"`
	MaxImages          int           `mapstructure:"max_images"`
	SearchCacheSize    int           `mapstructure:"search_cache_size"`
	Markup             float64       `mapstructure:"markup"`
	DefaultPrice       float64       `mapstructure:"default_price"`
	UserAgents         []string      `mapstructure:"user_agents"`
}

type BrowserConfig struct {
	Headless    bool          `mapstructure:"headless"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Locale      string        `mapstructure:"locale"`
	TimezoneID  string        `mapstructure:"timezone_id"`
	ProxyServer string        `mapstructure:"proxy_server"`
}

type StorageConfig struct {
	Root          string `mapstructure:"root"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	ProgressFile  string `mapstructure:"progress_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	FetcherHTTP    = "http"
	FetcherBrowser = "browser"
)

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Name:     "product_importer",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Relay: RelayConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    100,
			StreamMaxLen: 100000,
		},
		Scraper: ScraperConfig{
			BaseURL:            "https://www.amazon.com",
			FetcherMode:        FetcherHTTP,
			HourlyLimit:        30,
			ErrorRateThreshold: 0.10,
			BreakerCooldown:    5 * time.Minute,
			RotationInterval:   30 * time.Minute,
			FetchTimeout:       10 * time.Second,
			ImageTimeout:       8 * time.Second,
			MaxImages:          12,
			SearchCacheSize:    1024,
		},
		Browser: BrowserConfig{
			Headless:   true,
			Timeout:    30 * time.Second,
			Locale:     "en-US",
			TimezoneID: "America/New_York",
		},
		Storage: StorageConfig{
			Root:         "./data/images",
			ProgressFile: "./data/batch-progress.json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"server.host":                  "SERVER_HOST",
	"server.port":                  "SERVER_PORT",
	"server.read_timeout":          "SERVER_READ_TIMEOUT",
	"server.write_timeout":         "SERVER_WRITE_TIMEOUT",
	"server.shutdown_timeout":      "SERVER_SHUTDOWN_TIMEOUT",
	"database.host":                "DB_HOST",
	"database.port":                "DB_PORT",
	"database.user":                "DB_USER",
	"database.password":            "DB_PASSWORD",
	"database.name":                "DB_NAME",
	"database.ssl_mode":            "DB_SSL_MODE",
	"database.max_conns":           "DB_MAX_CONNS",
	"redis.enabled":                "REDIS_ENABLED",
	"redis.addr":                   "REDIS_ADDR",
	"redis.password":               "REDIS_PASSWORD",
	"redis.db":                     "REDIS_DB",
	"relay.poll_interval":          "RELAY_POLL_INTERVAL",
	"relay.batch_size":             "RELAY_BATCH_SIZE",
	"relay.stream_max_len":         "RELAY_STREAM_MAX_LEN",
	"scraper.base_url":             "SCRAPER_BASE_URL",
	"scraper.fetcher_mode":         "FETCHER_MODE",
	"scraper.hourly_limit":         "SCRAPER_HOURLY_LIMIT",
	"scraper.error_rate_threshold": "SCRAPER_ERROR_RATE_THRESHOLD",
	"scraper.breaker_cooldown":     "SCRAPER_BREAKER_COOLDOWN",
	"scraper.rotation_interval":    "SCRAPER_ROTATION_INTERVAL",
	"scraper.fetch_timeout":        "SCRAPER_FETCH_TIMEOUT",
	"scraper.image_timeout":        "SCRAPER_IMAGE_TIMEOUT",
	"scraper.max_images":           "SCRAPER_MAX_IMAGES",
	"scraper.search_cache_size":    "SCRAPER_SEARCH_CACHE_SIZE",
	"scraper.markup":               "PRICE_MARKUP",
	"scraper.default_price":        "PRICE_DEFAULT",
	"scraper.user_agents":          "SCRAPER_USER_AGENTS",
	"browser.headless":             "BROWSER_HEADLESS",
	"browser.timeout":              "BROWSER_TIMEOUT",
	"browser.locale":               "BROWSER_LOCALE",
	"browser.timezone_id":          "BROWSER_TIMEZONE",
	"browser.proxy_server":         "BROWSER_PROXY",
	"storage.root":                 "STORAGE_ROOT",
	"storage.public_base_url":      "STORAGE_PUBLIC_BASE_URL",
	"storage.progress_file":        "STORAGE_PROGRESS_FILE",
	"logging.level":                "LOG_LEVEL",
	"logging.format":               "LOG_FORMAT",
}

// Load builds the configuration. An empty path skips the file; a path that
// cannot be read is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	v.SetDefault("database.host", cfg.Database.Host)
	v.SetDefault("database.port", cfg.Database.Port)
	v.SetDefault("database.user", cfg.Database.User)
	v.SetDefault("database.password", cfg.Database.Password)
	v.SetDefault("database.name", cfg.Database.Name)
	v.SetDefault("database.ssl_mode", cfg.Database.SSLMode)
	v.SetDefault("database.max_conns", cfg.Database.MaxConns)

	v.SetDefault("redis.enabled", cfg.Redis.Enabled)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)

	v.SetDefault("relay.poll_interval", cfg.Relay.PollInterval)
	v.SetDefault("relay.batch_size", cfg.Relay.BatchSize)
	v.SetDefault("relay.stream_max_len", cfg.Relay.StreamMaxLen)

	v.SetDefault("scraper.base_url", cfg.Scraper.BaseURL)
	v.SetDefault("scraper.fetcher_mode", cfg.Scraper.FetcherMode)
	v.SetDefault("scraper.hourly_limit", cfg.Scraper.HourlyLimit)
	v.SetDefault("scraper.error_rate_threshold", cfg.Scraper.ErrorRateThreshold)
	v.SetDefault("scraper.breaker_cooldown", cfg.Scraper.BreakerCooldown)
	v.SetDefault("scraper.rotation_interval", cfg.Scraper.RotationInterval)
	v.SetDefault("scraper.fetch_timeout", cfg.Scraper.FetchTimeout)
	v.SetDefault("scraper.image_timeout", cfg.Scraper.ImageTimeout)
	v.SetDefault("scraper.max_images", cfg.Scraper.MaxImages)
	v.SetDefault("scraper.search_cache_size", cfg.Scraper.SearchCacheSize)
	v.SetDefault("scraper.markup", cfg.Scraper.Markup)
	v.SetDefault("scraper.default_price", cfg.Scraper.DefaultPrice)
	v.SetDefault("scraper.user_agents", cfg.Scraper.UserAgents)

	v.SetDefault("browser.headless", cfg.Browser.Headless)
	v.SetDefault("browser.timeout", cfg.Browser.Timeout)
	v.SetDefault("browser.locale", cfg.Browser.Locale)
	v.SetDefault("browser.timezone_id", cfg.Browser.TimezoneID)
	v.SetDefault("browser.proxy_server", cfg.Browser.ProxyServer)

	v.SetDefault("storage.root", cfg.Storage.Root)
	v.SetDefault("storage.public_base_url", cfg.Storage.PublicBaseURL)
	v.SetDefault("storage.progress_file", cfg.Storage.ProgressFile)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT must be between 1 and 65535"))
	}
	if c.Scraper.HourlyLimit < 1 {
		errs = append(errs, fmt.Errorf("SCRAPER_HOURLY_LIMIT must be at least 1"))
	}
	if c.Scraper.ErrorRateThreshold <= 0 || c.Scraper.ErrorRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("SCRAPER_ERROR_RATE_THRESHOLD must be in (0, 1]"))
	}
	if c.Scraper.MaxImages < 1 || c.Scraper.MaxImages > 12 {
		errs = append(errs, fmt.Errorf("SCRAPER_MAX_IMAGES must be between 1 and 12"))
	}
	if c.Scraper.Markup < 0 {
		errs = append(errs, fmt.Errorf("PRICE_MARKUP cannot be negative"))
	}
	if c.Scraper.DefaultPrice < 0 {
		errs = append(errs, fmt.Errorf("PRICE_DEFAULT cannot be negative"))
	}
	if c.Scraper.FetcherMode != FetcherHTTP && c.Scraper.FetcherMode != FetcherBrowser {
		errs = append(errs, fmt.Errorf("FETCHER_MODE must be %q or %q", FetcherHTTP, FetcherBrowser))
	}
	if !strings.HasPrefix(c.Scraper.BaseURL, "http://") && !strings.HasPrefix(c.Scraper.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("SCRAPER_BASE_URL must be an http(s) URL"))
	}
	if n := len(c.Scraper.UserAgents); n > 0 && n < camouflage.MinUserAgents {
		errs = append(errs, fmt.Errorf("SCRAPER_USER_AGENTS must list at least %d user agents, got %d", camouflage.MinUserAgents, n))
	}
	if c.Storage.Root == "" {
		errs = append(errs, fmt.Errorf("STORAGE_ROOT is required"))
	}
	if c.Relay.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("RELAY_BATCH_SIZE must be at least 1"))
	}
	if c.Relay.StreamMaxLen < 0 {
		errs = append(errs, fmt.Errorf("RELAY_STREAM_MAX_LEN cannot be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text"))
	}

	return errors.Join(errs...)
}
