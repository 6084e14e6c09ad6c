package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"funding-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Exchanges ExchangesConfig `mapstructure:"exchanges"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Recorder  RecorderConfig  `mapstructure:"recorder"`
	History   HistoryConfig   `mapstructure:"history"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Mail      MailConfig      `mapstructure:"mail"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// BaseURL is used to build links in alert mails.
	BaseURL string `mapstructure:"base_url"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	// Driver is one of postgres, sqlite or memory.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ExchangesConfig tunes every venue adapter.
type ExchangesConfig struct {
	Enabled             []string          `mapstructure:"enabled"`
	RequestTimeout      time.Duration     `mapstructure:"request_timeout"`
	UserAgent           string            `mapstructure:"user_agent"`
	DetailConcurrency   int               `mapstructure:"detail_concurrency"`
	DetailRatePerSecond float64           `mapstructure:"detail_rate_per_second"`
	Endpoints           map[string]string `mapstructure:"endpoints"`
}

// PollerConfig governs the aggregation cadence.
type PollerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	// Watchlist entries are "exchange:SYMBOL" pairs recorded on every tick.
	Watchlist []string `mapstructure:"watchlist"`
	// RecordAlertPairs records every pair referenced by an enabled alert.
	RecordAlertPairs bool `mapstructure:"record_alert_pairs"`
}

// RecorderConfig controls snapshot de-duplication.
type RecorderConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

// HistoryConfig bounds paginated history walks.
type HistoryConfig struct {
	MaxPages int `mapstructure:"max_pages"`
	PageSize int `mapstructure:"page_size"`
}

// DispatchConfig governs server-side alert dispatch.
type DispatchConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	Concurrency     int           `mapstructure:"concurrency"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	AuthSecrets     []string      `mapstructure:"auth_secrets"`
}

// WatcherConfig governs the in-process push notification runner.
type WatcherConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// MailConfig covers the transactional mail provider.
type MailConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	From    string        `mapstructure:"from"`
	APIBase string        `mapstructure:"api_base"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Configured reports whether mail delivery can be attempted.
func (m MailConfig) Configured() bool {
	return m.APIKey != "" && m.From != ""
}

// AlertingConfig defines secondary notification channels.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// CacheMaxAge bounds how stale /api/funding/all may be before it re-aggregates.
	CacheMaxAge time.Duration `mapstructure:"cache_max_age"`
}

// ExportConfig defines export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("FUNDINGWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyLegacyEnv(&cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fundingwatch")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.base_url", "http://localhost:3000")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("exchanges.enabled", []string{"binance", "okx", "bybit", "kucoin", "mexc", "gate", "bitget"})
	v.SetDefault("exchanges.request_timeout", "10s")
	v.SetDefault("exchanges.detail_concurrency", 8)
	v.SetDefault("exchanges.detail_rate_per_second", 10.0)

	v.SetDefault("poller.interval", "30s")
	v.SetDefault("poller.align_to_bucket", false)
	v.SetDefault("poller.startup_delay", "0s")
	v.SetDefault("poller.record_alert_pairs", true)

	v.SetDefault("recorder.dedup_window", "9s")

	v.SetDefault("history.max_pages", 10)
	v.SetDefault("history.page_size", 100)

	v.SetDefault("dispatch.enabled", true)
	v.SetDefault("dispatch.interval", "1m")
	v.SetDefault("dispatch.cooldown", "30m")
	v.SetDefault("dispatch.concurrency", 1)
	v.SetDefault("dispatch.advisory_lock_key", int64(0x66756e64))

	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.cooldown", "10m")

	v.SetDefault("mail.api_base", "https://api.resend.com")
	v.SetDefault("mail.timeout", "10s")

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.cache_max_age", "30s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// applyLegacyEnv honours the environment names used by earlier deployments.
func applyLegacyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for _, name := range []string{"DISPATCH_SECRET", "CRON_SECRET", "ALERT_CRON_SECRET"} {
		if val, ok := lookup(name); ok && strings.TrimSpace(val) != "" {
			cfg.Dispatch.AuthSecrets = append(cfg.Dispatch.AuthSecrets, strings.TrimSpace(val))
		}
	}
	if val, ok := lookup("RESEND_API_KEY"); ok && cfg.Mail.APIKey == "" {
		cfg.Mail.APIKey = strings.TrimSpace(val)
	}
	if val, ok := lookup("MAIL_FROM"); ok && cfg.Mail.From == "" {
		cfg.Mail.From = strings.TrimSpace(val)
	}
	if val, ok := lookup("ALERT_COOLDOWN_MINUTES"); ok {
		if minutes, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && minutes >= 0 {
			cfg.Dispatch.Cooldown = time.Duration(minutes) * time.Minute
		}
	}
	if val, ok := lookup("APP_URL"); ok && strings.TrimSpace(val) != "" {
		cfg.App.BaseURL = strings.TrimSpace(val)
	}
	cfg.App.BaseURL = strings.TrimRight(cfg.App.BaseURL, "/")
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be one of postgres, sqlite, memory (got %q)", c.Database.Driver)
	}
	if c.Exchanges.RequestTimeout <= 0 {
		return fmt.Errorf("exchanges.request_timeout must be greater than zero")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than zero")
	}
	if c.Recorder.DedupWindow < 0 {
		return fmt.Errorf("recorder.dedup_window cannot be negative")
	}
	if c.History.MaxPages <= 0 {
		return fmt.Errorf("history.max_pages must be greater than zero")
	}
	if c.Dispatch.Enabled && c.Dispatch.Interval <= 0 {
		return fmt.Errorf("dispatch.interval must be greater than zero")
	}
	if c.Dispatch.Cooldown <= 0 {
		return fmt.Errorf("dispatch.cooldown must be greater than zero")
	}
	if c.Watcher.Cooldown < 0 {
		return fmt.Errorf("watcher.cooldown cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
