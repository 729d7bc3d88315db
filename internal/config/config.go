// Package config loads onemap-sync configuration and builds the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrMissingConfig is returned when a command needs a setting that is unset.
var ErrMissingConfig = eris.New("config: missing required setting")

// Config holds the full application configuration.
type Config struct {
	OneMap     OneMapConfig     `yaml:"onemap" mapstructure:"onemap"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// OneMapConfig holds 1Map GIS API credentials and request settings.
type OneMapConfig struct {
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	Email       string        `yaml:"email" mapstructure:"email"`
	Password    string        `yaml:"password" mapstructure:"password"`
	LayerID     string        `yaml:"layer_id" mapstructure:"layer_id"`
	PageSize    int           `yaml:"page_size" mapstructure:"page_size"`
	PageDelayMs int           `yaml:"page_delay_ms" mapstructure:"page_delay_ms"`
	TimeoutSecs int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Retry       RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig configures retries of OneMap requests. MaxAttempts 1 means
// a failed request aborts the site immediately.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the breaker around OneMap search requests.
type CircuitConfig struct {
	Enabled          bool `yaml:"enabled" mapstructure:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int  `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SyncConfig configures sync runs.
type SyncConfig struct {
	// MaxPages caps pages fetched per site; 0 means no cap.
	MaxPages int `yaml:"max_pages" mapstructure:"max_pages"`
	// StrictSite skips records whose site field names a different site.
	StrictSite bool `yaml:"strict_site" mapstructure:"strict_site"`
}

// MonitoringConfig configures sync health checks and webhook alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleAfterHours      int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (if present) and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches the
// working directory; a named file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ONEMAP_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional names used by the deployment environment.
	for key, env := range map[string]string{
		"onemap.email":       "ONEMAP_EMAIL",
		"onemap.password":    "ONEMAP_PASSWORD",
		"store.database_url": "DATABASE_URL",
	} {
		prefixed := "ONEMAP_SYNC_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", env)
		}
	}

	v.SetDefault("onemap.base_url", "https://www.1map.co.za")
	v.SetDefault("onemap.layer_id", "5121")
	v.SetDefault("onemap.page_size", 50)
	v.SetDefault("onemap.page_delay_ms", 100)
	v.SetDefault("onemap.timeout_secs", 60)
	v.SetDefault("onemap.retry.max_attempts", 1)
	v.SetDefault("onemap.retry.initial_backoff_ms", 500)
	v.SetDefault("onemap.retry.max_backoff_ms", 10000)
	v.SetDefault("onemap.retry.multiplier", 2.0)
	v.SetDefault("onemap.retry.jitter_fraction", 0.25)
	v.SetDefault("onemap.circuit.enabled", false)
	v.SetDefault("onemap.circuit.failure_threshold", 5)
	v.SetDefault("onemap.circuit.reset_timeout_secs", 60)
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("sync.max_pages", 0)
	v.SetDefault("sync.strict_site", true)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stale_after_hours", 48)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// ValidateOneMap checks that OneMap credentials are present.
func (c *Config) ValidateOneMap() error {
	var missing []string
	if c.OneMap.Email == "" {
		missing = append(missing, "ONEMAP_EMAIL")
	}
	if c.OneMap.Password == "" {
		missing = append(missing, "ONEMAP_PASSWORD")
	}
	if len(missing) > 0 {
		return eris.Wrapf(ErrMissingConfig, "%s required", strings.Join(missing, " and "))
	}
	return nil
}

// ValidateStore checks that a database connection string is present.
func (c *Config) ValidateStore() error {
	if c.Store.DatabaseURL == "" {
		return eris.Wrap(ErrMissingConfig, "DATABASE_URL required")
	}
	return nil
}

// ValidateSync checks everything the sync path needs.
func (c *Config) ValidateSync() error {
	if err := c.ValidateOneMap(); err != nil {
		return err
	}
	return c.ValidateStore()
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
