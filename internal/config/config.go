package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"nearby-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	Activities ActivitiesConfig `mapstructure:"activities"`
	Location   LocationConfig   `mapstructure:"location"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required,oneof=development staging production test"`
	UserID      string `mapstructure:"user_id"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// TrackerConfig tunes the proximity loop.
type TrackerConfig struct {
	RadiusMeters   float64       `mapstructure:"radius_meters" validate:"gt=0"`
	Cooldown       time.Duration `mapstructure:"cooldown" validate:"gt=0"`
	FixInterval    time.Duration `mapstructure:"fix_interval" validate:"gt=0"`
	HighAccuracy   bool          `mapstructure:"high_accuracy"`
	QueueSize      int           `mapstructure:"queue_size" validate:"gte=1"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval" validate:"gt=0"`
	LedgerCapacity int           `mapstructure:"ledger_capacity" validate:"gte=0"`
}

// ActivitiesConfig selects where activity snapshots come from.
type ActivitiesConfig struct {
	Source          string        `mapstructure:"source" validate:"oneof=postgres file"`
	File            string        `mapstructure:"file"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gt=0"`
}

// LocationConfig selects and configures the location provider.
type LocationConfig struct {
	Provider          string        `mapstructure:"provider" validate:"oneof=kafka replay"`
	MaxAccuracyMeters float64       `mapstructure:"max_accuracy_meters" validate:"gte=0"`
	Kafka             KafkaConfig   `mapstructure:"kafka"`
	Replay            ReplayConfig  `mapstructure:"replay"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
}

// KafkaConfig points at the topic carrying location fixes.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// ReplayConfig points at a recorded CSV track.
type ReplayConfig struct {
	File string `mapstructure:"file"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Channels         []string       `mapstructure:"channels"`
	PresenceAnnounce bool           `mapstructure:"presence_announce"`
	Audit            bool           `mapstructure:"audit"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram bot parameters.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base" validate:"omitempty,url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows" validate:"gt=0"`
}

// envOnlyKeys have no default, so AutomaticEnv alone would not surface them to Unmarshal.
var envOnlyKeys = []string{
	"app.user_id",
	"logging.time_format",
	"logging.caller",
	"logging.stream",
	"database.dsn",
	"activities.file",
	"location.kafka.brokers",
	"location.replay.file",
	"alerting.telegram.bot_token",
	"alerting.telegram.chat_id",
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvPrefix("NEARBY")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key, "NEARBY_"+strings.ToUpper(replacer.Replace(key))); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "nearbyd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x6e656172))

	v.SetDefault("tracker.radius_meters", 100.0)
	v.SetDefault("tracker.cooldown", "10m")
	v.SetDefault("tracker.fix_interval", "10s")
	v.SetDefault("tracker.high_accuracy", true)
	v.SetDefault("tracker.queue_size", 8)
	v.SetDefault("tracker.purge_interval", "5m")
	v.SetDefault("tracker.ledger_capacity", 4096)

	v.SetDefault("activities.source", "postgres")
	v.SetDefault("activities.refresh_interval", "1m")

	v.SetDefault("location.provider", "kafka")
	v.SetDefault("location.max_accuracy_meters", 100.0)
	v.SetDefault("location.retry_backoff", "2s")
	v.SetDefault("location.kafka.topic", "locations")
	v.SetDefault("location.kafka.group_id", "nearbyd")

	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.presence_announce", false)
	v.SetDefault("alerting.audit", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9090")

	v.SetDefault("export.max_rows", 100000)
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

// Validate checks struct tags first, then the rules that span several fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	switch c.Activities.Source {
	case "file":
		if c.Activities.File == "" {
			return fmt.Errorf("activities.file is required when activities.source is file")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required when activities.source is postgres")
		}
	}

	switch c.Location.Provider {
	case "kafka":
		if len(c.Location.Kafka.Brokers) == 0 {
			return fmt.Errorf("location.kafka.brokers is required for the kafka provider")
		}
		if c.Location.Kafka.Topic == "" {
			return fmt.Errorf("location.kafka.topic is required for the kafka provider")
		}
		if c.App.UserID == "" {
			return fmt.Errorf("app.user_id is required for the kafka provider")
		}
	case "replay":
		if c.Location.Replay.File == "" {
			return fmt.Errorf("location.replay.file is required for the replay provider")
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	for _, ch := range c.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case "log", "telegram":
		default:
			return fmt.Errorf("alerting.channels: unknown channel %q", ch)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}
	return nil
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}

// HasDatabase reports whether a database DSN is configured.
func (c *Config) HasDatabase() bool {
	return c.Database.DSN != ""
}
