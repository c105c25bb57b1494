// FilePath: server/ingest/internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/itsatony/vermihub/server/ingest/internal/models"
	"github.com/spf13/viper"
)

// Config holds all configuration for the ingestion service
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Postgres     PostgresConfig `mapstructure:"postgres"`
	QueryTimeout time.Duration  `mapstructure:"query_timeout"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the lib/pq connection string
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

type BrokerConfig struct {
	URL                  string        `mapstructure:"url"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	ClientIDPrefix       string        `mapstructure:"client_id_prefix"`
	CleanSession         bool          `mapstructure:"clean_session"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	ReconnectPeriod      time.Duration `mapstructure:"reconnect_period"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
	PublishTimeout       time.Duration `mapstructure:"publish_timeout"`
}

type IngestConfig struct {
	MinInterval     time.Duration `mapstructure:"min_interval"`
	WormMinInterval time.Duration `mapstructure:"worm_min_interval"`
	RecordingModes  []string      `mapstructure:"recording_modes"`
	DefaultCycleID  int64         `mapstructure:"default_cycle_id"`
	QueueSize       int           `mapstructure:"queue_size"`
	LogTimezone     string        `mapstructure:"log_timezone"`
}

// Modes returns the recording modes as typed values. Only valid after Load.
func (c IngestConfig) Modes() []models.ActivityMode {
	modes := make([]models.ActivityMode, 0, len(c.RecordingModes))
	for _, raw := range c.RecordingModes {
		if m, err := models.ParseActivityMode(raw); err == nil {
			modes = append(modes, m)
		}
	}
	return modes
}

// Location resolves the operator time zone used in log lines
func (c IngestConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.LogTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	StateKey string `mapstructure:"state_key"`
}

// Enabled reports whether the live state mirror should run
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type MonitoringConfig struct {
	MetricsPath string `mapstructure:"metrics_path"`
}

// Load initializes configuration from environment variables and config file.
// An empty configPath searches ./config for config.yaml.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VERMI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Load config file if exists
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if config.Ingest.WormMinInterval == 0 {
		config.Ingest.WormMinInterval = config.Ingest.MinInterval
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.postgres.host", "")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "vermihub")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.query_timeout", "10s")

	// Broker defaults
	v.SetDefault("broker.url", "")
	v.SetDefault("broker.username", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.client_id_prefix", "broker_api")
	v.SetDefault("broker.clean_session", false)
	v.SetDefault("broker.connect_timeout", "30s")
	v.SetDefault("broker.reconnect_period", "2s")
	v.SetDefault("broker.max_reconnect_interval", "1m")
	v.SetDefault("broker.publish_timeout", "5s")

	// Ingest defaults
	v.SetDefault("ingest.min_interval", "30s")
	v.SetDefault("ingest.worm_min_interval", "0s")
	v.SetDefault("ingest.recording_modes", []string{string(models.ModeActive)})
	v.SetDefault("ingest.default_cycle_id", models.DefaultCycleID)
	v.SetDefault("ingest.queue_size", 64)
	v.SetDefault("ingest.log_timezone", "Asia/Manila")

	// Redis defaults
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.state_key", "vermi:ingest:state")

	// Monitoring defaults
	v.SetDefault("monitoring.metrics_path", "/metrics")
}

func validateConfig(config *Config) error {
	if config.Broker.URL == "" {
		return fmt.Errorf("broker URL is required")
	}
	if config.Database.Postgres.Host == "" {
		return fmt.Errorf("postgres host is required")
	}
	if config.Database.QueryTimeout <= 0 {
		return fmt.Errorf("database query timeout must be positive")
	}
	if config.Ingest.MinInterval <= 0 {
		return fmt.Errorf("ingest min interval must be positive")
	}
	if config.Ingest.WormMinInterval <= 0 {
		return fmt.Errorf("ingest worm min interval must be positive")
	}
	if len(config.Ingest.RecordingModes) == 0 {
		return fmt.Errorf("at least one recording mode is required")
	}
	for _, raw := range config.Ingest.RecordingModes {
		if _, err := models.ParseActivityMode(raw); err != nil {
			return fmt.Errorf("invalid recording mode: %w", err)
		}
	}
	if config.Ingest.DefaultCycleID <= 0 {
		return fmt.Errorf("default cycle id must be positive")
	}
	if config.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest queue size must be positive")
	}
	if _, err := time.LoadLocation(config.Ingest.LogTimezone); err != nil {
		return fmt.Errorf("invalid log timezone %q: %w", config.Ingest.LogTimezone, err)
	}
	return nil
}
