// Package config loads the collector configuration with viper.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hamzaKhattat/smdr-collector/internal/alerts"
	"github.com/hamzaKhattat/smdr-collector/internal/connection"
	"github.com/hamzaKhattat/smdr-collector/internal/db"
	"github.com/hamzaKhattat/smdr-collector/internal/publisher"
)

const (
	DefaultFile = "configs/smdr.yaml"
	EnvPrefix   = "SMDR"

	BusyStoreMemory = "memory"
	BusyStoreRedis  = "redis"

	MinRecentRecords = 50
)

var ErrInvalid = errors.New("invalid configuration")

type AppConfig struct {
	Connection connection.Config `mapstructure:"connection"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Storage    StorageConfig     `mapstructure:"storage"`
	Alerts     AlertsConfig      `mapstructure:"alerts"`
	Redis      RedisConfig       `mapstructure:"redis"`
	NATS       publisher.Config  `mapstructure:"nats"`
	Web        WebConfig         `mapstructure:"web"`
	Mock       MockConfig        `mapstructure:"mock"`
}

type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"`
	Path          string `mapstructure:"path"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Name          string `mapstructure:"name"`
	EncryptionKey string `mapstructure:"encryption_key"`
	HashSalt      string `mapstructure:"hash_salt"`
}

// DSN returns the data source name for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == db.DriverMySQL {
		return db.MySQLDSN(d.User, d.Password, d.Host, d.Port, d.Name)
	}
	return d.Path
}

type StorageConfig struct {
	RecentRecords    int           `mapstructure:"recent_records"`
	ArchiveDir       string        `mapstructure:"archive_dir"`
	RetentionDays    int           `mapstructure:"retention_days"`
	RolloverInterval time.Duration `mapstructure:"rollover_interval"`
	QueueSize        int           `mapstructure:"queue_size"`
}

type AlertsConfig struct {
	alerts.Rules `mapstructure:",squash"`
	BusyStore    string `mapstructure:"busy_store"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type WebConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Listen         string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MockConfig struct {
	Listen     string        `mapstructure:"listen"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxClients int           `mapstructure:"max_clients"`
}

// SetDefaults registers a default for every key so environment overrides
// apply even when the file omits a section.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("connection.controllers", []string{})
	v.SetDefault("connection.port", connection.DefaultPort)
	v.SetDefault("connection.concurrent_connections", 1)
	v.SetDefault("connection.auto_reconnect", true)
	v.SetDefault("connection.reconnect_delay", connection.DefaultReconnectDelay.String())
	v.SetDefault("connection.auto_reconnect_primary", true)
	v.SetDefault("connection.primary_recheck", connection.DefaultPrimaryRecheckInterval.String())
	v.SetDefault("connection.allow_list", []string{})
	v.SetDefault("connection.dial_timeout", connection.DefaultDialTimeout.String())
	v.SetDefault("connection.idle_timeout", "0s")
	v.SetDefault("connection.keep_alive", connection.DefaultKeepAlive.String())
	v.SetDefault("connection.flush_delay", connection.DefaultFlushDelay.String())

	v.SetDefault("database.driver", db.DriverSQLite)
	v.SetDefault("database.path", "data/smdr.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "smdr")
	v.SetDefault("database.encryption_key", "")
	v.SetDefault("database.hash_salt", "")

	v.SetDefault("storage.recent_records", MinRecentRecords)
	v.SetDefault("storage.archive_dir", "data/archive")
	v.SetDefault("storage.retention_days", 60)
	v.SetDefault("storage.rollover_interval", "1h")
	v.SetDefault("storage.queue_size", 1024)

	rules := alerts.DefaultRules()
	v.SetDefault("alerts.long_call_minutes", rules.LongCallMinutes)
	v.SetDefault("alerts.watch_numbers", []string{})
	v.SetDefault("alerts.busy_threshold", rules.BusyThreshold)
	v.SetDefault("alerts.busy_window_minutes", rules.BusyWindowMinutes)
	v.SetDefault("alerts.detect_tag_calls", rules.DetectTagCalls)
	v.SetDefault("alerts.detect_toll_denied", rules.DetectTollDenied)
	v.SetDefault("alerts.busy_store", BusyStoreMemory)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", alerts.DefaultRedisPrefix)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.prefix", publisher.DefaultPrefix)
	v.SetDefault("nats.name", "smdr-collector")
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("web.enabled", true)
	v.SetDefault("web.listen", ":8080")
	v.SetDefault("web.allowed_origins", []string{})

	v.SetDefault("mock.listen", fmt.Sprintf(":%d", connection.DefaultPort))
	v.SetDefault("mock.interval", "250ms")
	v.SetDefault("mock.max_clients", 10)
}

// New returns a viper instance with defaults, the SMDR_ environment
// prefix and the given config file.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
	}
	return v
}

// Load reads file (a missing file only logs a warning) and returns the
// validated configuration along with the viper instance it came from.
func Load(file string) (*AppConfig, *viper.Viper, error) {
	v := New(file)
	if file != "" {
		if err := v.ReadInConfig(); err != nil {
			log.Printf("Warning: Could not read config file: %v", err)
		}
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func Decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks everything except the connection section, which is
// validated by the connection manager when the collector starts.
func (c *AppConfig) Validate() error {
	switch c.Database.Driver {
	case db.DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("%w: database.path is required for sqlite", ErrInvalid)
		}
	case db.DriverMySQL:
		if c.Database.Name == "" {
			return fmt.Errorf("%w: database.name is required for mysql", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: database.driver must be %q or %q, got %q",
			ErrInvalid, db.DriverSQLite, db.DriverMySQL, c.Database.Driver)
	}

	switch c.Alerts.BusyStore {
	case BusyStoreMemory:
	case BusyStoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr is required when alerts.busy_store is redis", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: alerts.busy_store must be %q or %q, got %q",
			ErrInvalid, BusyStoreMemory, BusyStoreRedis, c.Alerts.BusyStore)
	}

	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("%w: storage.retention_days must not be negative", ErrInvalid)
	}
	if c.Storage.RecentRecords < MinRecentRecords {
		c.Storage.RecentRecords = MinRecentRecords
	}
	if c.Storage.QueueSize <= 0 {
		c.Storage.QueueSize = 1024
	}
	if c.Storage.RolloverInterval <= 0 {
		c.Storage.RolloverInterval = time.Hour
	}
	return nil
}

var secretKeys = []string{"database.password", "database.encryption_key", "redis.password", "nats.token"}

// Render returns the effective settings as YAML with secrets masked.
func Render(v *viper.Viper) ([]byte, error) {
	settings := v.AllSettings()
	for _, key := range secretKeys {
		mask(settings, strings.Split(key, "."))
	}
	out, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}

func mask(m map[string]interface{}, path []string) {
	if len(path) == 1 {
		if s, ok := m[path[0]].(string); ok && s != "" {
			m[path[0]] = "********"
		}
		return
	}
	if child, ok := m[path[0]].(map[string]interface{}); ok {
		mask(child, path[1:])
	}
}
