// Package config loads signalwatch settings from an optional YAML file and SW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Log         LogConfig         `mapstructure:"log"`
	SQLite      SQLiteConfig      `mapstructure:"sqlite"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Tracker     TrackerConfig     `mapstructure:"tracker"`
	Predict     PredictConfig     `mapstructure:"predict"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	API         APIConfig         `mapstructure:"api"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	ClickHouse  ClickHouseConfig  `mapstructure:"clickhouse"`
	Export      ExportConfig      `mapstructure:"export"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
}

type AppConfig struct {
	Env         string `mapstructure:"env"`
	ServiceName string `mapstructure:"service_name"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type SQLiteConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// TransportConfig selects the pub/sub system that delivers telemetry frames.
type TransportConfig struct {
	Kind string     `mapstructure:"kind"` // mqtt or nats.
	MQTT MQTTConfig `mapstructure:"mqtt"`
	NATS NATSConfig `mapstructure:"nats"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

type IngestConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type TrackerConfig struct {
	MinDuration  time.Duration `mapstructure:"min_duration"`
	MaxDuration  time.Duration `mapstructure:"max_duration"`
	DecayLambda  float64       `mapstructure:"decay_lambda"`
	RunWalkLimit int           `mapstructure:"run_walk_limit"`
}

type PredictConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MinExpected    time.Duration `mapstructure:"min_expected"`
	MaxExpected    time.Duration `mapstructure:"max_expected"`
	DefaultRed     time.Duration `mapstructure:"default_red"`
	DefaultGreen   time.Duration `mapstructure:"default_green"`
	RushRedScale   float64       `mapstructure:"rush_red_scale"`
	RushGreenScale float64       `mapstructure:"rush_green_scale"`
	RushWindows    []string      `mapstructure:"rush_windows"` // "07:00-10:00".
	Timezone       string        `mapstructure:"timezone"`
	SkewTolerance  time.Duration `mapstructure:"skew_tolerance"`
}

type RetentionConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Schedule        string        `mapstructure:"schedule"`
	Window          time.Duration `mapstructure:"window"`
	PlausibleEpoch  string        `mapstructure:"plausible_epoch"` // RFC3339 or YYYY-MM-DD.
	FutureSkew      time.Duration `mapstructure:"future_skew"`
	VacuumThreshold int           `mapstructure:"vacuum_threshold"`
}

type APIConfig struct {
	Addr        string        `mapstructure:"addr"`
	AuthEnabled bool          `mapstructure:"auth_enabled"`
	APIKeys     []string      `mapstructure:"api_keys"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type PostgresConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type ClickHouseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type ExportConfig struct {
	Site      string `mapstructure:"site"` // Identifies this installation in the shared Postgres table.
	Schedule  string `mapstructure:"schedule"`
	BatchSize int    `mapstructure:"batch_size"`
}

type CredentialsConfig struct {
	Detectors []int64 `mapstructure:"detectors"`
}

// Load reads configuration. A missing file at path is not an error; envOnly skips the file entirely.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly && path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.service_name", "signalwatch")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.development", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", true)

	v.SetDefault("sqlite.path", "/data/detectors.db")
	v.SetDefault("sqlite.busy_timeout", "5s")

	v.SetDefault("transport.kind", "mqtt")
	v.SetDefault("transport.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("transport.mqtt.client_id", "")
	v.SetDefault("transport.mqtt.username", "")
	v.SetDefault("transport.mqtt.password", "")
	v.SetDefault("transport.mqtt.topic", "$me/device/state")
	v.SetDefault("transport.mqtt.qos", 1)
	v.SetDefault("transport.nats.url", "nats://localhost:4222")
	v.SetDefault("transport.nats.subject", "signals.telemetry")
	v.SetDefault("transport.nats.queue", "")

	v.SetDefault("ingest.queue_size", 1024)

	v.SetDefault("cache.ttl", "5m")

	v.SetDefault("tracker.min_duration", "5s")
	v.SetDefault("tracker.max_duration", "300s")
	v.SetDefault("tracker.decay_lambda", 0.001)
	v.SetDefault("tracker.run_walk_limit", 1000)

	v.SetDefault("predict.timeout", "2s")
	v.SetDefault("predict.min_expected", "30s")
	v.SetDefault("predict.max_expected", "300s")
	v.SetDefault("predict.default_red", "30s")
	v.SetDefault("predict.default_green", "60s")
	v.SetDefault("predict.rush_red_scale", 1.5)
	v.SetDefault("predict.rush_green_scale", 0.8)
	v.SetDefault("predict.rush_windows", []string{"07:00-10:00", "16:00-19:00"})
	v.SetDefault("predict.timezone", "Local")
	v.SetDefault("predict.skew_tolerance", "30s")

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.schedule", "@every 15m")
	v.SetDefault("retention.window", "1h")
	v.SetDefault("retention.plausible_epoch", "2020-01-01")
	v.SetDefault("retention.future_skew", "1h")
	v.SetDefault("retention.vacuum_threshold", 1000)

	v.SetDefault("api.addr", ":6000")
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.api_keys", []string{})
	v.SetDefault("api.timeout", "30s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "signalwatch:intersection:")
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.database", "signalwatch")
	v.SetDefault("postgres.user", "signalwatch")
	v.SetDefault("postgres.password", "signalwatch")

	v.SetDefault("clickhouse.enabled", false)
	v.SetDefault("clickhouse.host", "localhost")
	v.SetDefault("clickhouse.port", 9000)
	v.SetDefault("clickhouse.database", "signalwatch")
	v.SetDefault("clickhouse.user", "default")
	v.SetDefault("clickhouse.password", "")

	v.SetDefault("export.site", "default")
	v.SetDefault("export.schedule", "@every 1m")
	v.SetDefault("export.batch_size", 500)

	v.SetDefault("credentials.detectors", []int64{})
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch strings.ToLower(c.Transport.Kind) {
	case "mqtt", "nats":
	default:
		return fmt.Errorf("transport.kind must be mqtt or nats, got %q", c.Transport.Kind)
	}
	if c.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be positive")
	}
	if c.Tracker.MinDuration < 0 || c.Tracker.MaxDuration <= c.Tracker.MinDuration {
		return fmt.Errorf("tracker duration band [%s, %s] is empty", c.Tracker.MinDuration, c.Tracker.MaxDuration)
	}
	if c.Tracker.DecayLambda < 0 {
		return errors.New("tracker.decay_lambda must not be negative")
	}
	if c.Predict.MaxExpected < c.Predict.MinExpected {
		return errors.New("predict.max_expected must be >= predict.min_expected")
	}
	if c.Predict.Timeout <= 0 {
		return errors.New("predict.timeout must be positive")
	}
	if c.Retention.Window <= 0 {
		return errors.New("retention.window must be positive")
	}
	if _, err := c.Retention.Epoch(); err != nil {
		return err
	}
	if c.Ingest.QueueSize <= 0 {
		return errors.New("ingest.queue_size must be positive")
	}
	return nil
}

// Epoch parses retention.plausible_epoch.
func (r RetentionConfig) Epoch() (time.Time, error) {
	if r.PlausibleEpoch == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, r.PlausibleEpoch); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", r.PlausibleEpoch)
	if err != nil {
		return time.Time{}, fmt.Errorf("retention.plausible_epoch %q: %w", r.PlausibleEpoch, err)
	}
	return t, nil
}

// Location resolves predict.timezone; an unknown zone falls back to UTC.
func (p PredictConfig) Location() *time.Location {
	switch p.Timezone {
	case "", "Local":
		return time.Local
	case "UTC":
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN builds the pgx connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		p.User, p.Password, p.Host, p.Port, p.Database)
}
