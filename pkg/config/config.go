// Package config loads the tabsync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Transport names for BusConfig.Transport.
const (
	TransportRedis = "redis"
	TransportHub   = "hub"
)

// Fallback medium names for BusConfig.Fallback.
const (
	FallbackRedis  = "redis"
	FallbackMemory = "memory"
	FallbackNone   = "none"
)

// Store backend names for StoreConfig.Backend.
const (
	BackendMemory      = "memory"
	BackendFile        = "file"
	BackendRedis       = "redis"
	BackendSQLite      = "sqlite"
	BackendMySQL       = "mysql"
	BackendMongo       = "mongo"
	BackendFirestore   = "firestore"
	BackendUnsupported = "unsupported"
)

// Duration is a time.Duration written as a string ("10s", "5m") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config represents the application configuration
type Config struct {
	Bus           BusConfig           `yaml:"bus"`
	Redis         RedisConfig         `yaml:"redis"`
	Store         StoreConfig         `yaml:"store"`
	Session       SessionConfig       `yaml:"session"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// BusConfig configures the message bus.
type BusConfig struct {
	// Transport is the native transport: "redis" or "hub".
	// Default: "redis"
	Transport string `yaml:"transport"`

	// Fallback is the relay medium used when the native transport is
	// unavailable: "redis", "memory" or "none".
	// Default: "redis"
	Fallback string `yaml:"fallback"`

	// HeartbeatInterval is the presence heartbeat period.
	// Default: 10s
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// PresenceTTL is how long a silent context counts as present.
	// Default: 30s
	PresenceTTL Duration `yaml:"presence_ttl"`

	// RelayPollInterval is how often the fallback relay polls.
	// Default: 1s
	RelayPollInterval Duration `yaml:"relay_poll_interval"`

	// RelayCapacity is the number of messages the relay retains.
	// Default: 1
	RelayCapacity int `yaml:"relay_capacity"`
}

// RedisConfig holds the shared Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	// Channel is the pub/sub channel of the native transport.
	Channel string `yaml:"channel"`
	// Prefix is prepended to every key tabsync writes.
	Prefix string `yaml:"prefix"`
}

// StoreConfig configures the durable store.
type StoreConfig struct {
	// Backend selects the medium.
	// Options: "memory", "file", "redis", "sqlite", "mysql", "mongo",
	// "firestore", "unsupported"
	// Default: "file"
	Backend string `yaml:"backend"`

	// BaseDir is the directory of the file backend.
	// Default: ~/.tabsync/store
	BaseDir string `yaml:"base_dir,omitempty"`

	// DSN is the sqlite path or the mysql DSN.
	DSN string `yaml:"dsn,omitempty"`

	// RecordTTL expires Redis records (0 keeps them).
	RecordTTL Duration `yaml:"record_ttl,omitempty"`

	Mongo     MongoConfig     `yaml:"mongo,omitempty"`
	Firestore FirestoreConfig `yaml:"firestore,omitempty"`

	// OpenTimeout bounds opening the backend.
	// Default: 10s
	OpenTimeout Duration `yaml:"open_timeout"`

	// RateLimit is the allowed operations per second per user (0 disables).
	RateLimit float64 `yaml:"rate_limit,omitempty"`
	// RateBurst is the burst size of the limiter.
	// Default: 10 when RateLimit is set
	RateBurst int `yaml:"rate_burst,omitempty"`
}

// MongoConfig configures the mongo backend.
type MongoConfig struct {
	URI        string `yaml:"uri,omitempty"`
	Database   string `yaml:"database,omitempty"`
	Collection string `yaml:"collection,omitempty"`
}

// FirestoreConfig configures the firestore backend.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	Collection      string `yaml:"collection,omitempty"`
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	// CacheTTL is how long a context caches a session.
	// Default: 5m
	CacheTTL Duration `yaml:"cache_ttl"`

	// MaxInactivity is the idle time after which a session is abandoned.
	// Default: 30m
	MaxInactivity Duration `yaml:"max_inactivity"`

	// SweepSchedule is the cron expression of the abandonment sweep.
	// Default: "@every 1m"
	SweepSchedule string `yaml:"sweep_schedule"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr is the listen address of the metrics and health server.
	// Empty disables it.
	// Default: ":9090"
	MetricsAddr string `yaml:"metrics_addr"`

	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is "otlp", "stdout" or "none".
	// Default: "otlp"
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	// Level is a logrus level name.
	// Default: "info"
	Level string `yaml:"level"`
	// Format is "text" or "json"; empty picks by ENVIRONMENT.
	Format string `yaml:"format,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Transport:         TransportRedis,
			Fallback:          FallbackRedis,
			HeartbeatInterval: Duration(10 * time.Second),
			PresenceTTL:       Duration(30 * time.Second),
			RelayPollInterval: Duration(time.Second),
			RelayCapacity:     1,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "tabsync:bus",
			Prefix:  "tabsync:",
		},
		Store: StoreConfig{
			Backend:     BackendFile,
			OpenTimeout: Duration(10 * time.Second),
		},
		Session: SessionConfig{
			CacheTTL:      Duration(5 * time.Minute),
			MaxInactivity: Duration(30 * time.Minute),
			SweepSchedule: "@every 1m",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			Tracing:     TracingConfig{Exporter: "otlp"},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig loads configuration from a YAML file. Fields the file leaves
// out keep their defaults, and environment variables override both.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	limits := DefaultLimits()
	data, err := readLimited(f, limits.MaxFileSize)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and applies environment
// overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(data, cfg, DefaultLimits()); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TABSYNC_* variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("TABSYNC_BUS_TRANSPORT", &c.Bus.Transport)
	str("TABSYNC_BUS_FALLBACK", &c.Bus.Fallback)
	str("TABSYNC_REDIS_ADDR", &c.Redis.Addr)
	str("TABSYNC_REDIS_PASSWORD", &c.Redis.Password)
	str("TABSYNC_STORE_BACKEND", &c.Store.Backend)
	str("TABSYNC_STORE_DIR", &c.Store.BaseDir)
	str("TABSYNC_STORE_DSN", &c.Store.DSN)
	str("TABSYNC_MONGO_URI", &c.Store.Mongo.URI)
	str("TABSYNC_METRICS_ADDR", &c.Observability.MetricsAddr)
	str("TABSYNC_LOG_LEVEL", &c.Logging.Level)

	if c.Store.Firestore.ProjectID == "" {
		str("GCP_PROJECT", &c.Store.Firestore.ProjectID)
	}
	str("TABSYNC_FIRESTORE_PROJECT", &c.Store.Firestore.ProjectID)
	if c.Store.Firestore.CredentialsFile == "" {
		str("GOOGLE_APPLICATION_CREDENTIALS", &c.Store.Firestore.CredentialsFile)
	}

	if v, ok := lookup("TABSYNC_REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TABSYNC_REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	return nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	switch c.Bus.Transport {
	case TransportRedis, TransportHub:
	default:
		errs = append(errs, fmt.Errorf("bus.transport: unknown transport %q", c.Bus.Transport))
	}
	switch c.Bus.Fallback {
	case FallbackRedis, FallbackMemory, FallbackNone:
	default:
		errs = append(errs, fmt.Errorf("bus.fallback: unknown medium %q", c.Bus.Fallback))
	}
	if c.Bus.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("bus.heartbeat_interval must be positive"))
	}
	if c.Bus.PresenceTTL < c.Bus.HeartbeatInterval {
		errs = append(errs, errors.New("bus.presence_ttl must be at least one heartbeat interval"))
	}
	if c.Bus.RelayPollInterval <= 0 {
		errs = append(errs, errors.New("bus.relay_poll_interval must be positive"))
	}
	if c.Bus.RelayCapacity < 1 {
		errs = append(errs, errors.New("bus.relay_capacity must be at least 1"))
	}

	if c.usesRedis() && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}

	switch c.Store.Backend {
	case BackendMemory, BackendFile, BackendRedis, BackendUnsupported:
	case BackendSQLite, BackendMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Backend))
		}
	case BackendMongo:
		if c.Store.Mongo.URI == "" {
			errs = append(errs, errors.New("store.mongo.uri is required"))
		}
	case BackendFirestore:
		if c.Store.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("store.firestore.project_id is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	if c.Store.OpenTimeout <= 0 {
		errs = append(errs, errors.New("store.open_timeout must be positive"))
	}
	if c.Store.RateLimit < 0 || c.Store.RateBurst < 0 {
		errs = append(errs, errors.New("store.rate_limit and store.rate_burst cannot be negative"))
	}

	if c.Session.CacheTTL <= 0 {
		errs = append(errs, errors.New("session.cache_ttl must be positive"))
	}
	if c.Session.MaxInactivity <= 0 {
		errs = append(errs, errors.New("session.max_inactivity must be positive"))
	}
	if _, err := cron.ParseStandard(c.Session.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("session.sweep_schedule: %w", err))
	}

	switch strings.ToLower(c.Observability.Tracing.Exporter) {
	case "otlp", "stdout", "none", "":
	default:
		errs = append(errs, fmt.Errorf("observability.tracing.exporter: unknown exporter %q", c.Observability.Tracing.Exporter))
	}

	return errors.Join(errs...)
}

func (c *Config) usesRedis() bool {
	return c.Bus.Transport == TransportRedis ||
		c.Bus.Fallback == FallbackRedis ||
		c.Store.Backend == BackendRedis
}
