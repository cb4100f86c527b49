package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	tmpDir := t.TempDir()

	// Create a large file (> 1MB)
	largeFile := filepath.Join(tmpDir, "large.yaml")
	data := strings.Repeat("x: value\n", 200000) // ~1.6MB
	require.NoError(t, os.WriteFile(largeFile, []byte(data), 0600))

	_, err := LoadConfig(largeFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadConfig_ValidFile(t *testing.T) {
	tmpDir := t.TempDir()

	validConfig := `
bus:
  transport: hub
  fallback: memory
  heartbeat_interval: 5s
  presence_ttl: 15s
  relay_capacity: 8
store:
  backend: sqlite
  dsn: /tmp/tabsync.db
  rate_limit: 20
session:
  max_inactivity: 45m
logging:
  level: debug
`

	validFile := filepath.Join(tmpDir, "valid.yaml")
	require.NoError(t, os.WriteFile(validFile, []byte(validConfig), 0600))

	cfg, err := LoadConfig(validFile)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, TransportHub, cfg.Bus.Transport)
	assert.Equal(t, FallbackMemory, cfg.Bus.Fallback)
	assert.Equal(t, 5*time.Second, cfg.Bus.HeartbeatInterval.D())
	assert.Equal(t, 15*time.Second, cfg.Bus.PresenceTTL.D())
	assert.Equal(t, 8, cfg.Bus.RelayCapacity)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/tabsync.db", cfg.Store.DSN)
	assert.InDelta(t, 20.0, cfg.Store.RateLimit, 0.001)
	assert.Equal(t, 45*time.Minute, cfg.Session.MaxInactivity.D())
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched fields keep their defaults.
	assert.Equal(t, time.Second, cfg.Bus.RelayPollInterval.D())
	assert.Equal(t, 5*time.Minute, cfg.Session.CacheTTL.D())
	assert.Equal(t, "@every 1m", cfg.Session.SweepSchedule)
	assert.Equal(t, 10*time.Second, cfg.Store.OpenTimeout.D())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "empty document", input: ""},
		{name: "comment only", input: "# nothing\n"},
		{name: "unknown field", input: "bus:\n  transprt: hub\n", wantErr: "transprt"},
		{name: "bad duration", input: "bus:\n  heartbeat_interval: soon\n", wantErr: "invalid duration"},
		{name: "numeric duration", input: "bus:\n  heartbeat_interval: 10\n", wantErr: "invalid duration"},
		{name: "alias", input: "a: &x 1\nb: *x\n", wantErr: "aliases"},
		{name: "too deep", input: strings.Repeat("a:\n", 1) + deepMapping(12), wantErr: "depth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, Default().Bus, cfg.Bus)
		})
	}
}

func deepMapping(depth int) string {
	var b strings.Builder
	for i := 0; i < depth; i++ {
		b.WriteString(strings.Repeat("  ", i+1))
		b.WriteString("k:\n")
	}
	b.WriteString(strings.Repeat("  ", depth+1))
	b.WriteString("k: v\n")
	return b.String()
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TABSYNC_REDIS_ADDR":     "redis:6380",
		"TABSYNC_REDIS_DB":       "3",
		"TABSYNC_STORE_BACKEND":  "firestore",
		"GCP_PROJECT":            "proj-from-gcp",
		"TABSYNC_LOG_LEVEL":      "warn",
		"TABSYNC_BUS_TRANSPORT":  "",
		"TABSYNC_METRICS_ADDR":   "127.0.0.1:9191",
		"TABSYNC_STORE_DSN":      "user:pw@tcp(db:3306)/tabsync",
		"TABSYNC_BUS_FALLBACK":   "none",
		"TABSYNC_MONGO_URI":      "mongodb://mongo:27017/tabsync",
		"TABSYNC_REDIS_PASSWORD": "secret",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, BackendFirestore, cfg.Store.Backend)
	assert.Equal(t, "proj-from-gcp", cfg.Store.Firestore.ProjectID)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, TransportRedis, cfg.Bus.Transport, "empty values are ignored")
	assert.Equal(t, FallbackNone, cfg.Bus.Fallback)
	assert.Equal(t, "127.0.0.1:9191", cfg.Observability.MetricsAddr)
	assert.Equal(t, "mongodb://mongo:27017/tabsync", cfg.Store.Mongo.URI)

	env["TABSYNC_FIRESTORE_PROJECT"] = "explicit"
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "explicit", cfg.Store.Firestore.ProjectID)

	env["TABSYNC_REDIS_DB"] = "three"
	assert.Error(t, cfg.ApplyEnv(lookup))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown transport", mutate: func(c *Config) { c.Bus.Transport = "carrier-pigeon" }, wantErr: "bus.transport"},
		{name: "unknown fallback", mutate: func(c *Config) { c.Bus.Fallback = "disk" }, wantErr: "bus.fallback"},
		{name: "presence shorter than heartbeat", mutate: func(c *Config) { c.Bus.PresenceTTL = Duration(time.Second) }, wantErr: "presence_ttl"},
		{name: "zero relay capacity", mutate: func(c *Config) { c.Bus.RelayCapacity = 0 }, wantErr: "relay_capacity"},
		{name: "redis without addr", mutate: func(c *Config) { c.Redis.Addr = "" }, wantErr: "redis.addr"},
		{
			name: "hub without redis",
			mutate: func(c *Config) {
				c.Bus.Transport = TransportHub
				c.Bus.Fallback = FallbackNone
				c.Redis.Addr = ""
			},
		},
		{name: "sqlite without dsn", mutate: func(c *Config) { c.Store.Backend = BackendSQLite }, wantErr: "store.dsn"},
		{name: "mongo without uri", mutate: func(c *Config) { c.Store.Backend = BackendMongo }, wantErr: "store.mongo.uri"},
		{name: "firestore without project", mutate: func(c *Config) { c.Store.Backend = BackendFirestore }, wantErr: "project_id"},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "tape" }, wantErr: "store.backend"},
		{name: "negative rate", mutate: func(c *Config) { c.Store.RateLimit = -1 }, wantErr: "rate_limit"},
		{name: "zero inactivity", mutate: func(c *Config) { c.Session.MaxInactivity = 0 }, wantErr: "max_inactivity"},
		{name: "bad sweep schedule", mutate: func(c *Config) { c.Session.SweepSchedule = "every minute" }, wantErr: "sweep_schedule"},
		{name: "cron sweep schedule", mutate: func(c *Config) { c.Session.SweepSchedule = "*/5 * * * *" }},
		{name: "unknown exporter", mutate: func(c *Config) { c.Observability.Tracing.Exporter = "zipkin" }, wantErr: "exporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")

	cfg := Default()
	cfg.Store.Backend = BackendRedis
	cfg.Store.RecordTTL = Duration(24 * time.Hour)
	require.NoError(t, SaveConfig(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "heartbeat_interval: 10s")

	loaded, err := decodeOnly(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func decodeOnly(data []byte) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(data, cfg, DefaultLimits()); err != nil {
		return nil, err
	}
	return cfg, cfg.ApplyEnv(noEnv)
}
