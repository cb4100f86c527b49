// Package tabsync keeps the study session of a user in step across every
// context (process, tab, worker) the user has open. Runtime wires the
// message bus, the durable store and the session manager from a
// config.Config.
package tabsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/tabsync/internal/observability"
	"github.com/aixgo-dev/tabsync/pkg/bus"
	"github.com/aixgo-dev/tabsync/pkg/config"
	metrics "github.com/aixgo-dev/tabsync/pkg/observability"
	"github.com/aixgo-dev/tabsync/pkg/session"
	"github.com/aixgo-dev/tabsync/pkg/store"
)

// Runtime is one context: its bus endpoint, its store handle and its
// session manager.
type Runtime struct {
	cfg    *config.Config
	log    logrus.FieldLogger
	hub    *bus.Hub
	medium bus.Medium

	redis     *redis.Client
	ownsRedis bool

	bus     *bus.Bus
	store   *store.Store
	manager session.Manager
	health  *metrics.Health
	server  *metrics.Server
	tracing bool

	mu      sync.Mutex
	started bool
	stopped bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithHub sets the hub used by the "hub" transport. Runtimes sharing a hub
// see each other.
func WithHub(h *bus.Hub) Option {
	return func(r *Runtime) { r.hub = h }
}

// WithMedium sets the relay medium used by the "memory" fallback.
func WithMedium(m bus.Medium) Option {
	return func(r *Runtime) { r.medium = m }
}

// WithRedisClient shares an existing Redis client instead of dialing
// cfg.Redis. The runtime does not close it.
func WithRedisClient(c *redis.Client) Option {
	return func(r *Runtime) { r.redis = c }
}

// New validates cfg and prepares a runtime. Nothing is dialed until Init.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Runtime{
		cfg: cfg,
		log: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Init starts tracing, the bus, the session manager and, when configured,
// the metrics server.
func (r *Runtime) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return errors.New("runtime already shut down")
	}
	if r.started {
		return errors.New("runtime already initialized")
	}

	tc := r.cfg.Observability.Tracing
	if tc.Enabled {
		otelCfg := observability.ConfigFromEnv()
		otelCfg.Enabled = true
		otelCfg.ExporterType = tc.Exporter
		otelCfg.Insecure = tc.Insecure
		otelCfg.Logger = r.log
		if tc.Endpoint != "" {
			otelCfg.OTLPEndpoint = tc.Endpoint
		}
		if err := observability.Init(otelCfg); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		r.tracing = true
	}
	metrics.InitMetrics()

	if r.redis == nil && needsRedis(r.cfg) {
		r.redis = redis.NewClient(&redis.Options{
			Addr:     r.cfg.Redis.Addr,
			Password: r.cfg.Redis.Password,
			DB:       r.cfg.Redis.DB,
		})
		r.ownsRedis = true
	}

	b, err := r.newBus()
	if err != nil {
		r.closeRedis()
		return err
	}
	if err := b.Start(ctx); err != nil {
		_ = b.Shutdown(ctx)
		r.closeRedis()
		return fmt.Errorf("start bus: %w", err)
	}
	r.bus = b
	metrics.SetBusDegraded(b.Degraded())

	storeOpts := []store.Option{
		store.WithLogger(r.log),
		store.WithOpenTimeout(r.cfg.Store.OpenTimeout.D()),
	}
	if r.cfg.Store.RateLimit > 0 {
		burst := r.cfg.Store.RateBurst
		if burst == 0 {
			burst = 10
		}
		storeOpts = append(storeOpts, store.WithRateLimiter(store.NewRateLimiter(r.cfg.Store.RateLimit, burst)))
	}
	r.store = store.New(r.opener(), storeOpts...)

	r.manager = session.NewManager(r.store, b,
		session.WithLogger(r.log),
		session.WithConfig(session.Config{
			CacheTTL:      r.cfg.Session.CacheTTL.D(),
			MaxInactivity: r.cfg.Session.MaxInactivity.D(),
		}),
	)

	r.health = metrics.NewHealth()
	r.health.Register(metrics.StoreCheck(r.store.Ping))
	r.health.Register(metrics.BusCheck(b.Degraded))

	if addr := r.cfg.Observability.MetricsAddr; addr != "" {
		r.server = metrics.NewServer(addr, r.health)
		go func(s *metrics.Server) {
			if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.log.WithError(err).WithField("addr", s.Addr()).Error("Metrics server failed")
			}
		}(r.server)
	}

	r.started = true
	r.log.WithFields(logrus.Fields{
		"origin":    b.Identity(),
		"transport": r.cfg.Bus.Transport,
		"degraded":  b.Degraded(),
		"store":     r.cfg.Store.Backend,
	}).Info("Runtime initialized")
	return nil
}

func (r *Runtime) newBus() (*bus.Bus, error) {
	opts := []bus.Option{
		bus.WithLogger(r.log),
		bus.WithHeartbeatInterval(r.cfg.Bus.HeartbeatInterval.D()),
		bus.WithPresenceTTL(r.cfg.Bus.PresenceTTL.D()),
	}

	relay := bus.RelayConfig{
		PollInterval: r.cfg.Bus.RelayPollInterval.D(),
		Capacity:     r.cfg.Bus.RelayCapacity,
		Logger:       r.log,
	}
	switch r.cfg.Bus.Fallback {
	case config.FallbackRedis:
		opts = append(opts, bus.WithFallback(bus.RelayDialer(bus.NewRedisMedium(r.redis, r.cfg.Redis.Prefix), relay)))
	case config.FallbackMemory:
		if r.medium == nil {
			r.medium = bus.NewMemoryMedium()
		}
		opts = append(opts, bus.WithFallback(bus.RelayDialer(r.medium, relay)))
	}

	var dial bus.Dialer
	switch r.cfg.Bus.Transport {
	case config.TransportHub:
		if r.hub == nil {
			r.hub = bus.NewHub()
		}
		dial = r.hub.Dialer()
	default:
		dial = bus.RedisDialer(r.redis, r.cfg.Redis.Channel)
	}

	b, err := bus.New(dial, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bus: %w", err)
	}
	return b, nil
}

// opener returns the store opener for the configured backend.
func (r *Runtime) opener() store.Opener {
	sc := r.cfg.Store
	switch sc.Backend {
	case config.BackendMemory:
		return func(context.Context) (store.Backend, error) {
			return store.NewMemoryBackend(), nil
		}
	case config.BackendFile:
		return func(context.Context) (store.Backend, error) {
			return store.NewFileBackend(sc.BaseDir)
		}
	case config.BackendRedis:
		client, prefix := r.redis, r.cfg.Redis.Prefix+"store:"
		return func(ctx context.Context) (store.Backend, error) {
			b := store.NewRedisBackendFromClient(client, prefix, sc.RecordTTL.D())
			if err := b.Ping(ctx); err != nil {
				return nil, fmt.Errorf("redis store: %w", err)
			}
			return b, nil
		}
	case config.BackendSQLite, config.BackendMySQL:
		dialect := store.DialectSQLite
		if sc.Backend == config.BackendMySQL {
			dialect = store.DialectMySQL
		}
		return func(ctx context.Context) (store.Backend, error) {
			return store.NewSQLBackend(ctx, store.SQLConfig{Dialect: dialect, DSN: sc.DSN})
		}
	case config.BackendMongo:
		return func(ctx context.Context) (store.Backend, error) {
			return store.NewMongoBackend(ctx, store.MongoConfig{
				URI:        sc.Mongo.URI,
				Database:   sc.Mongo.Database,
				Collection: sc.Mongo.Collection,
			})
		}
	case config.BackendFirestore:
		return func(ctx context.Context) (store.Backend, error) {
			return store.NewFirestoreBackend(ctx, store.FirestoreConfig{
				ProjectID:       sc.Firestore.ProjectID,
				CredentialsFile: sc.Firestore.CredentialsFile,
				Collection:      sc.Firestore.Collection,
			})
		}
	default:
		return store.UnsupportedOpener("durable storage disabled by configuration")
	}
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Bus.Transport == config.TransportRedis ||
		cfg.Bus.Fallback == config.FallbackRedis ||
		cfg.Store.Backend == config.BackendRedis
}

// Config returns the runtime configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Logger returns the runtime logger.
func (r *Runtime) Logger() logrus.FieldLogger { return r.log }

// Bus returns the bus endpoint, or nil before Init.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Store returns the store handle, or nil before Init.
func (r *Runtime) Store() *store.Store { return r.store }

// Manager returns the session manager, or nil before Init.
func (r *Runtime) Manager() session.Manager { return r.manager }

// Health returns the runtime's health checks, nil before Init.
func (r *Runtime) Health() *metrics.Health { return r.health }

// Shutdown stops the manager, announces this context as gone, stops the
// metrics server and tracing, then closes the store. It is safe to call more
// than once.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil
	}
	r.stopped = true
	if !r.started {
		r.closeRedis()
		return nil
	}

	_ = r.manager.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.bus.Shutdown(gctx); err != nil {
			return fmt.Errorf("bus shutdown: %w", err)
		}
		return nil
	})
	if r.server != nil {
		g.Go(func() error {
			if err := r.server.Shutdown(gctx); err != nil {
				return fmt.Errorf("metrics server shutdown: %w", err)
			}
			return nil
		})
	}
	if r.tracing {
		g.Go(func() error {
			if err := observability.Shutdown(gctx); err != nil {
				return fmt.Errorf("tracing shutdown: %w", err)
			}
			return nil
		})
	}
	err := g.Wait()

	// The bus flushes its going-inactive heartbeat through Redis, so the
	// store and the client close after it.
	if cerr := r.store.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("store close: %w", cerr))
	}
	r.closeRedis()

	r.log.Info("Runtime stopped")
	return err
}

func (r *Runtime) closeRedis() {
	if r.ownsRedis && r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.log.WithError(err).Debug("Failed to close redis client")
		}
		r.redis = nil
		r.ownsRedis = false
	}
}
