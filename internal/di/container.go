package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/stockroom/api/internal/handlers"
	"github.com/stockroom/api/internal/notify"
	"github.com/stockroom/api/internal/platform/auth"
	"github.com/stockroom/api/internal/platform/config"
	pfirestore "github.com/stockroom/api/internal/platform/firestore"
	"github.com/stockroom/api/internal/platform/idempotency"
	"github.com/stockroom/api/internal/platform/observability"
	"github.com/stockroom/api/internal/platform/storage"
	"github.com/stockroom/api/internal/repositories"
	firestorerepo "github.com/stockroom/api/internal/repositories/firestore"
	"github.com/stockroom/api/internal/repositories/memory"
	"github.com/stockroom/api/internal/repositories/sqlite"
	"github.com/stockroom/api/internal/services"
)

const storeProbeTimeout = 2 * time.Second

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Inventory services.InventoryService
	Orders    services.OrderService
	Exports   services.OrderExportService
	Stats     services.StatsService
}

// Container wires repositories, services, event sinks and the HTTP router for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Idempotency  idempotency.Store
	Events       *notify.Hub
	Services     Services
	Router       http.Handler

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	registry repositories.Registry
	clock    func() time.Time
}

// WithLogger sets the base logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegistry bypasses driver selection and uses reg as the store.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithClock overrides the service clock.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// NewContainer constructs the runtime dependencies described by cfg. On error every resource
// opened so far is released.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (_ *Container, err error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	c := &Container{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	if err := c.buildStores(ctx, cfg, o); err != nil {
		return nil, err
	}
	events, err := c.buildEvents(ctx, cfg, o.logger)
	if err != nil {
		return nil, err
	}
	archiver, err := c.buildArchiver(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.buildServices(cfg, o, events, archiver); err != nil {
		return nil, err
	}
	authn, err := buildAuthenticator(ctx, cfg)
	if err != nil {
		return nil, err
	}
	router, err := c.buildRouter(cfg, o.logger, authn)
	if err != nil {
		return nil, err
	}
	c.Router = router
	return c, nil
}

// Close releases resources in reverse construction order and joins their errors.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.closers[i].name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// NewServer builds the HTTP server for the container's router. Shutdown disconnects event
// stream subscribers first, since http.Server.Shutdown does not cancel active requests.
func (c *Container) NewServer() *http.Server {
	server := &http.Server{
		Addr:         ":" + c.Config.Server.Port,
		Handler:      c.Router,
		ReadTimeout:  c.Config.Server.ReadTimeout,
		WriteTimeout: c.Config.Server.WriteTimeout,
		IdleTimeout:  c.Config.Server.IdleTimeout,
	}
	if c.Events != nil {
		server.RegisterOnShutdown(func() {
			_ = c.Events.Close(context.Background())
		})
	}
	return server
}

func (c *Container) onClose(name string, fn func(context.Context) error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}

func (c *Container) buildStores(ctx context.Context, cfg config.Config, o options) error {
	if o.registry != nil {
		c.Repositories = o.registry
		c.Idempotency = idempotency.NewMemoryStore()
		return nil
	}

	switch cfg.Store.Driver {
	case config.StoreDriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		c.onClose("sqlite", store.Close)
		c.Repositories = store
		c.Idempotency = idempotency.NewMemoryStore()
	case config.StoreDriverFirestore:
		provider := pfirestore.NewProvider(pfirestore.Settings{
			ProjectID:    cfg.Firestore.ProjectID,
			EmulatorHost: cfg.Firestore.EmulatorHost,
		})
		c.onClose("firestore", provider.Close)
		reg, err := firestorerepo.NewRegistry(provider)
		if err != nil {
			return err
		}
		client, err := provider.Client(ctx)
		if err != nil {
			return fmt.Errorf("dial firestore: %w", err)
		}
		c.Repositories = reg
		c.Idempotency = idempotency.NewFirestoreStore(client)
	default:
		c.Repositories = memory.NewRegistry()
		c.Idempotency = idempotency.NewMemoryStore()
	}
	return nil
}

func (c *Container) buildEvents(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.OrderEventPublisher, error) {
	c.Events = notify.NewHub(cfg.Events.Buffer)
	c.onClose("event hub", c.Events.Close)
	sinks := []notify.Sink{c.Events}

	if cfg.Events.PubSubTopic != "" {
		projectID := cfg.Firebase.ProjectID
		if projectID == "" {
			projectID = cfg.Firestore.ProjectID
		}
		client, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("dial pubsub: %w", err)
		}
		c.onClose("pubsub client", func(context.Context) error { return client.Close() })
		publisher, err := notify.NewPubSubPublisher(client.Topic(cfg.Events.PubSubTopic), logger.Named("pubsub"))
		if err != nil {
			return nil, err
		}
		c.onClose("pubsub publisher", publisher.Close)
		sinks = append(sinks, publisher)
	}

	if len(cfg.Events.KafkaBrokers) > 0 {
		publisher, err := notify.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, logger.Named("kafka"))
		if err != nil {
			return nil, err
		}
		c.onClose("kafka publisher", publisher.Close)
		sinks = append(sinks, publisher)
	}

	if len(sinks) == 1 {
		return c.Events, nil
	}
	return notify.NewFanout(sinks...), nil
}

func (c *Container) buildArchiver(ctx context.Context, cfg config.Config) (services.ExportArchiver, error) {
	if cfg.Exports.Bucket == "" {
		return nil, nil
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial cloud storage: %w", err)
	}
	c.onClose("cloud storage", func(context.Context) error { return client.Close() })
	archiver, err := storage.NewArchiver(client, cfg.Exports.Bucket)
	if err != nil {
		return nil, err
	}
	return archiver, nil
}

func (c *Container) buildServices(cfg config.Config, o options, events services.OrderEventPublisher, archiver services.ExportArchiver) error {
	eventLog := observability.EventLogger(o.logger)
	reg := c.Repositories

	inventory, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory: reg.Inventory(),
		Clock:     o.clock,
		Logger:    eventLog,
	})
	if err != nil {
		return err
	}
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:    reg.Orders(),
		Inventory: inventory,
		Events:    events,
		Clock:     o.clock,
		Logger:    eventLog,
	})
	if err != nil {
		return err
	}
	exports, err := services.NewOrderExportService(services.OrderExportServiceDeps{
		Orders:   reg.Orders(),
		Archiver: archiver,
		Clock:    o.clock,
		Logger:   eventLog,
	})
	if err != nil {
		return err
	}
	c.onClose("order exports", exports.Close)
	stats, err := services.NewStatsService(services.StatsServiceDeps{
		Orders:            reg.Orders(),
		Inventory:         reg.Inventory(),
		LowStockThreshold: cfg.Inventory.LowStockThreshold,
		Clock:             o.clock,
	})
	if err != nil {
		return err
	}

	c.Services = Services{Inventory: inventory, Orders: orders, Exports: exports, Stats: stats}
	return nil
}

func buildAuthenticator(ctx context.Context, cfg config.Config) (*auth.Authenticator, error) {
	var verifiers []auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		jwtVerifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, auth.WithIssuer(cfg.Auth.JWTIssuer))
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, jwtVerifier)
	}
	if cfg.Auth.FirebaseEnabled {
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init firebase auth: %w", err)
		}
		verifiers = append(verifiers, firebaseVerifier)
	}
	if len(verifiers) == 0 {
		return nil, errors.New("no token verifier configured")
	}
	return auth.NewAuthenticator(verifiers...), nil
}

func (c *Container) buildRouter(cfg config.Config, logger *zap.Logger, authn *auth.Authenticator) (http.Handler, error) {
	reg := c.Repositories
	prober, err := repositories.NewReadinessProber([]repositories.DependencyCheck{
		{Name: "store", Timeout: storeProbeTimeout, Check: reg.Ping},
	}, nil)
	if err != nil {
		return nil, err
	}

	idem := idempotency.Middleware(c.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.Recoverer(logger),
			observability.TraceMiddleware,
			observability.RequestLogger(logger),
			handlers.CORS(cfg.CORS.AllowedOrigins),
			handlers.RateLimit(cfg.RateLimit.Requests, cfg.RateLimit.Window, nil),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(handlers.WithReadiness(prober))),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(authn, c.Services.Orders,
			handlers.WithOrderExports(c.Services.Exports),
			handlers.WithOrderEvents(c.Events),
			handlers.WithOrderIdempotency(idem),
		)),
		handlers.WithInventoryRoutes(handlers.NewInventoryHandlers(authn, c.Services.Inventory, idem)),
		handlers.WithAdminRoutes(handlers.NewAdminHandlers(authn, c.Services.Stats)),
	), nil
}
