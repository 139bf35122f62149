// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/auction-crawler/internal/auction"
	"github.com/JakeFAU/auction-crawler/internal/clock/system"
	"github.com/JakeFAU/auction-crawler/internal/config"
	"github.com/JakeFAU/auction-crawler/internal/dedup"
	"github.com/JakeFAU/auction-crawler/internal/dedup/redisset"
	"github.com/JakeFAU/auction-crawler/internal/extract"
	"github.com/JakeFAU/auction-crawler/internal/hash/sha256"
	"github.com/JakeFAU/auction-crawler/internal/id/uuid"
	"github.com/JakeFAU/auction-crawler/internal/ingest"
	"github.com/JakeFAU/auction-crawler/internal/metrics"
	"github.com/JakeFAU/auction-crawler/internal/navigator"
	"github.com/JakeFAU/auction-crawler/internal/navigator/browser"
	"github.com/JakeFAU/auction-crawler/internal/navigator/static"
	pubmemory "github.com/JakeFAU/auction-crawler/internal/publisher/memory"
	"github.com/JakeFAU/auction-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/auction-crawler/internal/storage/gcs"
	"github.com/JakeFAU/auction-crawler/internal/storage/local"
	"github.com/JakeFAU/auction-crawler/internal/storage/memory"
	"github.com/JakeFAU/auction-crawler/internal/storage/postgres"
)

// App holds the shared, long-lived services of one process: the vehicle
// store, the optional side channels, and the orchestrator wired to them.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Store        auction.VehicleStore
	Metrics      *metrics.Recorder
	Orchestrator *ingest.Orchestrator

	redis   *redis.Client
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// Openers for external services; tests swap them for fakes.
var (
	openPostgres = func(ctx context.Context, cfg postgres.Config, clock auction.Clock) (vehicleStore, error) {
		return postgres.NewVehicleStore(ctx, cfg, clock)
	}
	openGCS = func(ctx context.Context, cfg gcs.Config) (blobStoreCloser, error) {
		return gcs.Open(ctx, cfg)
	}
	openPubSub = func(ctx context.Context, projectID string) (publisherCloser, error) {
		return pubsub.Open(ctx, projectID)
	}
)

type vehicleStore interface {
	auction.VehicleStore
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
}

type blobStoreCloser interface {
	auction.BlobStore
	Close() error
}

type publisherCloser interface {
	auction.Publisher
	Close() error
}

// Option adjusts which services NewApp builds.
type Option func(*options)

type options struct {
	storeOnly bool
}

// StoreOnly builds just the vehicle store. Metrics and Orchestrator stay nil.
func StoreOnly() Option {
	return func(o *options) { o.storeOnly = true }
}

// NewApp instantiates every service cfg selects and fails fast if any of
// them cannot be reached. On error, whatever was opened is closed again.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("initializing application services")
	clock := system.New()

	if err := a.initStore(ctx, clock); err != nil {
		return nil, err
	}
	if o.storeOnly {
		logger.Info("vehicle store initialized", zap.String("db_driver", cfg.DB.Driver))
		return a, nil
	}

	recorder, err := metrics.NewRecorder(nil)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	a.Metrics = recorder

	extractor, err := extract.New(extract.Config{
		BaseURL: cfg.Crawler.TargetURL,
		Source:  cfg.Crawler.Source,
	}, logger.Named("extract"))
	if err != nil {
		return nil, fmt.Errorf("init extractor: %w", err)
	}

	seenSets, err := a.seenSets(ctx)
	if err != nil {
		return nil, err
	}
	snapshots, err := a.snapshots(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.publisher(ctx)
	if err != nil {
		return nil, err
	}

	orch, err := ingest.New(ingest.Config{
		MaxPages:           cfg.Crawler.MaxPages,
		PageAttempts:       cfg.Crawler.PageAttempts,
		EmptyRetryDelay:    cfg.Crawler.EmptyRetryDelay,
		LoadAttempts:       cfg.Navigator.LoadAttempts,
		LoadBackoff:        cfg.Navigator.LoadBackoff,
		DuplicateStopRatio: cfg.Crawler.DuplicateStopRatio,
		SnapshotPrefix:     cfg.Snapshots.Prefix,
		SummaryTopic:       summaryTopic(cfg.Publish),
	}, ingest.Dependencies{
		Navigators: NavigatorFactory(cfg, clock, logger.Named("navigator")),
		Extractor:  extractor,
		Store:      a.Store,
		Clock:      clock,
		Sleeper:    clock,
		IDs:        uuid.New(),
		SeenSets:   seenSets,
		Snapshots:  snapshots,
		Publisher:  publisher,
		Metrics:    recorder,
		Logger:     logger.Named("ingest"),
	})
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}
	a.Orchestrator = orch

	logger.Info("application services initialized",
		zap.String("mode", cfg.Crawler.Mode),
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("dedup_backend", cfg.Dedup.Backend),
		zap.Bool("snapshots", snapshots != nil),
		zap.Bool("publish", publisher != nil),
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context, clock auction.Clock) error {
	cfg := a.Config.DB
	switch cfg.Driver {
	case config.DriverMemory:
		a.Logger.Info("using in-memory vehicle store; records are discarded on exit")
		a.Store = memory.NewVehicleStore(clock)
		return nil
	case config.DriverPostgres:
		store, err := openPostgres(ctx, postgres.Config{
			DSN:      cfg.DSN,
			Table:    cfg.Table,
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		}, clock)
		if err != nil {
			return fmt.Errorf("%w: open vehicle store: %w", auction.ErrPersistence, err)
		}
		a.Store = store
		a.closers = append(a.closers, closer{name: "vehicle store", fn: func() error { store.Close(); return nil }})
		if cfg.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("%w: ensure schema: %w", auction.ErrPersistence, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown db driver %q", auction.ErrConfiguration, cfg.Driver)
	}
}

func (a *App) seenSets(ctx context.Context) (ingest.SeenSetFactory, error) {
	cfg := a.Config.Dedup
	switch cfg.Backend {
	case config.BackendMemory, "":
		return nil, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		a.redis = client
		a.closers = append(a.closers, closer{name: "redis", fn: client.Close})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		logger := a.Logger
		return func(runID string) dedup.Set {
			set, err := redisset.New(client, redisset.Config{RunID: runID, TTL: cfg.TTL, Logger: logger.Named("redisset")})
			if err != nil {
				logger.Warn("redis seen set unavailable, using memory", zap.Error(err))
				return nil
			}
			return set
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown dedup backend %q", auction.ErrConfiguration, cfg.Backend)
	}
}

func (a *App) snapshots(ctx context.Context) (auction.BlobStore, error) {
	cfg := a.Config.Snapshots
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewBlobStore(), nil
	case config.BackendLocal:
		store, err := local.New(local.Config{Dir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local snapshots: %w", err)
		}
		return store, nil
	case config.BackendGCS:
		store, err := openGCS(ctx, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs snapshots: %w", err)
		}
		a.closers = append(a.closers, closer{name: "gcs", fn: store.Close})
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown snapshot backend %q", auction.ErrConfiguration, cfg.Backend)
	}
}

func (a *App) publisher(ctx context.Context) (auction.Publisher, error) {
	cfg := a.Config.Publish
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case config.BackendMemory:
		a.Logger.Info("run summaries are kept in memory only", zap.String("topic", cfg.Topic))
		return pubmemory.New(), nil
	case config.BackendPubSub, "":
		pub, err := openPubSub(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, closer{name: "pubsub", fn: pub.Close})
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unknown publish backend %q", auction.ErrConfiguration, cfg.Backend)
	}
}

func summaryTopic(cfg config.PublishConfig) string {
	if !cfg.Enabled {
		return ""
	}
	return cfg.Topic
}

// NavigatorFactory returns a factory that opens a fresh browser or HTTP
// session per run, wrapped in the page-transition state machine.
func NavigatorFactory(cfg config.Config, clock *system.Clock, logger *zap.Logger) ingest.NavigatorFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	navCfg := navigator.Config{
		Timeout:        cfg.Navigator.Timeout,
		AdvanceRetries: cfg.Navigator.AdvanceRetries,
		AdvanceBackoff: cfg.Navigator.AdvanceBackoff,
		MinInterval:    cfg.Crawler.MinPageInterval,
	}
	return func(context.Context) (ingest.Navigator, error) {
		var (
			surface navigator.Surface
			err     error
		)
		switch cfg.Crawler.Mode {
		case config.ModeStatic:
			surface, err = static.New(static.Config{
				TargetURL:      cfg.Crawler.TargetURL,
				PageParam:      cfg.Crawler.PageParam,
				UserAgent:      cfg.Navigator.UserAgent,
				MarkerSelector: cfg.Navigator.MarkerSelector,
				Timeout:        cfg.Navigator.Timeout,
			}, sha256.New(), logger.Named("static"))
		case config.ModeBrowser:
			surface, err = browser.New(browser.Config{
				TargetURL:      cfg.Crawler.TargetURL,
				UserAgent:      cfg.Navigator.UserAgent,
				Headless:       cfg.Navigator.Headless,
				PageSize:       cfg.Navigator.PageSize,
				DismissConsent: cfg.Navigator.DismissConsent,
				ExecPath:       cfg.Navigator.ChromePath,
				SettleDelay:    cfg.Crawler.SettleDelay,
				MarkerSelector: cfg.Navigator.MarkerSelector,
			}, sha256.New(), logger.Named("browser"))
		default:
			err = fmt.Errorf("%w: unknown crawl mode %q", auction.ErrConfiguration, cfg.Crawler.Mode)
		}
		if err != nil {
			return nil, err
		}
		return navigator.New(surface, navCfg, clock, logger), nil
	}
}

// Ready reports whether the backing services answer.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	if p, ok := a.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("ping redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close shuts down every service in reverse order of creation and flushes
// the logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.Logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
}
