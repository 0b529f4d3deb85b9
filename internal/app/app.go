// Package app assembles the job orchestration components from configuration
// and runs their loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aipjn/character-creation-platform-sub000/internal/breaker"
	"github.com/aipjn/character-creation-platform-sub000/internal/cache"
	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/http/handlers"
	"github.com/aipjn/character-creation-platform-sub000/internal/http/httpapi"
	"github.com/aipjn/character-creation-platform-sub000/internal/infra"
	"github.com/aipjn/character-creation-platform-sub000/internal/metrics"
	"github.com/aipjn/character-creation-platform-sub000/internal/provider"
	"github.com/aipjn/character-creation-platform-sub000/internal/queue"
	"github.com/aipjn/character-creation-platform-sub000/internal/store/memory"
	"github.com/aipjn/character-creation-platform-sub000/internal/store/postgres"
	"github.com/aipjn/character-creation-platform-sub000/internal/store/sqlite"
	"github.com/aipjn/character-creation-platform-sub000/internal/tracker"
	"github.com/aipjn/character-creation-platform-sub000/internal/webhook"
	"github.com/aipjn/character-creation-platform-sub000/internal/worker"
)

// Role selects which loops Run starts.
type Role int

const (
	// RoleAll serves the HTTP API and processes jobs in one process.
	RoleAll Role = iota
	// RoleWorker processes jobs and webhooks without the HTTP API.
	RoleWorker
)

const (
	terminalRetention = 24 * time.Hour
	deliveryRetention = 24 * time.Hour
	syntheticDelay    = time.Second
)

// Options carries collaborators that tests replace.
type Options struct {
	Clock      clockwork.Clock
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Provider overrides the provider built from configuration.
	Provider provider.Provider
	// Redis overrides the client built from REDIS_URL.
	Redis redis.UniversalClient
}

// App owns every long-lived component.
type App struct {
	cfg    *infra.Config
	logger zerolog.Logger
	clock  clockwork.Clock

	Store    domain.JobStore
	Metrics  *metrics.Metrics
	Breakers *breaker.Registry
	Queue    *queue.Service
	Tracker  *tracker.Tracker
	Worker   *worker.Worker
	Webhooks *webhook.Controller
	Cache    *cache.JobCache
	Router   http.Handler

	cron    *cron.Cron
	closers []func() error
}

// New builds the components and wires their event listeners. Close must be
// called to release store and cache connections.
func New(ctx context.Context, cfg *infra.Config, logger zerolog.Logger, opts Options) (*App, error) {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &App{cfg: cfg, logger: logger, clock: clock}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = store

	a.Metrics = metrics.New(opts.Registerer)
	a.Breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold:  cfg.BreakerFailureThreshold,
		ResetTimeout:      cfg.BreakerResetTimeout,
		MonitoringPeriod:  cfg.BreakerMonitoringPeriod,
		MinimumThroughput: cfg.BreakerMinimumThroughput,
		IsFailure:         breaker.IsRetryableFailure,
		OnStateChange:     a.breakerStateChanged,
	}, clock, logger)

	a.Queue = queue.New(queue.Options{
		Store:   store,
		Clock:   clock,
		Logger:  logger,
		Metrics: a.Metrics,
		Config: queue.Config{
			MaxQueueSize:         cfg.MaxQueueSize,
			MaxActiveJobsPerUser: cfg.MaxActiveJobsPerUser,
			StaleAfter:           cfg.QueueStaleAfter,
		},
	})

	prov := opts.Provider
	if prov == nil {
		if prov, err = a.buildProvider(); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	a.Worker = worker.New(worker.Options{
		Queue:    a.Queue,
		Provider: prov,
		Breakers: a.Breakers,
		Clock:    clock,
		Logger:   logger,
		Metrics:  a.Metrics,
		Config: worker.Config{
			Concurrency:         cfg.MaxConcurrentJobs,
			MaxRetries:          cfg.RetryAttempts,
			RetryDelay:          cfg.RetryDelay,
			JobTimeout:          cfg.JobTimeout,
			PollInterval:        cfg.PollInterval,
			HealthCheckInterval: cfg.WorkerHealthInterval,
			StaleJobThreshold:   cfg.StaleJobThreshold,
			ShutdownTimeout:     cfg.ShutdownTimeout,
		},
	})

	redisClient := opts.Redis
	if redisClient == nil && cfg.RedisURL != "" {
		client, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		redisClient = client
		a.closers = append(a.closers, client.Close)
	}
	if redisClient != nil {
		a.Cache = cache.New(redisClient, cache.Options{Logger: logger})
	}

	a.Tracker = tracker.New(tracker.Options{
		Clock:   clock,
		Logger:  logger,
		Metrics: a.Metrics,
		Probes:  a.probes(),
		Config: tracker.Config{
			MaxStatusHistory:    cfg.TrackerMaxStatusHistory,
			NotificationTimeout: cfg.TrackerNotificationTimeout,
			StaleJobTimeout:     cfg.TrackerStaleJobTimeout,
			StaleCheckInterval:  cfg.TrackerStaleCheckInterval,
			HealthCheckInterval: cfg.TrackerHealthCheckInterval,
		},
	})

	fileCfg, err := webhook.LoadFileConfig(cfg.WebhooksConfigPath)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Webhooks = webhook.New(webhook.Options{
		Updater: a.Tracker,
		Clock:   clock,
		Logger:  logger,
		Metrics: a.Metrics,
		Config: fileCfg.Merge(webhook.Config{
			Timeout:              cfg.WebhookTimeout,
			RetryAttempts:        cfg.WebhookRetryAttempts,
			MaxPayloadSize:       cfg.WebhookMaxPayloadBytes,
			ProcessInterval:      cfg.WebhookProcessInterval,
			BatchSize:            cfg.WebhookBatchSize,
			DefaultInboundSecret: cfg.WebhookInboundSecret,
		}),
	})
	if err := fileCfg.Register(a.Webhooks); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.wireEvents()

	a.Router = httpapi.NewRouter(&handlers.App{
		Queue:    a.Queue,
		Tracker:  a.Tracker,
		Breakers: a.Breakers,
		Webhooks: a.Webhooks,
		Worker:   a.Worker,
		Logger:   logger,
	}, httpapi.Options{
		JWTSecret:          cfg.JWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitPerMin:    cfg.RateLimitPerMin,
		Clock:              clock,
		Gatherer:           opts.Gatherer,
	})

	if err := a.scheduleMaintenance(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) (domain.JobStore, error) {
	switch a.cfg.JobStoreDriver {
	case infra.StorePostgres:
		pool, err := infra.NewDBPool(ctx, a.cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		return postgres.New(infra.NewSQLRunner(pool, a.logger)), nil
	case infra.StoreSQLite:
		s, err := sqlite.Open(a.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return memory.New(), nil
	}
}

func (a *App) buildProvider() (provider.Provider, error) {
	if a.cfg.ProviderAPIKey == "" {
		a.logger.Warn().Msg("app: PROVIDER_API_KEY not set, using synthetic provider")
		return provider.NewSynthetic(syntheticDelay), nil
	}
	logger := a.logger
	client, err := provider.NewHTTPClient(provider.Options{
		APIKey:         a.cfg.ProviderAPIKey,
		BaseURL:        a.cfg.ProviderBaseURL,
		Model:          a.cfg.ProviderModel,
		Logger:         &logger,
		RequestTimeout: a.cfg.JobTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}
	return client, nil
}

// wireEvents feeds the tracker from the queue and fans tracker events out to
// webhooks and the cache.
func (a *App) wireEvents() {
	a.Queue.Bus().OnAll(a.Tracker.HandleQueueEvent)
	a.Tracker.Bus().OnAll(a.Webhooks.HandleEvent)
	if a.Cache != nil {
		a.Tracker.Bus().OnAll(a.Cache.HandleEvent)
	}
}

// breakerStateChanged exports the new state. The breaker logs the transition
// itself.
func (a *App) breakerStateChanged(name string, _, to breaker.State) {
	a.Metrics.SetBreakerState(name, int(to))
}

// Run starts the loops for role and blocks until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context, role Role) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Worker.Run(gctx) })
	g.Go(func() error { return a.Tracker.Run(gctx) })
	g.Go(func() error { return a.Webhooks.Run(gctx) })

	a.cron.Start()
	g.Go(func() error {
		<-gctx.Done()
		<-a.cron.Stop().Done()
		return nil
	})

	if role == RoleAll {
		server := infra.NewHTTPServer(a.cfg, a.Router, a.logger)
		g.Go(func() error {
			a.logger.Info().Str("port", a.cfg.Port).Msg("app: http listening")
			if err := server.Start(); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info().Msg("app: stopped")
	return err
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
