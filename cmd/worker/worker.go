package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/inverter-telemetry-worker/internal/anomaly"
	"github.com/septivank/inverter-telemetry-worker/internal/config"
	"github.com/septivank/inverter-telemetry-worker/internal/db"
	"github.com/septivank/inverter-telemetry-worker/internal/fetch"
	"github.com/septivank/inverter-telemetry-worker/internal/httpserver"
	"github.com/septivank/inverter-telemetry-worker/internal/metrics"
	"github.com/septivank/inverter-telemetry-worker/internal/mq"
	"github.com/septivank/inverter-telemetry-worker/internal/publish"
	"github.com/septivank/inverter-telemetry-worker/internal/repository"
	"github.com/septivank/inverter-telemetry-worker/internal/scheduler"
	"github.com/septivank/inverter-telemetry-worker/internal/service"
	"github.com/septivank/inverter-telemetry-worker/internal/site"
	redisstore "github.com/septivank/inverter-telemetry-worker/internal/store/redis"
	"github.com/septivank/inverter-telemetry-worker/internal/sunsynk"
	"github.com/septivank/inverter-telemetry-worker/internal/tracker"
	"github.com/septivank/inverter-telemetry-worker/internal/validator"
	"github.com/septivank/inverter-telemetry-worker/internal/validity"
)

func appOptions() fx.Option {
	return fx.Options(
		fx.WithLogger(fxLogger),
		fx.Provide(
			config.Load,
			newLogger,
			metrics.New,
			ProvideRegistry,
			ProvideDBPool,
			ProvideRepository,
			ProvideRedisStore,
			ProvideValidityStore,
			ProvideStateStore,
			ProvideValidator,
			ProvideSunsynkClient,
			ProvideThrottle,
			ProvideFetcher,
			ProvideHistory,
			ProvideValidityCache,
			ProvideAnomalyDetector,
			ProvideTracker,
			ProvideMQConnection,
			ProvidePublisher,
			ProvideProcessorService,
			ProvideScheduler,
			ProvideHTTPServer,
		),
		fx.Invoke(startWorker),
	)
}

func startWorker(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *zap.Logger,
	registry *site.Registry,
	processor *service.ProcessorService,
	sched *scheduler.Scheduler,
	conn *mq.Connection,
	server *httpserver.Server,
) error {
	// cancelled on shutdown; the scheduler and consumer outlive OnStart's context
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	var consumer *mq.ControlConsumer
	if conn != nil {
		var err error
		consumer, err = mq.NewControlConsumer(mq.ControlConsumerConfig{
			Connection:    conn,
			Exchange:      cfg.RabbitMQ.ControlExchange,
			Queue:         cfg.RabbitMQ.ControlQueue,
			DLQQueue:      cfg.RabbitMQ.DLQQueue,
			RoutingKey:    cfg.RabbitMQ.ControlRoutingKey,
			PrefetchCount: cfg.RabbitMQ.PrefetchCount,
			Target:        sched,
			KnownSite:     knownSite(registry),
			Logger:        logger,
		})
		if err != nil {
			cancel()
			return err
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := processor.Restore(startCtx); err != nil {
				logger.Warn("Starting with empty tracker state", zap.Error(err))
			}
			if err := sched.Start(startCtx); err != nil {
				return err
			}
			if consumer != nil {
				if err := consumer.Start(runCtx); err != nil {
					return err
				}
			}

			go func() {
				if err := server.Start(); err != nil {
					logger.Error("HTTP server failed", zap.Error(err))
				}
			}()
			go func() {
				defer close(done)
				if err := sched.Run(runCtx); err != nil {
					logger.Error("Scheduler stopped with error", zap.Error(err))
				}
			}()

			logger.Info("Worker started",
				zap.Int("sites", registry.Len()),
				zap.Duration("interval", cfg.Schedule.Interval),
				zap.Bool("control_queue", consumer != nil))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				logger.Warn("Scheduler did not stop before shutdown deadline")
			}
			if consumer != nil {
				if err := consumer.Close(); err != nil {
					logger.Error("Failed to close consumer", zap.Error(err))
				}
			}
			if err := server.Stop(stopCtx); err != nil {
				logger.Error("Failed to stop HTTP server", zap.Error(err))
			}
			logger.Info("Worker stopped gracefully")
			return nil
		},
	})

	return nil
}

func knownSite(registry *site.Registry) func(string) bool {
	return func(id string) bool {
		_, ok := registry.Get(id)
		return ok
	}
}

// ProvideRegistry loads the configured sites
func ProvideRegistry(cfg *config.Config) (*site.Registry, error) {
	return site.LoadRegistry(cfg.SitesFile)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *pgxpool.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideRedisStore connects to redis, or returns nil when REDIS_ADDR is unset
func ProvideRedisStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*redisstore.Store, error) {
	if cfg.Redis.Addr == "" {
		logger.Info("REDIS_ADDR not set, validity and tracker state will not survive restarts")
		return nil, nil
	}

	client, err := redisstore.Connect(context.Background(), redisstore.ConnectOptions{
		Addr:           cfg.Redis.Addr,
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.DB,
		ConnectTimeout: cfg.Redis.ConnectTimeout,
		RetryInterval:  cfg.Redis.RetryInterval,
		MaxWait:        cfg.Redis.MaxWait,
		PingTimeout:    cfg.Redis.PingTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return redisstore.NewStore(client, cfg.Redis.KeyPrefix), nil
}

// ProvideValidityStore selects redis persistence when available
func ProvideValidityStore(store *redisstore.Store) validity.Store {
	if store == nil {
		return validity.NopStore{}
	}
	return store
}

// ProvideStateStore selects redis persistence when available
func ProvideStateStore(store *redisstore.Store) service.StateStore {
	if store == nil {
		return service.NopStateStore{}
	}
	return store
}

// ProvideValidator creates the series sample validator
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Tracking.FreshnessWindow, cfg.Location, map[string]validator.Bounds{
		sunsynk.LabelSOC:  {Min: 0, Max: 100},
		sunsynk.LabelVBat: {Min: 0, Max: 100},
		sunsynk.LabelVBMS: {Min: 0, Max: 100},
	})
}

// ProvideSunsynkClient creates the vendor API client
func ProvideSunsynkClient(cfg *config.Config, v *validator.Validator, logger *zap.Logger) *sunsynk.Client {
	httpClient := &http.Client{Timeout: cfg.Sunsynk.RequestTimeout}
	return sunsynk.NewClient(sunsynk.Config{
		BaseURL:  cfg.Sunsynk.BaseURL,
		Username: cfg.Sunsynk.Username,
		Password: cfg.Sunsynk.Password,
	}, httpClient, v, cfg.Location, logger)
}

// ProvideThrottle creates the request throttle shared by every site
func ProvideThrottle(cfg *config.Config) *fetch.Throttle {
	return fetch.NewThrottle(cfg.Sunsynk.RatePerSecond, cfg.Sunsynk.Burst, cfg.Sunsynk.PenaltyInterval, cfg.Sunsynk.PenaltyCooldown)
}

// ProvideFetcher creates the retrying fetcher
func ProvideFetcher(client *sunsynk.Client, throttle *fetch.Throttle, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *fetch.Fetcher {
	return fetch.NewFetcher(client, throttle, fetch.Config{
		RetryCount:     cfg.Fetch.RetryCount,
		BackoffBase:    cfg.Fetch.BackoffBase,
		BackoffMax:     cfg.Fetch.BackoffMax,
		AttemptTimeout: cfg.Fetch.AttemptTimeout,
	}, m, logger)
}

// ProvideHistory creates the previous-day summary client
func ProvideHistory(client *sunsynk.Client, throttle *fetch.Throttle, cfg *config.Config, m *metrics.Metrics) *fetch.History {
	return fetch.NewHistory(client, throttle, cfg.Fetch.AttemptTimeout, m)
}

// ProvideValidityCache creates the site validity cache
func ProvideValidityCache(client *sunsynk.Client, store validity.Store, cfg *config.Config, logger *zap.Logger) *validity.Cache {
	return validity.NewCache(client, store, validity.Options{
		RefreshHour:      cfg.Schedule.RefreshHour,
		Location:         cfg.Location,
		CheckConcurrency: cfg.Schedule.CheckConcurrency,
	}, logger)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Tracking.VoltageDiffAlert)
}

// ProvideTracker creates the metric tracker
func ProvideTracker(registry *site.Registry, cfg *config.Config, detector *anomaly.Detector, m *metrics.Metrics, logger *zap.Logger) *tracker.Tracker {
	return tracker.New(registry, tracker.Options{
		Staleness: cfg.Tracking.Staleness,
		Location:  cfg.Location,
	}, detector, m, logger)
}

// ProvideMQConnection connects to RabbitMQ, or returns nil when RABBITMQ_URL is unset
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("RABBITMQ_URL not set, batch events and control queue disabled")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher fans each batch out to postgres and, when configured, RabbitMQ
func ProvidePublisher(
	lc fx.Lifecycle,
	repo *repository.Repository,
	conn *mq.Connection,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) (publish.Publisher, error) {
	sinks := []publish.Sink{{Name: "postgres", Publisher: repo}}

	if conn != nil {
		events, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, cfg.RabbitMQ.EventsRoutingKey, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create batch event publisher: %w", err)
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return events.Close()
			},
		})
		sinks = append(sinks, publish.Sink{Name: "rabbitmq", Publisher: events})
	}

	return publish.NewMulti(m, logger, sinks...), nil
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	registry *site.Registry,
	tr *tracker.Tracker,
	cache *validity.Cache,
	history *fetch.History,
	publisher publish.Publisher,
	repo *repository.Repository,
	state service.StateStore,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(registry, tr, cache, history, publisher, repo, state, cfg.Retention.Readings, m, logger)
}

// ProvideScheduler creates the collection scheduler
func ProvideScheduler(
	registry *site.Registry,
	cache *validity.Cache,
	fetcher *fetch.Fetcher,
	processor *service.ProcessorService,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *scheduler.Scheduler {
	return scheduler.New(registry, cache, fetcher, processor, scheduler.Options{
		Interval:      cfg.Schedule.Interval,
		CycleDeadline: cfg.Schedule.CycleDeadline,
		MaxConcurrent: cfg.Schedule.MaxConcurrentFetches,
		RefreshHour:   cfg.Schedule.RefreshHour,
		Location:      cfg.Location,
	}, m, logger)
}

// ProvideHTTPServer creates the health, metrics and status API server
func ProvideHTTPServer(
	cfg *config.Config,
	registry *site.Registry,
	processor *service.ProcessorService,
	cache *validity.Cache,
	sched *scheduler.Scheduler,
	pool *pgxpool.Pool,
	store *redisstore.Store,
	m *metrics.Metrics,
	logger *zap.Logger,
) *httpserver.Server {
	checks := []httpserver.Check{{Name: "database", Ping: pool.Ping}}
	if store != nil {
		checks = append(checks, httpserver.Check{Name: "redis", Ping: store.Ping})
	}

	return httpserver.New(fmt.Sprintf(":%d", cfg.ServicePort), httpserver.Deps{
		StartTime:  time.Now(),
		Interval:   cfg.Schedule.Interval,
		Batches:    processor,
		Validity:   cache,
		Controller: sched,
		Metrics:    m.Handler(),
		Checks:     checks,
		KnownSite:  knownSite(registry),
		Location:   cfg.Location,
	}, logger)
}
