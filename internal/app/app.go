// Package app wires the store, the change capture pipeline, the refinement
// workflow and the HTTP API into one process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Dan9191/loans-finder/internal/analytics"
	"github.com/Dan9191/loans-finder/internal/changelog"
	"github.com/Dan9191/loans-finder/internal/cleanup"
	"github.com/Dan9191/loans-finder/internal/config"
	"github.com/Dan9191/loans-finder/internal/exporter"
	"github.com/Dan9191/loans-finder/internal/handler"
	"github.com/Dan9191/loans-finder/internal/integrations/cbr"
	"github.com/Dan9191/loans-finder/internal/lock"
	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/Dan9191/loans-finder/internal/objectstore"
	"github.com/Dan9191/loans-finder/internal/queue"
	"github.com/Dan9191/loans-finder/internal/refinement"
	"github.com/Dan9191/loans-finder/internal/repository"
	"github.com/Dan9191/loans-finder/internal/service"
	"github.com/Dan9191/loans-finder/internal/store"
	"github.com/Dan9191/loans-finder/internal/trigger"
	"github.com/Dan9191/loans-finder/internal/utils/email"
	"github.com/Dan9191/loans-finder/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// TriggerQueueName names the queue carrying refinement triggers
const TriggerQueueName = "refine"

type changeStore interface {
	store.Store
	store.ChangeSource
}

// App holds every long-lived component of the service
type App struct {
	cfg      *config.Config
	log      *logrus.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	db    *sql.DB
	redis *redis.Client
	duck  *sql.DB

	store       changeStore
	checkpoints changelog.CheckpointStore
	repo        *repository.Repository
	bucket      *objectstore.FSBucket
	queue       queue.Queue
	queries     *analytics.Engine
	workflows   *workflow.Engine
	reader      *changelog.Reader
	exporter    *exporter.Exporter
	cleanup     *cleanup.Worker
	notifier    *trigger.Notifier
	trigger     *trigger.Consumer
	feed        *cbr.Feed
	router      http.Handler
	cron        *cron.Cron
}

// New connects every backend selected by cfg and builds the component graph
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openQueue(ctx); err != nil {
		return nil, err
	}

	var err error
	a.bucket, err = objectstore.NewFSBucket(cfg.ObjectStoreDir, log, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}
	a.duck, err = OpenDuckDB(cfg.DuckDBPath)
	if err != nil {
		return nil, err
	}

	var executions analytics.ExecutionStore = analytics.NewMemoryExecutions()
	if a.redis != nil {
		executions = analytics.NewRedisExecutions(a.redis, 24*time.Hour)
	}
	a.queries = analytics.NewEngine(a.duck, a.bucket, executions, analytics.Options{
		ResultsPrefix: cfg.QueryResultsPrefix,
		TokenSecret:   []byte(cfg.TokenSecret),
		QueryTimeout:  cfg.QueryTimeout,
	}, log, a.metrics)
	table := refinement.ProductsTable(cfg.RefinedTableCode)
	refinement.Register(a.queries, cfg.RawPrefix, table)

	a.repo = repository.NewRepository(a.store)

	// Change capture
	a.reader = changelog.NewReader(a.store, a.checkpoints, cfg.ChangeLogShards, log, a.metrics)
	a.exporter = exporter.NewExporter(a.bucket, cfg.RawPrefix, log)
	a.cleanup = cleanup.NewWorker(a.repo, log)

	// Refinement
	histories := []workflow.History{refinement.NewStoreHistory(a.repo)}
	if cfg.AlertsEnabled() {
		histories = append(histories, email.NewSender(cfg, log))
	}
	a.workflows = workflow.NewEngine(workflow.Histories(histories...), log, a.metrics)

	definitions := map[string]workflow.Definition{
		table.Code: refinement.NewDefinition(table, a.repo, a.queries, cfg.JobPollInterval, cfg.WorkflowTimeout),
	}
	var locker lock.Locker = lock.NewMemoryLocker()
	if a.redis != nil {
		locker = lock.NewRedisLocker(a.redis, "loansfinder:lock:")
	}
	a.notifier = trigger.NewNotifier(a.queue, log)
	a.notifier.Bind(a.bucket, cfg.RawPrefix, table.Code)
	a.trigger = trigger.NewConsumer(a.queue, locker, a.workflows, definitions, cfg.LockTTL(), log, a.metrics)

	if cfg.RateFeedEnabled {
		a.feed = cbr.NewFeed(cbr.NewClient(cfg.RateFeedURL, log), a.repo, log)
	}

	svc := service.NewService(a.repo, a.queries, log)
	a.router = handler.NewRouter(handler.NewHandler(svc, log), a.healthChecks(), a.registry, a.metrics)
	built = true
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case config.DriverMemory:
		a.log.Warn("Using in-memory store, data is lost on restart")
		a.store = store.NewMemoryStore()
		a.checkpoints = changelog.NewMemoryCheckpoints()
		return nil
	default:
		db, err := OpenPostgres(ctx, a.cfg.DBConn)
		if err != nil {
			return err
		}
		a.db = db
		if err := store.Migrate(ctx, db); err != nil {
			return err
		}
		a.store = store.NewPostgresStore(db)
		a.checkpoints = changelog.NewPostgresCheckpoints(db)
		return nil
	}
}

func (a *App) openQueue(ctx context.Context) error {
	opts := queue.Options{
		DeliveryDelay:     a.cfg.QueueDeliveryDelay,
		DedupWindow:       a.cfg.QueueDedupWindow,
		VisibilityTimeout: a.cfg.QueueVisibilityTimeout,
	}
	if a.cfg.RedisURL != "" {
		rc, err := OpenRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return err
		}
		a.redis = rc
	}
	switch a.cfg.QueueDriver {
	case config.DriverMemory:
		a.queue = queue.NewMemoryQueue(TriggerQueueName, opts, a.metrics)
	default:
		a.queue = queue.NewRedisQueue(a.redis, TriggerQueueName, opts, a.metrics)
	}
	return nil
}

func (a *App) healthChecks() map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{}
	if a.db != nil {
		checks["postgres"] = a.db.PingContext
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	checks["analytics"] = a.duck.PingContext
	return checks
}

// Start schedules every background worker. Workers stop when ctx is done.
func (a *App) Start(ctx context.Context) error {
	a.cron = cron.New(cron.WithLogger(cron.PrintfLogger(a.log)))

	for _, c := range []changelog.Consumer{
		a.exporter.Consumer(a.cfg.ChangeLogBatchSize),
		a.cleanup.Consumer(a.cfg.ChangeLogBatchSize),
	} {
		if _, err := a.reader.Schedule(ctx, a.cron, a.cfg.ChangeLogPoll, c); err != nil {
			return err
		}
	}
	if _, err := a.trigger.Schedule(ctx, a.cron, a.cfg.QueuePoll); err != nil {
		return err
	}
	if a.feed != nil {
		if _, err := a.feed.Schedule(ctx, a.cron, a.cfg.RateFeedSchedule); err != nil {
			return err
		}
	}
	a.cron.Start()
	a.log.WithFields(logrus.Fields{
		"shards":  a.cfg.ChangeLogShards,
		"store":   a.cfg.StoreDriver,
		"queue":   a.cfg.QueueDriver,
		"feed":    a.cfg.RateFeedEnabled,
		"refined": a.cfg.RefinedTableCode,
	}).Info("Background workers started")
	return nil
}

// Run serves HTTP until ctx is done, then drains the server and workers
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%s", a.cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}

	a.log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("Server shutdown incomplete")
	}
	<-a.cron.Stop().Done()
	a.trigger.Wait()
	a.queries.Wait()
	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	return nil
}

// Handler exposes the HTTP routes
func (a *App) Handler() http.Handler {
	return a.router
}

// Close releases every connection
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close postgres")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close redis")
		}
	}
	if a.duck != nil {
		if err := a.duck.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close analytics database")
		}
	}
}
