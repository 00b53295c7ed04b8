package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"picfit/internal/clock"
	"picfit/internal/config"
	"picfit/internal/infrastructure/cache"
	"picfit/internal/infrastructure/database"
	"picfit/internal/infrastructure/lock"
	"picfit/internal/infrastructure/mq"
	"picfit/internal/job"
	"picfit/internal/provider"
	"picfit/internal/ratelimit"
	"picfit/internal/service"
	"picfit/internal/storage"
	"picfit/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App is the wired object graph shared by the server and picfitctl.
type App struct {
	Config     *config.Config
	Log        *zap.Logger
	DB         *gorm.DB
	Redis      *redis.Client
	Store      *storage.LocalStore
	Ledger     *service.LedgerService
	Payments   *service.PaymentService
	Generation *service.GenerationService
	Reconciler *service.ReconcilerService
	Stats      *service.StatsService
	Guard      ratelimit.Guard
	SQLGuard   *ratelimit.SQLGuard
	Locks      func(key string, ttl time.Duration) lock.Locker
}

// New connects storage backends and builds every service. Close releases them.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := idgen.Init(cfg.Server.NodeID); err != nil {
		return nil, err
	}

	db, err := database.Open(&cfg.Database, log)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Log: log, DB: db}
	if cfg.Redis.Enabled {
		if a.Redis, err = cache.NewRedis(ctx, &cfg.Redis); err != nil {
			_ = database.Close(db)
			return nil, err
		}
	}

	clk := clock.SystemClock{}
	a.Store = storage.NewLocalStore(cfg.Storage.Dir, cfg.Storage.BaseURL)
	var generator provider.Generator
	gemini, err := provider.NewGeminiClient(ctx, &cfg.Provider, &http.Client{})
	if err != nil {
		log.Warn("image provider unavailable, generations will fail and refund", zap.Error(err))
		generator = provider.Unavailable(err)
	} else {
		generator = gemini
	}

	a.Ledger = service.NewLedgerService(db, cfg, log)
	a.Payments = service.NewPaymentService(db, a.Ledger, cfg, clk, log)
	a.Generation = service.NewGenerationService(db, a.Ledger, generator, a.Store, cfg, clk, log)
	a.Reconciler = service.NewReconcilerService(a.Generation, clk, log)
	a.Stats = service.NewStatsService(db, clk)
	a.Locks = lock.Factory(a.Redis)

	if cfg.RateLimit.Backend == "redis" && a.Redis != nil {
		a.Guard = ratelimit.NewRedisGuard(a.Redis)
	} else {
		a.SQLGuard = ratelimit.NewSQLGuard(db, clk)
		a.Guard = a.SQLGuard
	}
	return a, nil
}

// Workers are the background tickers the server runs.
type Workers struct {
	Reconciler *job.StuckJobReconciler
	Queue      *job.QueuedJobWorker
	Outbox     *job.OutboxSender
	publisher  mq.Publisher
}

// Workers builds the tickers. The outbox sender exists only when Kafka is
// enabled; otherwise no outbox rows are written.
func (a *App) Workers() (*Workers, error) {
	w := &Workers{
		Reconciler: job.NewStuckJobReconciler(a.Reconciler, a.SQLGuard, a.Locks, a.Config, a.Log),
		Queue:      job.NewQueuedJobWorker(a.Generation, a.Locks, a.Config, a.Log),
	}
	if a.Config.Kafka.Enabled {
		pub, err := mq.NewKafkaPublisher(&a.Config.Kafka)
		if err != nil {
			return nil, err
		}
		w.publisher = pub
		w.Outbox = job.NewOutboxSender(a.DB, pub, a.Config, a.Log)
	}
	return w, nil
}

func (w *Workers) Start(ctx context.Context) {
	go w.Reconciler.Start(ctx)
	go w.Queue.Start(ctx)
	if w.Outbox != nil {
		go w.Outbox.Start(ctx)
	}
}

func (w *Workers) Stop() error {
	w.Reconciler.Stop()
	w.Queue.Stop()
	if w.Outbox == nil {
		return nil
	}
	w.Outbox.Stop()
	return w.publisher.Close()
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	errs = append(errs, database.Close(a.DB))
	return errors.Join(errs...)
}
