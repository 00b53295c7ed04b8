package job

import (
	"context"
	"sync"
	"time"

	"picfit/internal/config"
	"picfit/internal/infrastructure/lock"
	"picfit/internal/service"

	"go.uber.org/zap"
)

// QueuedJobWorker runs jobs submitted with async=true.
type QueuedJobWorker struct {
	generation *service.GenerationService
	newLock    func(key string, ttl time.Duration) lock.Locker
	interval   time.Duration
	lease      time.Duration
	batchSize  int
	stopCh     chan struct{}
	stopOnce   sync.Once
	log        *zap.Logger
}

func NewQueuedJobWorker(generation *service.GenerationService, newLock func(string, time.Duration) lock.Locker, cfg *config.Config, log *zap.Logger) *QueuedJobWorker {
	interval := time.Duration(cfg.Business.QueuePollSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	batch := 10
	// one batch of provider calls must fit inside the lease
	lease := time.Duration(batch)*cfg.Generation.ProviderTimeout() + time.Minute
	return &QueuedJobWorker{
		generation: generation,
		newLock:    newLock,
		interval:   interval,
		lease:      lease,
		batchSize:  batch,
		stopCh:     make(chan struct{}),
		log:        log.Named("queue"),
	}
}

func (w *QueuedJobWorker) Start(ctx context.Context) {
	w.log.Info("queued job worker started", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("queued job worker exiting")
			return
		case <-w.stopCh:
			w.log.Info("queued job worker stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.log.Error("process queued jobs", zap.Error(err))
			}
		}
	}
}

func (w *QueuedJobWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// RunOnce processes one batch under the queue lock.
func (w *QueuedJobWorker) RunOnce(ctx context.Context) (int, error) {
	l := w.newLock(lock.QueueLockKey, w.lease)
	ok, err := l.TryLock(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			w.log.Warn("release queue lock", zap.Error(err))
		}
	}()

	n, err := w.generation.ProcessQueued(ctx, w.batchSize)
	if n > 0 {
		w.log.Info("queued jobs processed", zap.Int("count", n))
	}
	return n, err
}
