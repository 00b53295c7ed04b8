package job

import (
	"context"
	"sync"
	"time"

	"picfit/internal/config"
	"picfit/internal/infrastructure/lock"
	"picfit/internal/ratelimit"
	"picfit/internal/service"

	"go.uber.org/zap"
)

const purgeEvery = time.Hour

// StuckJobReconciler runs the stuck-job sweep on an interval. With Redis
// enabled only the instance holding the sweep lock runs a given tick.
type StuckJobReconciler struct {
	reconciler *service.ReconcilerService
	rates      *ratelimit.SQLGuard
	newLock    func(key string, ttl time.Duration) lock.Locker
	timeout    time.Duration
	retention  time.Duration
	interval   time.Duration
	lastPurge  time.Time
	stopCh     chan struct{}
	stopOnce   sync.Once
	log        *zap.Logger
}

// NewStuckJobReconciler wires the sweep. rates may be nil when the rate
// guard is backed by Redis, which expires its own windows.
func NewStuckJobReconciler(reconciler *service.ReconcilerService, rates *ratelimit.SQLGuard, newLock func(string, time.Duration) lock.Locker, cfg *config.Config, log *zap.Logger) *StuckJobReconciler {
	interval := time.Duration(cfg.Business.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobReconciler{
		reconciler: reconciler,
		rates:      rates,
		newLock:    newLock,
		timeout:    cfg.Business.StuckJobTimeout(),
		retention:  time.Duration(cfg.Business.OldJobRetentionDays) * 24 * time.Hour,
		interval:   interval,
		stopCh:     make(chan struct{}),
		log:        log.Named("sweep"),
	}
}

func (j *StuckJobReconciler) Start(ctx context.Context) {
	j.log.Info("stuck job reconciler started",
		zap.Duration("interval", j.interval),
		zap.Duration("timeout", j.timeout))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("stuck job reconciler exiting")
			return
		case <-j.stopCh:
			j.log.Info("stuck job reconciler stopped")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

func (j *StuckJobReconciler) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// RunOnce sweeps if the lock is free and returns the number of jobs
// resolved. Old jobs and rate windows are purged at most once an hour.
func (j *StuckJobReconciler) RunOnce(ctx context.Context) (int, error) {
	l := j.newLock(lock.SweepLockKey, j.interval)
	ok, err := l.TryLock(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		j.log.Debug("sweep lock held elsewhere")
		return 0, nil
	}
	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			j.log.Warn("release sweep lock", zap.Error(err))
		}
	}()

	resolved, err := j.reconciler.Sweep(ctx, j.timeout)

	if time.Since(j.lastPurge) >= purgeEvery {
		j.lastPurge = time.Now()
		if _, perr := j.reconciler.PurgeOld(ctx, j.retention); perr != nil {
			j.log.Error("purge old jobs", zap.Error(perr))
		}
		if j.rates != nil {
			if n, perr := j.rates.Purge(ctx, 24*time.Hour); perr != nil {
				j.log.Error("purge rate windows", zap.Error(perr))
			} else if n > 0 {
				j.log.Debug("rate windows purged", zap.Int64("count", n))
			}
		}
	}

	return resolved, err
}
