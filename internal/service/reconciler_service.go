package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"picfit/internal/clock"
	"picfit/internal/metrics"
	"picfit/internal/model"
	"picfit/internal/repository"

	"go.uber.org/zap"
)

const OrphanedJobMessage = "timed out / orphaned"

// ReconcilerService force-fails jobs left in processing, e.g. after a crash
// mid provider call, and refunds them through the orchestrator's path.
type ReconcilerService struct {
	generation *GenerationService
	jobRepo    *repository.JobRepository
	clock      clock.Clock
	batchSize  int
	log        *zap.Logger
}

func NewReconcilerService(generation *GenerationService, clk clock.Clock, log *zap.Logger) *ReconcilerService {
	return &ReconcilerService{
		generation: generation,
		jobRepo:    generation.jobRepo,
		clock:      clk,
		batchSize:  200,
		log:        log.Named("reconciler"),
	}
}

// Sweep resolves processing jobs started more than timeout ago and returns
// how many it resolved. Each job is claimed with a conditional update, so a
// job finished by its request in the meantime, or by an earlier sweep, is
// skipped and never refunded twice. Batches are fetched until one comes
// back short or resolves nothing.
func (s *ReconcilerService) Sweep(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, fmt.Errorf("sweep timeout must be positive, got %s", timeout)
	}

	now := s.clock.Now()
	cutoff := now.Add(-timeout)

	var (
		resolved int
		scanned  int
		errs     []error
	)
	for ctx.Err() == nil {
		jobs, err := s.jobRepo.GetStuckJobs(ctx, cutoff, s.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("list stuck jobs: %w", err))
			break
		}
		scanned += len(jobs)

		n, batchErrs := s.resolveBatch(ctx, jobs, now)
		resolved += n
		errs = append(errs, batchErrs...)

		// a batch that resolved nothing would come back unchanged
		if len(jobs) < s.batchSize || n == 0 {
			break
		}
	}

	if resolved > 0 {
		s.log.Info("sweep finished", zap.Int("resolved", resolved), zap.Int("scanned", scanned))
	}
	return resolved, errors.Join(errs...)
}

func (s *ReconcilerService) resolveBatch(ctx context.Context, jobs []*model.GenerationJob, now time.Time) (int, []error) {
	var (
		resolved int
		errs     []error
	)
	for _, job := range jobs {
		var elapsed int64
		if job.StartedAt != nil {
			elapsed = now.Sub(*job.StartedAt).Milliseconds()
		}

		err := s.generation.failAndRefundTx(ctx, job, model.JobStatusProcessing, OrphanedJobMessage, now, elapsed)
		switch {
		case errors.Is(err, repository.ErrJobStatusInvalid):
			s.log.Debug("job already resolved", zap.String("job_no", job.JobNo))
			continue
		case err != nil:
			// rolled back as a whole; the job is still processing and the next sweep retries it
			s.log.Error("resolve stuck job", zap.String("job_no", job.JobNo), zap.Error(err))
			errs = append(errs, fmt.Errorf("job %s: %w", job.JobNo, err))
			continue
		}

		s.generation.discardInputs(ctx, job.InputRefs)
		resolved++
		metrics.SweepResolvedTotal.Inc()
		metrics.JobsTotal.WithLabelValues(model.JobStatusFailed).Inc()
		metrics.RefundsTotal.WithLabelValues("orphaned").Inc()
		s.log.Warn("stuck job failed and refunded",
			zap.String("job_no", job.JobNo),
			zap.String("account_id", job.AccountID),
			zap.Int64("amount", job.Cost),
			zap.Duration("age", time.Duration(elapsed)*time.Millisecond))
	}
	return resolved, errs
}

// PurgeOld deletes terminal jobs created before now - retention. Ledger
// transactions are never deleted.
func (s *ReconcilerService) PurgeOld(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := s.jobRepo.DeleteTerminalBefore(ctx, s.clock.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge old jobs: %w", err)
	}
	if n > 0 {
		s.log.Info("old jobs purged", zap.Int64("count", n))
	}
	return n, nil
}
