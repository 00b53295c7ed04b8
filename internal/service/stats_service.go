package service

import (
	"context"
	"time"

	"picfit/internal/clock"
	"picfit/internal/model"
	"picfit/internal/repository"

	"gorm.io/gorm"
)

type JobStats struct {
	ByStatus         map[string]int64 `json:"by_status"`
	Total            int64            `json:"total"`
	Last24hTotal     int64            `json:"last_24h_total"`
	Last24hCompleted int64            `json:"last_24h_completed"`
	Last24hFailed    int64            `json:"last_24h_failed"`
	Last24hSuccess   float64          `json:"last_24h_success_rate"`
	AvgProcessingMs  float64          `json:"avg_processing_ms"`
	OutboxPending    int64            `json:"outbox_pending"`
	OutboxFailed     int64            `json:"outbox_failed"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

// StatsService is read-only reporting over jobs and the outbox.
type StatsService struct {
	jobRepo    *repository.JobRepository
	outboxRepo *repository.OutboxRepository
	clock      clock.Clock
}

func NewStatsService(db *gorm.DB, clk clock.Clock) *StatsService {
	return &StatsService{
		jobRepo:    repository.NewJobRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		clock:      clk,
	}
}

func (s *StatsService) JobStats(ctx context.Context) (*JobStats, error) {
	now := s.clock.Now()
	since := now.Add(-24 * time.Hour)

	stats := &JobStats{ByStatus: map[string]int64{}, GeneratedAt: now}
	for _, status := range []string{model.JobStatusQueued, model.JobStatusProcessing, model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled} {
		stats.ByStatus[status] = 0
	}

	all, err := s.jobRepo.CountByStatus(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, row := range all {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
	}

	recent, err := s.jobRepo.CountByStatus(ctx, &since)
	if err != nil {
		return nil, err
	}
	for _, row := range recent {
		stats.Last24hTotal += row.Count
		switch row.Status {
		case model.JobStatusCompleted:
			stats.Last24hCompleted = row.Count
		case model.JobStatusFailed:
			stats.Last24hFailed = row.Count
		}
	}
	if finished := stats.Last24hCompleted + stats.Last24hFailed; finished > 0 {
		stats.Last24hSuccess = float64(stats.Last24hCompleted) / float64(finished)
	}

	if stats.AvgProcessingMs, err = s.jobRepo.AverageProcessingMs(ctx, since); err != nil {
		return nil, err
	}
	if stats.OutboxPending, err = s.outboxRepo.CountByStatus(ctx, model.OutboxStatusPending); err != nil {
		return nil, err
	}
	if stats.OutboxFailed, err = s.outboxRepo.CountByStatus(ctx, model.OutboxStatusFailed); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *StatsService) RecentFailures(ctx context.Context, limit int) ([]*model.GenerationJob, error) {
	return s.jobRepo.ListByStatus(ctx, model.JobStatusFailed, limit)
}

func (s *StatsService) Processing(ctx context.Context, limit int) ([]*model.GenerationJob, error) {
	return s.jobRepo.ListByStatus(ctx, model.JobStatusProcessing, limit)
}
