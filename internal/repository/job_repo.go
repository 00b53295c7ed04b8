package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"picfit/internal/model"

	"gorm.io/gorm"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobStatusInvalid = errors.New("job status transition not allowed")
)

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *JobRepository) Create(ctx context.Context, tx *gorm.DB, job *model.GenerationJob) error {
	return r.conn(tx).WithContext(ctx).Create(job).Error
}

func (r *JobRepository) GetByJobNo(ctx context.Context, tx *gorm.DB, jobNo string) (*model.GenerationJob, error) {
	var job model.GenerationJob
	err := r.conn(tx).WithContext(ctx).Where("job_no = ?", jobNo).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// Transition moves a job from one status to another with a conditional
// update keyed on the current status. RowsAffected == 0 means another
// actor got there first, reported as ErrJobStatusInvalid.
func (r *JobRepository) Transition(ctx context.Context, tx *gorm.DB, jobNo, fromStatus, toStatus string, updates map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrJobStatusInvalid
	}

	fields := map[string]interface{}{"status": toStatus}
	for k, v := range updates {
		fields[k] = v
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.GenerationJob{}).
		Where("job_no = ? AND status = ?", jobNo, fromStatus).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobStatusInvalid
	}
	return nil
}

// SetStage records progress of a processing job; it never changes status.
func (r *JobRepository) SetStage(ctx context.Context, jobNo, stage string) error {
	return r.db.WithContext(ctx).
		Model(&model.GenerationJob{}).
		Where("job_no = ? AND status = ?", jobNo, model.JobStatusProcessing).
		Update("progress_stage", stage).Error
}

// GetStuckJobs lists processing jobs started before the cutoff.
func (r *JobRepository) GetStuckJobs(ctx context.Context, before time.Time, limit int) ([]*model.GenerationJob, error) {
	var jobs []*model.GenerationJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", model.JobStatusProcessing, before).
		Order("started_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (r *JobRepository) GetQueuedJobs(ctx context.Context, limit int) ([]*model.GenerationJob, error) {
	var jobs []*model.GenerationJob
	err := r.db.WithContext(ctx).
		Where("status = ?", model.JobStatusQueued).
		Order("id ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// FindRecentByHash returns the newest non-failed job with the same inputs
// for the account created after since, or nil.
func (r *JobRepository) FindRecentByHash(ctx context.Context, tx *gorm.DB, accountID, hash string, since time.Time) (*model.GenerationJob, error) {
	var job model.GenerationJob
	err := r.conn(tx).WithContext(ctx).
		Where("account_id = ? AND input_hash = ? AND created_at > ?", accountID, hash, since).
		Where("status IN ?", []string{model.JobStatusQueued, model.JobStatusProcessing, model.JobStatusCompleted}).
		Order("id DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (r *JobRepository) ListByAccountID(ctx context.Context, accountID string, page, pageSize int) ([]*model.GenerationJob, int64, error) {
	var (
		jobs  []*model.GenerationJob
		total int64
	)

	query := r.db.WithContext(ctx).Model(&model.GenerationJob{}).Where("account_id = ?", accountID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&jobs).Error
	return jobs, total, err
}

func (r *JobRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*model.GenerationJob, error) {
	var jobs []*model.GenerationJob
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("updated_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

type StatusCount struct {
	Status string
	Count  int64
}

func (r *JobRepository) CountByStatus(ctx context.Context, since *time.Time) ([]StatusCount, error) {
	var rows []StatusCount
	query := r.db.WithContext(ctx).Model(&model.GenerationJob{})
	if since != nil {
		query = query.Where("created_at >= ?", *since)
	}
	err := query.Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error
	return rows, err
}

func (r *JobRepository) AverageProcessingMs(ctx context.Context, since time.Time) (float64, error) {
	var avg sql.NullFloat64
	err := r.db.WithContext(ctx).
		Model(&model.GenerationJob{}).
		Where("status = ? AND created_at >= ?", model.JobStatusCompleted, since).
		Select("AVG(processing_ms)").
		Row().
		Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

// DeleteTerminalBefore removes finished jobs older than the cutoff.
// Ledger rows that reference them are kept.
func (r *JobRepository) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]string{model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled}, before).
		Delete(&model.GenerationJob{})
	return result.RowsAffected, result.Error
}
