package model

import (
	"time"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// ValidJobTransitions only moves forward; completed, failed and cancelled are terminal.
var ValidJobTransitions = map[string][]string{
	JobStatusQueued:     {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidJobTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func IsTerminalStatus(status string) bool {
	_, exists := ValidJobTransitions[status]
	return !exists
}

const (
	StageQueued     = "queued"
	StageGenerating = "generating"
	StageStoring    = "storing"
	StageDone       = "done"
)

type GenerationJob struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobNo         string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"job_no"`
	AccountID     string     `gorm:"type:varchar(128);index;not null" json:"account_id"`
	Status        string     `gorm:"type:varchar(20);index;not null" json:"status"`
	Cost          int64      `gorm:"not null" json:"cost"`
	InputHash     string     `gorm:"type:varchar(64);index" json:"input_hash"`
	InputRefs     string     `gorm:"type:text" json:"-"` // JSON encoded storage locators
	Prompt        string     `gorm:"type:text" json:"-"`
	ProgressStage string     `gorm:"type:varchar(20)" json:"progress_stage"`
	ResultRef     string     `gorm:"type:varchar(512)" json:"result_ref,omitempty"`
	ErrorMessage  string     `gorm:"type:text" json:"error_message,omitempty"`
	ProcessingMs  int64      `gorm:"not null;default:0" json:"processing_ms"`
	CreatedAt     time.Time  `gorm:"index" json:"created_at"`
	StartedAt     *time.Time `gorm:"index" json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (GenerationJob) TableName() string {
	return "generation_jobs"
}
