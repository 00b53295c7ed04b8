package model

import (
	"time"
)

// Account is the billing identity. Balance changes only through LedgerTransaction rows.
type Account struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID     string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"account_id"` // opaque id from the identity provider
	Email         string    `gorm:"type:varchar(255);index" json:"email"`
	Balance       int64     `gorm:"not null;default:0" json:"balance"`
	FreeTrialUsed bool      `gorm:"not null;default:false" json:"free_trial_used"`
	Version       int       `gorm:"not null;default:0" json:"version"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}
