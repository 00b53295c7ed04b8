package model

import (
	"time"
)

// PaymentEvent is the dedup fence for inbound payment notifications.
// It is written once, in the same transaction as the purchase credit.
type PaymentEvent struct {
	ExternalID  string    `gorm:"type:varchar(128);primaryKey" json:"external_id"`
	Type        string    `gorm:"type:varchar(64);not null" json:"type"`
	AccountID   string    `gorm:"type:varchar(128);index" json:"account_id"`
	Credits     int64     `gorm:"not null;default:0" json:"credits"`
	ProcessedAt time.Time `gorm:"not null" json:"processed_at"`
}

func (PaymentEvent) TableName() string {
	return "payment_events"
}
