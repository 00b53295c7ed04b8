package model

// RateWindow is one fixed window per key. WindowStart is unix seconds.
type RateWindow struct {
	BucketKey   string `gorm:"type:varchar(191);primaryKey" json:"key"`
	WindowStart int64  `gorm:"not null" json:"window_start"`
	Count       int64  `gorm:"not null;default:0" json:"count"`
}

func (RateWindow) TableName() string {
	return "rate_windows"
}
