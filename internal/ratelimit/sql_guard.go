package ratelimit

import (
	"context"
	"fmt"
	"time"

	"picfit/internal/clock"
	"picfit/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLGuard keeps windows in the rate_windows table. The reset-or-increment
// is one upsert; the row lock it takes lasts until the read-back commits.
type SQLGuard struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewSQLGuard(db *gorm.DB, clk clock.Clock) *SQLGuard {
	return &SQLGuard{db: db, clock: clk}
}

func (g *SQLGuard) Hit(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	now := g.clock.Now().Unix()
	w := windowSeconds(window)

	var row model.RateWindow
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// count is assigned before window_start: MySQL evaluates SET left to right
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "bucket_key"}},
			DoUpdates: clause.Set{
				{
					Column: clause.Column{Name: "count"},
					Value:  gorm.Expr("CASE WHEN ? - rate_windows.window_start >= ? THEN 1 ELSE rate_windows.count + 1 END", now, w),
				},
				{
					Column: clause.Column{Name: "window_start"},
					Value:  gorm.Expr("CASE WHEN ? - rate_windows.window_start >= ? THEN ? ELSE rate_windows.window_start END", now, w, now),
				},
			},
		}).Create(&model.RateWindow{BucketKey: key, WindowStart: now, Count: 1}).Error
		if err != nil {
			return err
		}
		return tx.Where("bucket_key = ?", key).First(&row).Error
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate window %s: %w", key, err)
	}

	d := Decision{Allowed: row.Count <= limit, Count: row.Count}
	if !d.Allowed {
		d.RetryAfter = time.Duration(row.WindowStart+w-now) * time.Second
	}
	return d, nil
}

// Purge drops windows that ended before now - olderThan.
func (g *SQLGuard) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := g.clock.Now().Add(-olderThan).Unix()
	result := g.db.WithContext(ctx).Where("window_start < ?", cutoff).Delete(&model.RateWindow{})
	return result.RowsAffected, result.Error
}
