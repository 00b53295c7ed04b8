package repository

import (
	"context"

	"picfit/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentEventRepository struct {
	db *gorm.DB
}

func NewPaymentEventRepository(db *gorm.DB) *PaymentEventRepository {
	return &PaymentEventRepository{db: db}
}

// Insert records the event id. It reports false when the id was already
// present; concurrent inserts of the same id are resolved by the primary key.
func (r *PaymentEventRepository) Insert(ctx context.Context, tx *gorm.DB, event *model.PaymentEvent) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *PaymentEventRepository) Exists(ctx context.Context, externalID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.PaymentEvent{}).
		Where("external_id = ?", externalID).
		Count(&n).Error
	return n > 0, err
}
