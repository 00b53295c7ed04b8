package repository

import (
	"context"

	"picfit/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create appends one ledger row. There is no update or delete.
func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.LedgerTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

func (r *TransactionRepository) SumByAccountID(ctx context.Context, tx *gorm.DB, accountID string) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var sum int64
	err := tx.WithContext(ctx).
		Model(&model.LedgerTransaction{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

// ListByExternalRef returns every row carrying ref, e.g. the debit and refund of one job.
func (r *TransactionRepository) ListByExternalRef(ctx context.Context, ref string) ([]*model.LedgerTransaction, error) {
	var list []*model.LedgerTransaction
	err := r.db.WithContext(ctx).
		Where("external_ref = ?", ref).
		Order("id ASC").
		Find(&list).Error
	return list, err
}

func (r *TransactionRepository) ListByAccountID(ctx context.Context, accountID string, page, pageSize int) ([]*model.LedgerTransaction, int64, error) {
	var (
		list  []*model.LedgerTransaction
		total int64
	)

	query := r.db.WithContext(ctx).Model(&model.LedgerTransaction{}).Where("account_id = ?", accountID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&list).Error
	return list, total, err
}
