package repository

import (
	"context"
	"errors"

	"picfit/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrBalanceNotEnough = errors.New("balance not enough")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *AccountRepository) GetByAccountID(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error) {
	var account model.Account
	err := r.conn(tx).WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreate inserts the account if missing. Concurrent first contacts race
// on the unique account_id; the loser's insert is a no-op.
func (r *AccountRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, accountID, email string) (*model.Account, error) {
	db := r.conn(tx).WithContext(ctx)

	account := &model.Account{
		AccountID: accountID,
		Email:     email,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoNothing: true,
	}).Create(account).Error
	if err != nil {
		return nil, err
	}
	return r.GetByAccountID(ctx, tx, accountID)
}

// Deduct is the single conditional update behind every debit: the balance
// check and the decrement are one statement. Returns the new balance.
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, accountID string, amount int64) (int64, error) {
	db := r.conn(tx).WithContext(ctx)

	result := db.Model(&model.Account{}).
		Where("account_id = ? AND balance >= ?", accountID, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return 0, result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByAccountID(ctx, tx, accountID); err != nil {
			return 0, err
		}
		return 0, ErrBalanceNotEnough
	}

	return r.balance(ctx, tx, accountID)
}

// Increase adds amount and returns the new balance.
func (r *AccountRepository) Increase(ctx context.Context, tx *gorm.DB, accountID string, amount int64) (int64, error) {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ErrAccountNotFound
	}
	return r.balance(ctx, tx, accountID)
}

// ClaimFreeTrial flips free_trial_used false -> true. It reports whether
// this call did the flip.
func (r *AccountRepository) ClaimFreeTrial(ctx context.Context, tx *gorm.DB, accountID string) (bool, error) {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ? AND free_trial_used = ?", accountID, false).
		Update("free_trial_used", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *AccountRepository) balance(ctx context.Context, tx *gorm.DB, accountID string) (int64, error) {
	var balance int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ?", accountID).
		Select("balance").
		Scan(&balance).Error
	return balance, err
}
