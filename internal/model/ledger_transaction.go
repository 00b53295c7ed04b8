package model

import (
	"time"
)

const (
	TransactionKindPurchase = "purchase"
	TransactionKindDebit    = "debit"
	TransactionKindRefund   = "refund"
	TransactionKindBonus    = "bonus"
)

// LedgerTransaction is append-only: rows are never updated or deleted.
// Amount is signed; the sum of amounts per account equals Account.Balance.
//
// (kind, external_ref) is unique, so one payment event yields one purchase
// and one job yields at most one debit and one refund.
type LedgerTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	AccountID     string    `gorm:"type:varchar(128);index;not null" json:"account_id"`
	Kind          string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_kind_external_ref" json:"kind"`
	Amount        int64     `gorm:"not null" json:"amount"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	Description   string    `gorm:"type:varchar(256)" json:"description"`
	ExternalRef   *string   `gorm:"type:varchar(128);uniqueIndex:idx_kind_external_ref" json:"external_ref,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerTransaction) TableName() string {
	return "ledger_transactions"
}

func IsValidTransactionKind(kind string) bool {
	switch kind {
	case TransactionKindPurchase, TransactionKindDebit, TransactionKindRefund, TransactionKindBonus:
		return true
	}
	return false
}
