package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"picfit/internal/config"
	"picfit/internal/model"
	"picfit/internal/repository"
	"picfit/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LedgerService is the only writer of Account.balance. Each mutation
// changes the balance and appends its LedgerTransaction (plus an outbox
// message) in one database transaction.
type LedgerService struct {
	db               *gorm.DB
	accountRepo      *repository.AccountRepository
	transactionRepo  *repository.TransactionRepository
	outboxRepo       *repository.OutboxRepository
	topic            string
	freeTrialCredits int64
	log              *zap.Logger
}

func NewLedgerService(db *gorm.DB, cfg *config.Config, log *zap.Logger) *LedgerService {
	return &LedgerService{
		db:               db,
		accountRepo:      repository.NewAccountRepository(db),
		transactionRepo:  repository.NewTransactionRepository(db),
		outboxRepo:       repository.NewOutboxRepository(db),
		topic:            kafkaTopic(cfg, cfg.Kafka.Topic.CreditEvents),
		freeTrialCredits: cfg.Business.FreeTrialCredits,
		log:              log.Named("ledger"),
	}
}

// kafkaTopic blanks the topic when Kafka is disabled so nothing piles up in the outbox.
func kafkaTopic(cfg *config.Config, topic string) string {
	if !cfg.Kafka.Enabled {
		return ""
	}
	return topic
}

type creditEvent struct {
	TransactionNo string    `json:"transaction_no"`
	AccountID     string    `json:"account_id"`
	Kind          string    `json:"kind"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	ExternalRef   string    `json:"external_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *LedgerService) appendTransaction(ctx context.Context, tx *gorm.DB, accountID, kind string, amount, balanceAfter int64, description string, externalRef *string) (*model.LedgerTransaction, error) {
	trans := &model.LedgerTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		AccountID:     accountID,
		Kind:          kind,
		Amount:        amount,
		BalanceAfter:  balanceAfter,
		Description:   description,
		ExternalRef:   externalRef,
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("append %s transaction: %w", kind, err)
	}

	evt := creditEvent{
		TransactionNo: trans.TransactionNo,
		AccountID:     accountID,
		Kind:          kind,
		Amount:        amount,
		BalanceAfter:  balanceAfter,
		CreatedAt:     trans.CreatedAt,
	}
	if externalRef != nil {
		evt.ExternalRef = *externalRef
	}
	if err := s.outboxRepo.Enqueue(ctx, tx, s.topic, trans.TransactionNo, evt); err != nil {
		return nil, fmt.Errorf("enqueue credit event: %w", err)
	}
	return trans, nil
}

// DebitTx removes amount inside the caller's transaction. The check and
// the decrement are a single conditional UPDATE.
func (s *LedgerService) DebitTx(ctx context.Context, tx *gorm.DB, accountID string, amount int64, description string, externalRef *string) (*model.LedgerTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	balanceAfter, err := s.accountRepo.Deduct(ctx, tx, accountID, amount)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBalanceNotEnough):
			return nil, ErrInsufficientBalance
		case errors.Is(err, repository.ErrAccountNotFound):
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("deduct balance: %w", err)
	}

	return s.appendTransaction(ctx, tx, accountID, model.TransactionKindDebit, -amount, balanceAfter, description, externalRef)
}

// CreditTx adds amount inside the caller's transaction.
func (s *LedgerService) CreditTx(ctx context.Context, tx *gorm.DB, accountID string, amount int64, kind, description string, externalRef *string) (*model.LedgerTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if kind == model.TransactionKindDebit || !model.IsValidTransactionKind(kind) {
		return nil, fmt.Errorf("invalid credit kind %q", kind)
	}

	balanceAfter, err := s.accountRepo.Increase(ctx, tx, accountID, amount)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("increase balance: %w", err)
	}

	return s.appendTransaction(ctx, tx, accountID, kind, amount, balanceAfter, description, externalRef)
}

// Debit returns the transaction number, or ErrInsufficientBalance with no
// side effect when amount exceeds the balance.
func (s *LedgerService) Debit(ctx context.Context, accountID string, amount int64, description string) (string, error) {
	var trans *model.LedgerTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		trans, err = s.DebitTx(ctx, tx, accountID, amount, description, nil)
		return err
	})
	if err != nil {
		return "", err
	}

	s.log.Info("debit",
		zap.String("account_id", accountID),
		zap.Int64("amount", amount),
		zap.Int64("balance_after", trans.BalanceAfter),
		zap.String("transaction_no", trans.TransactionNo))
	return trans.TransactionNo, nil
}

// Credit returns the transaction number.
func (s *LedgerService) Credit(ctx context.Context, accountID string, amount int64, kind, description string, externalRef *string) (string, error) {
	var trans *model.LedgerTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		trans, err = s.CreditTx(ctx, tx, accountID, amount, kind, description, externalRef)
		return err
	})
	if err != nil {
		return "", err
	}

	s.log.Info("credit",
		zap.String("account_id", accountID),
		zap.String("kind", kind),
		zap.Int64("amount", amount),
		zap.Int64("balance_after", trans.BalanceAfter),
		zap.String("transaction_no", trans.TransactionNo))
	return trans.TransactionNo, nil
}

func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (s *LedgerService) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := s.accountRepo.GetByAccountID(ctx, nil, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// EnsureAccountTx returns the account, creating it on first contact.
func (s *LedgerService) EnsureAccountTx(ctx context.Context, tx *gorm.DB, accountID, email string) (*model.Account, error) {
	if accountID == "" {
		return nil, &ValidationError{Problems: []string{"account id is required"}}
	}
	account, err := s.accountRepo.GetOrCreate(ctx, tx, accountID, email)
	if err != nil {
		return nil, fmt.Errorf("get or create account: %w", err)
	}
	return account, nil
}

// EnsureAccount creates the account on first contact and grants the free
// trial credits once.
func (s *LedgerService) EnsureAccount(ctx context.Context, accountID, email string) (*model.Account, error) {
	var account *model.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if account, err = s.EnsureAccountTx(ctx, tx, accountID, email); err != nil {
			return err
		}
		if account.FreeTrialUsed || s.freeTrialCredits <= 0 {
			return nil
		}
		granted, err := s.grantFreeTrialTx(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if granted {
			account, err = s.accountRepo.GetByAccountID(ctx, tx, accountID)
		}
		return err
	})
	return account, err
}

func (s *LedgerService) grantFreeTrialTx(ctx context.Context, tx *gorm.DB, accountID string) (bool, error) {
	claimed, err := s.accountRepo.ClaimFreeTrial(ctx, tx, accountID)
	if err != nil || !claimed {
		return false, err
	}
	if _, err := s.CreditTx(ctx, tx, accountID, s.freeTrialCredits, model.TransactionKindBonus, "free trial", nil); err != nil {
		return false, err
	}
	s.log.Info("free trial granted", zap.String("account_id", accountID), zap.Int64("credits", s.freeTrialCredits))
	return true, nil
}

// GrantBonus is the administrative credit. The account is created if needed.
func (s *LedgerService) GrantBonus(ctx context.Context, accountID string, amount int64, description string) (string, error) {
	if description == "" {
		description = "admin bonus"
	}
	var trans *model.LedgerTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.EnsureAccountTx(ctx, tx, accountID, ""); err != nil {
			return err
		}
		var err error
		trans, err = s.CreditTx(ctx, tx, accountID, amount, model.TransactionKindBonus, description, nil)
		return err
	})
	if err != nil {
		return "", err
	}
	s.log.Info("bonus granted", zap.String("account_id", accountID), zap.Int64("amount", amount))
	return trans.TransactionNo, nil
}

func (s *LedgerService) ListTransactions(ctx context.Context, accountID string, page, pageSize int) ([]*model.LedgerTransaction, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.transactionRepo.ListByAccountID(ctx, accountID, page, pageSize)
}

// JobEntries returns the debit and any refund carrying jobNo as external ref.
func (s *LedgerService) JobEntries(ctx context.Context, jobNo string) ([]*model.LedgerTransaction, error) {
	return s.transactionRepo.ListByExternalRef(ctx, jobNo)
}

// VerifyBalance compares the materialized balance with the transaction log.
func (s *LedgerService) VerifyBalance(ctx context.Context, accountID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.accountRepo.GetByAccountID(ctx, tx, accountID)
		if err != nil {
			if errors.Is(err, repository.ErrAccountNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		sum, err := s.transactionRepo.SumByAccountID(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if sum != account.Balance {
			return &LedgerInconsistencyError{
				AccountID: accountID,
				Reason:    fmt.Sprintf("balance %d != transaction sum %d", account.Balance, sum),
			}
		}
		return nil
	})
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
