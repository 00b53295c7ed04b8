package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"picfit/internal/config"
	"picfit/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebitAndCredit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "acc-1", 10)

	txnNo, err := env.ledger.Debit(ctx, "acc-1", 3, "generation")
	require.NoError(t, err)
	assert.NotEmpty(t, txnNo)
	assert.Equal(t, int64(7), env.balance(t, "acc-1"))

	ref := "evt_1"
	_, err = env.ledger.Credit(ctx, "acc-1", 5, model.TransactionKindPurchase, "purchase", &ref)
	require.NoError(t, err)
	assert.Equal(t, int64(12), env.balance(t, "acc-1"))

	list, total, err := env.ledger.ListTransactions(ctx, "acc-1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, list, 3)
	assert.Equal(t, model.TransactionKindPurchase, list[0].Kind)
	assert.Equal(t, int64(12), list[0].BalanceAfter)
	assert.Equal(t, int64(-3), list[1].Amount)

	env.assertInvariant(t, "acc-1")
}

func TestDebitRejectsOverdraftWithoutSideEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "acc-1", 2)

	_, err := env.ledger.Debit(ctx, "acc-1", 3, "generation")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(2), env.balance(t, "acc-1"))

	var debits int64
	require.NoError(t, env.db.Model(&model.LedgerTransaction{}).Where("kind = ?", model.TransactionKindDebit).Count(&debits).Error)
	assert.Zero(t, debits)
	env.assertInvariant(t, "acc-1")
}

func TestDebitUnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.Debit(context.Background(), "ghost", 1, "generation")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "acc-1", 5)

	_, err := env.ledger.Debit(ctx, "acc-1", 0, "x")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = env.ledger.Credit(ctx, "acc-1", -1, model.TransactionKindBonus, "x", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = env.ledger.Credit(ctx, "acc-1", 1, model.TransactionKindDebit, "x", nil)
	assert.Error(t, err)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "acc-1", 10)

	const workers = 40
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ledger.Debit(context.Background(), "acc-1", 1, "generation")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientBalance):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, workers-10, rejected)
	assert.Zero(t, env.balance(t, "acc-1"))
	env.assertInvariant(t, "acc-1")
}

func TestConcurrentMixedOperationsKeepInvariant(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "acc-1", 5)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			if i%3 == 0 {
				_, _ = env.ledger.Credit(ctx, "acc-1", 2, model.TransactionKindBonus, "bonus", nil)
				return
			}
			_, _ = env.ledger.Debit(ctx, "acc-1", 1, "generation")
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, env.balance(t, "acc-1"), int64(0))
	env.assertInvariant(t, "acc-1")
}

func TestEnsureAccountGrantsFreeTrialOnce(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Business.FreeTrialCredits = 2 })
	ctx := context.Background()

	account, err := env.ledger.EnsureAccount(ctx, "new@user.test", "new@user.test")
	require.NoError(t, err)
	assert.True(t, account.FreeTrialUsed)
	assert.Equal(t, int64(2), account.Balance)

	account, err = env.ledger.EnsureAccount(ctx, "new@user.test", "new@user.test")
	require.NoError(t, err)
	assert.Equal(t, int64(2), account.Balance)
	env.assertInvariant(t, "new@user.test")
}

func TestEnsureAccountRequiresID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.EnsureAccount(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestVerifyBalanceDetectsDrift(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "acc-1", 4)

	require.NoError(t, env.db.Exec("UPDATE accounts SET balance = 9 WHERE account_id = ?", "acc-1").Error)

	err := env.ledger.VerifyBalance(context.Background(), "acc-1")
	assert.ErrorIs(t, err, ErrLedgerInconsistency)
	var incErr *LedgerInconsistencyError
	require.True(t, errors.As(err, &incErr))
	assert.Equal(t, "acc-1", incErr.AccountID)
}
