package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrValidation          = errors.New("validation failed")
	ErrAlreadyProcessed    = errors.New("payment event already processed")
	ErrInvalidSignature    = errors.New("invalid payment event signature")
	ErrInvalidPayload      = errors.New("invalid payment event payload")
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobStatusInvalid    = errors.New("job is not in a state that allows this operation")
	ErrUnknownPlan         = errors.New("unknown plan")
	ErrCheckoutDisabled    = errors.New("checkout is not configured")
)

// ValidationError lists every problem with a request. It matches ErrValidation.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// LedgerInconsistencyError means a user was charged without a matching
// result or refund, or a balance no longer matches its transaction log.
// It matches ErrLedgerInconsistency and must reach an operator.
type LedgerInconsistencyError struct {
	AccountID string
	JobNo     string
	Reason    string
	Err       error
}

func (e *LedgerInconsistencyError) Error() string {
	msg := fmt.Sprintf("ledger inconsistency for account %s", e.AccountID)
	if e.JobNo != "" {
		msg += " job " + e.JobNo
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LedgerInconsistencyError) Unwrap() error { return e.Err }

func (e *LedgerInconsistencyError) Is(target error) bool {
	return target == ErrLedgerInconsistency
}
