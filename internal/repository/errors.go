// Package repository holds the record-store backed repositories for
// accounts, the film catalog and bank accounts, and the error values they
// share.  Higher layers such as handlers match errors with errors.Is
// against the base sentinels below; the specific errors wrap a base so a
// handler only needs to know the base to choose a status code.
package repository

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/cinema-ticketing/internal/recordstore"
)

// Base errors.
var (
	ErrNotFound             = recordstore.ErrNotFound
	ErrDuplicateKey         = recordstore.ErrDuplicateKey
	ErrValidation           = errors.New("validation failed")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrAuthFailed           = errors.New("authentication failed")

	// ErrForbidden is returned when the caller acts on a record owned by
	// someone else.  Handlers translate it into an HTTP 403.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when an operation cannot proceed because of
	// the record's current state.  Handlers translate it into an HTTP 409.
	ErrConflict = errors.New("conflict")

	// ErrInconsistent marks a saga that could not be undone.  Handlers
	// should translate it into an HTTP 500 and operators must reconcile.
	ErrInconsistent = errors.New("inconsistent state")
)

// Specific errors.
var (
	ErrDuplicateUsername   = fmt.Errorf("username already taken: %w", ErrDuplicateKey)
	ErrDuplicateFilm       = fmt.Errorf("film already exists: %w", ErrDuplicateKey)
	ErrDuplicateShowing    = fmt.Errorf("showing already exists: %w", ErrDuplicateKey)
	ErrDuplicateBank       = fmt.Errorf("bank account already exists: %w", ErrDuplicateKey)
	ErrWeakPassword        = fmt.Errorf("password too short: %w", ErrValidation)
	ErrInvalidPhone        = fmt.Errorf("phone number must look like 09xxxxxxxxx: %w", ErrValidation)
	ErrPasswordMismatch    = fmt.Errorf("passwords do not match: %w", ErrValidation)
	ErrInvalidAmount       = fmt.Errorf("amount must be positive: %w", ErrValidation)
	ErrInvalidRequest      = fmt.Errorf("invalid request: %w", ErrValidation)
	ErrWrongPassword       = fmt.Errorf("wrong password: %w", ErrAuthFailed)
	ErrWrongVerification   = fmt.Errorf("wrong verification code: %w", ErrAuthFailed)
	ErrIdempotencyConflict = fmt.Errorf("idempotency key reused with different parameters: %w", ErrConflict)
	ErrAlreadyCancelled    = fmt.Errorf("purchase already cancelled: %w", ErrConflict)
)

// InsufficientCapacityError reports a seat request that exceeds what is
// left.
type InsufficientCapacityError struct {
	Film      string
	Showing   string
	Requested int
	Available int
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("%s at %s: requested %d seats, %d available",
		e.Film, e.Showing, e.Requested, e.Available)
}

func (e *InsufficientCapacityError) Unwrap() error { return ErrInsufficientCapacity }

// InsufficientFundsError reports a debit larger than the balance.
type InsufficientFundsError struct {
	Payer     string
	Requested decimal.Decimal
	Balance   decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: requested %s, balance %s", e.Payer, e.Requested, e.Balance)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
