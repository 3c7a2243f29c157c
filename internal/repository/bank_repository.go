package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/recordstore"
	"github.com/iliyamo/cinema-ticketing/internal/utils"
)

// BankStore is the record store holding bank accounts.
type BankStore = recordstore.Store[string, model.BankAccount]

var verificationPattern = regexp.MustCompile(`^\d{3,4}$`)

// NewBankAccount carries the fields needed to open a bank account.
type NewBankAccount struct {
	NationalID       string          `json:"national_id"`
	AccountName      string          `json:"account_name"`
	FirstName        string          `json:"first_name"`
	LastName         string          `json:"last_name"`
	OpeningBalance   decimal.Decimal `json:"opening_balance"`
	Password         string          `json:"password"`
	VerificationCode string          `json:"verification_code"`
}

// BankRepo manages bank accounts.  Withdraw and Deposit are single-key
// read-modify-writes, atomic with respect to each other.
type BankRepo struct {
	accounts *BankStore
	opts     AccountOptions
}

func NewBankRepo(accounts *BankStore, opts AccountOptions) *BankRepo {
	if opts.MinPasswordLen <= 0 {
		opts.MinPasswordLen = 4
	}
	if opts.BcryptCost <= 0 {
		opts.BcryptCost = 12
	}
	return &BankRepo{accounts: accounts, opts: opts}
}

// CreateAccount opens an account and returns it.
func (r *BankRepo) CreateAccount(ctx context.Context, n NewBankAccount) (model.BankAccount, error) {
	n.NationalID = strings.TrimSpace(n.NationalID)
	n.AccountName = strings.TrimSpace(n.AccountName)
	if n.NationalID == "" || n.AccountName == "" || strings.Contains(n.NationalID, "/") {
		return model.BankAccount{}, fmt.Errorf("national id and account name are required: %w", ErrInvalidRequest)
	}
	if n.OpeningBalance.IsNegative() {
		return model.BankAccount{}, fmt.Errorf("opening balance must not be negative: %w", ErrInvalidRequest)
	}
	if len(n.Password) < r.opts.MinPasswordLen {
		return model.BankAccount{}, ErrWeakPassword
	}
	if !verificationPattern.MatchString(n.VerificationCode) {
		return model.BankAccount{}, fmt.Errorf("verification code must be 3 or 4 digits: %w", ErrInvalidRequest)
	}
	pw, err := utils.HashPassword(n.Password, r.opts.BcryptCost)
	if err != nil {
		return model.BankAccount{}, err
	}
	code, err := utils.HashPassword(n.VerificationCode, r.opts.BcryptCost)
	if err != nil {
		return model.BankAccount{}, err
	}
	b := model.BankAccount{
		NationalID:       n.NationalID,
		AccountName:      n.AccountName,
		FirstName:        n.FirstName,
		LastName:         n.LastName,
		Balance:          n.OpeningBalance,
		PasswordHash:     pw,
		VerificationHash: code,
		CreatedAt:        time.Now().UTC(),
	}
	if err := r.accounts.Insert(ctx, b.Ref(), b); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return model.BankAccount{}, ErrDuplicateBank
		}
		return model.BankAccount{}, err
	}
	return b, nil
}

// Balance returns the balance of ref.
func (r *BankRepo) Balance(ctx context.Context, ref string) (decimal.Decimal, error) {
	b, err := r.accounts.Get(ctx, ref)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Balance, nil
}

// Withdraw debits amount from ref after checking both the password and
// the verification code.
func (r *BankRepo) Withdraw(ctx context.Context, ref string, proof model.Proof, amount decimal.Decimal) (model.LedgerReceipt, error) {
	if !amount.IsPositive() {
		return model.LedgerReceipt{}, ErrInvalidAmount
	}
	b, err := r.accounts.Update(ctx, ref, func(b model.BankAccount) (model.BankAccount, error) {
		if !utils.VerifyPassword(b.PasswordHash, proof.Password) {
			return b, ErrWrongPassword
		}
		if !utils.VerifyPassword(b.VerificationHash, proof.VerificationCode) {
			return b, ErrWrongVerification
		}
		if b.Balance.LessThan(amount) {
			return b, &InsufficientFundsError{Payer: "bank:" + ref, Requested: amount, Balance: b.Balance}
		}
		b.Balance = b.Balance.Sub(amount)
		return b, nil
	})
	if err != nil {
		return model.LedgerReceipt{}, err
	}
	return newLedgerReceipt("bank:"+ref, amount.Neg(), b.Balance), nil
}

// Verify checks proof against ref without touching the balance.
func (r *BankRepo) Verify(ctx context.Context, ref string, proof model.Proof) error {
	b, err := r.accounts.Get(ctx, ref)
	if err != nil {
		return err
	}
	if !utils.VerifyPassword(b.PasswordHash, proof.Password) {
		return ErrWrongPassword
	}
	if !utils.VerifyPassword(b.VerificationHash, proof.VerificationCode) {
		return ErrWrongVerification
	}
	return nil
}

// Deposit credits amount to ref.  No credentials are required.
func (r *BankRepo) Deposit(ctx context.Context, ref string, amount decimal.Decimal) (model.LedgerReceipt, error) {
	if !amount.IsPositive() {
		return model.LedgerReceipt{}, ErrInvalidAmount
	}
	b, err := r.accounts.Update(ctx, ref, func(b model.BankAccount) (model.BankAccount, error) {
		b.Balance = b.Balance.Add(amount)
		return b, nil
	})
	if err != nil {
		return model.LedgerReceipt{}, err
	}
	return newLedgerReceipt("bank:"+ref, amount, b.Balance), nil
}

// WalletLedger exposes customer wallets through the same Withdraw and
// Deposit operations as BankRepo.  The payer reference is the username
// and the proof is the account password.
type WalletLedger struct {
	Accounts *AccountRepo
}

func (w WalletLedger) Withdraw(ctx context.Context, username string, proof model.Proof, amount decimal.Decimal) (model.LedgerReceipt, error) {
	if _, err := w.Accounts.Authenticate(ctx, model.RoleCustomer, username, proof.Password); err != nil {
		return model.LedgerReceipt{}, err
	}
	a, err := w.Accounts.DebitWallet(ctx, username, amount)
	if err != nil {
		return model.LedgerReceipt{}, err
	}
	return newLedgerReceipt("wallet:"+username, amount.Neg(), a.Wallet), nil
}

func (w WalletLedger) Deposit(ctx context.Context, username string, amount decimal.Decimal) (model.LedgerReceipt, error) {
	a, err := w.Accounts.ChargeWallet(ctx, username, amount)
	if err != nil {
		return model.LedgerReceipt{}, err
	}
	return newLedgerReceipt("wallet:"+username, amount, a.Wallet), nil
}

func (w WalletLedger) Verify(ctx context.Context, username string, proof model.Proof) error {
	_, err := w.Accounts.Authenticate(ctx, model.RoleCustomer, username, proof.Password)
	return err
}

func newLedgerReceipt(payer string, amount, balance decimal.Decimal) model.LedgerReceipt {
	return model.LedgerReceipt{
		ID:           uuid.NewString(),
		Payer:        payer,
		Amount:       amount,
		BalanceAfter: balance,
		CreatedAt:    time.Now().UTC(),
	}
}
