package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BankAccountRef renders the key of a bank account.
func BankAccountRef(nationalID, accountName string) string {
	return nationalID + "/" + accountName
}

// BankAccount is a funds source keyed by BankAccountRef.  Both the
// password and the verification code are stored as bcrypt hashes.
type BankAccount struct {
	NationalID       string          `json:"national_id"`
	AccountName      string          `json:"account_name"`
	FirstName        string          `json:"first_name"`
	LastName         string          `json:"last_name"`
	Balance          decimal.Decimal `json:"balance"`
	PasswordHash     string          `json:"password_hash"`
	VerificationHash string          `json:"verification_hash"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Ref returns the account's key.
func (b BankAccount) Ref() string { return BankAccountRef(b.NationalID, b.AccountName) }

// LedgerReceipt acknowledges one withdrawal or deposit.  Amount is
// negative for withdrawals.
type LedgerReceipt struct {
	ID           string          `json:"id"`
	Payer        string          `json:"payer"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}
