package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod selects which ledger pays for a purchase.
type PaymentMethod string

const (
	PayByBank   PaymentMethod = "bank"
	PayByWallet PaymentMethod = "wallet"
)

// Proof is the credential a payer presents to authorize a withdrawal.
// VerificationCode is only consulted for bank accounts.
type Proof struct {
	Password         string `json:"password"`
	VerificationCode string `json:"verification_code,omitempty"`
}

// Payer identifies the funds source of a purchase.  Ref is a bank
// account reference for PayByBank and a username for PayByWallet.
type Payer struct {
	Method PaymentMethod `json:"method"`
	Ref    string        `json:"ref"`
}

// LockKey is the key the saga locks for this payer.
func (p Payer) LockKey() string { return string(p.Method) + ":" + p.Ref }

// PurchaseRequest asks to buy Quantity seats of one showing.
type PurchaseRequest struct {
	Buyer          string `json:"-"`
	Film           string `json:"film"`
	Showing        string `json:"showing"`
	Quantity       int    `json:"quantity"`
	Payer          Payer  `json:"payer"`
	Proof          Proof  `json:"proof"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

const (
	ReceiptConfirmed = "CONFIRMED"
	ReceiptCancelled = "CANCELLED"
)

// Receipt records a completed purchase.
//
// Fields:
//
//	IdempotencyKey – client supplied key, empty when none was sent.
//	Discount       – fraction of the price waived by the buyer's plan.
//	LedgerReceipt  – id of the withdrawal that paid for it.
//	Status         – CONFIRMED or CANCELLED.
type Receipt struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Buyer          string          `json:"buyer"`
	Film           string          `json:"film"`
	Showing        string          `json:"showing"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Discount       decimal.Decimal `json:"discount"`
	Total          decimal.Decimal `json:"total"`
	Payer          Payer           `json:"payer"`
	LedgerReceipt  string          `json:"ledger_receipt"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
}

func (r Receipt) Clone() Receipt {
	out := r
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		out.CancelledAt = &t
	}
	return out
}
