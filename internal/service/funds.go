package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
)

// Funds moves money between a customer's bank accounts and wallet.
type Funds struct {
	accounts *repository.AccountRepo
	bank     Ledger
	wallet   Ledger
	locks    *Locks
	events   EventPublisher
	log      *slog.Logger
}

func NewFunds(accounts *repository.AccountRepo, bank, wallet Ledger, locks *Locks, events EventPublisher, log *slog.Logger) *Funds {
	if locks == nil {
		locks = &Locks{}
	}
	if events == nil {
		events = nopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Funds{accounts: accounts, bank: bank, wallet: wallet, locks: locks, events: events, log: log}
}

// ChargeWalletFromBank withdraws amount from one of the customer's linked
// bank accounts and credits the wallet.  If the credit fails the bank is
// refunded.
func (f *Funds) ChargeWalletFromBank(ctx context.Context, username, bankRef string, proof model.Proof, amount decimal.Decimal) (model.Account, error) {
	if !amount.IsPositive() {
		return model.Account{}, repository.ErrInvalidAmount
	}
	a, err := f.accounts.Get(ctx, model.RoleCustomer, username)
	if err != nil {
		return model.Account{}, err
	}
	if !slices.Contains(a.BankAccounts, bankRef) {
		return model.Account{}, fmt.Errorf("bank account %q is not linked: %w", bankRef, repository.ErrForbidden)
	}

	bankPayer := model.Payer{Method: model.PayByBank, Ref: bankRef}
	walletPayer := model.Payer{Method: model.PayByWallet, Ref: username}
	unlockBank := f.locks.Payers.Lock(bankPayer.LockKey())
	unlockWallet := f.locks.Payers.Lock(walletPayer.LockKey())
	var once sync.Once
	unlock := func() {
		once.Do(func() {
			unlockWallet()
			unlockBank()
		})
	}
	defer unlock()

	log := f.log.With("buyer", username, "payer", bankPayer.LockKey(), "amount", amount.String())

	if _, err := f.bank.Withdraw(ctx, bankRef, proof, amount); err != nil {
		return model.Account{}, err
	}
	if _, err := f.wallet.Deposit(context.WithoutCancel(ctx), username, amount); err != nil {
		refund := func(ctx context.Context) error {
			_, err := f.bank.Deposit(ctx, bankRef, amount)
			return err
		}
		if cerr := compensate(ctx, refund); cerr != nil {
			ie := &InconsistentError{
				Operation: "wallet-charge", Amount: amount, Step: "credit-wallet",
				Cause: err, CompensationErr: cerr,
				Request: model.PurchaseRequest{Buyer: username, Payer: bankPayer},
			}
			log.Error("wallet charge compensation failed; manual reconciliation required",
				"cause", err, "compensation_err", cerr)
			unlock()
			if perr := f.events.PublishReconcile(context.WithoutCancel(ctx), ie.event()); perr != nil {
				log.Error("publishing reconcile event failed", "err", perr)
			}
			return model.Account{}, ie
		}
		log.Info("wallet charge rolled back", "err", err)
		return model.Account{}, err
	}
	log.Info("wallet charged")
	return f.accounts.Get(ctx, model.RoleCustomer, username)
}
