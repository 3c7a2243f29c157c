package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-ticketing/internal/model"
	q "github.com/iliyamo/cinema-ticketing/internal/queue"
	"github.com/iliyamo/cinema-ticketing/internal/recordstore"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
)

const (
	film    = "Inception"
	bankRef = "0012345678/main"
)

var (
	showing   = model.ShowingKey("1402-05-01", "18:00")
	goodProof = model.Proof{Password: "1234", VerificationCode: "321"}
	errDisk   = errors.New("disk full")
)

type recordingPublisher struct {
	mu        sync.Mutex
	confirmed []q.BookingConfirmedEvent
	reconcile []q.ReconcileEvent
}

func (p *recordingPublisher) PublishBookingConfirmed(_ context.Context, ev q.BookingConfirmedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = append(p.confirmed, ev)
	return nil
}

func (p *recordingPublisher) PublishReconcile(_ context.Context, ev q.ReconcileEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconcile = append(p.reconcile, ev)
	return nil
}

type fixture struct {
	t        *testing.T
	accounts *repository.AccountRepo
	catalog  *repository.CatalogRepo
	bank     *repository.BankRepo
	receipts *repository.ReceiptRepo

	customersBackend *recordstore.MemoryBackend
	filmsBackend     *recordstore.MemoryBackend
	bankBackend      *recordstore.MemoryBackend
	receiptsBackend  *recordstore.MemoryBackend

	events *recordingPublisher
	res    *Reservations
	funds  *Funds
}

func open[V any](t *testing.T, name string, b recordstore.Backend) *recordstore.Store[string, V] {
	t.Helper()
	s, err := recordstore.Open[string, V](context.Background(), name, b)
	require.NoError(t, err)
	return s
}

// newFixture builds a catalog with one showing of the given capacity and
// price 10, a customer "ali" and a bank account holding balance.
func newFixture(t *testing.T, capacity int, balance int64) *fixture {
	t.Helper()
	ctx := context.Background()
	opts := repository.AccountOptions{BcryptCost: 4, MinPasswordLen: 4}
	f := &fixture{
		t:                t,
		customersBackend: recordstore.NewMemoryBackend(),
		filmsBackend:     recordstore.NewMemoryBackend(),
		bankBackend:      recordstore.NewMemoryBackend(),
		receiptsBackend:  recordstore.NewMemoryBackend(),
		events:           &recordingPublisher{},
	}
	f.accounts = repository.NewAccountRepo(
		open[model.Account](t, "accounts", f.customersBackend),
		open[model.Account](t, "admins", recordstore.NewMemoryBackend()),
		opts,
	)
	f.catalog = repository.NewCatalogRepo(open[model.Film](t, "films", f.filmsBackend))
	f.bank = repository.NewBankRepo(open[model.BankAccount](t, "bank_accounts", f.bankBackend), opts)
	f.receipts = repository.NewReceiptRepo(open[model.Receipt](t, "receipts", f.receiptsBackend))

	_, err := f.catalog.AddFilm(ctx, film, "Sci-Fi", 13)
	require.NoError(t, err)
	_, err = f.catalog.AddShowing(ctx, film, "1402-05-01", "18:00", capacity, decimal.NewFromInt(10))
	require.NoError(t, err)
	_, err = f.accounts.Signup(ctx, model.RoleCustomer, model.Profile{Username: "ali"}, "1234")
	require.NoError(t, err)
	_, err = f.bank.CreateAccount(ctx, repository.NewBankAccount{
		NationalID: "0012345678", AccountName: "main", OpeningBalance: decimal.NewFromInt(balance),
		Password: "1234", VerificationCode: "321",
	})
	require.NoError(t, err)
	_, err = f.accounts.LinkBankAccount(ctx, "ali", bankRef)
	require.NoError(t, err)

	locks := &Locks{}
	wallet := repository.WalletLedger{Accounts: f.accounts}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.res = NewReservations(ReservationsConfig{
		Catalog:  f.catalog,
		Accounts: f.accounts,
		Receipts: f.receipts,
		Ledgers:  map[model.PaymentMethod]Ledger{model.PayByBank: f.bank, model.PayByWallet: wallet},
		Locks:    locks,
		Events:   f.events,
		Log:      log,
	})
	f.funds = NewFunds(f.accounts, f.bank, wallet, locks, f.events, log)
	return f
}

// reservations builds a second coordinator over the fixture's stores
// with its own bank ledger and publisher.
func (f *fixture) reservations(bank Ledger, events EventPublisher) *Reservations {
	return NewReservations(ReservationsConfig{
		Catalog:  f.catalog,
		Accounts: f.accounts,
		Receipts: f.receipts,
		Ledgers: map[model.PaymentMethod]Ledger{
			model.PayByBank:   bank,
			model.PayByWallet: repository.WalletLedger{Accounts: f.accounts},
		},
		Events: events,
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (f *fixture) request(quantity int) model.PurchaseRequest {
	return model.PurchaseRequest{
		Buyer:    "ali",
		Film:     film,
		Showing:  showing,
		Quantity: quantity,
		Payer:    model.Payer{Method: model.PayByBank, Ref: bankRef},
		Proof:    goodProof,
	}
}

func (f *fixture) available() int {
	sh, err := f.catalog.GetShowing(context.Background(), film, showing)
	require.NoError(f.t, err)
	return sh.Available
}

func (f *fixture) balance() decimal.Decimal {
	b, err := f.bank.Balance(context.Background(), bankRef)
	require.NoError(f.t, err)
	return b
}

// failNthSave makes the n-th save (1-based) seen by b fail.
func failNthSave(b *recordstore.MemoryBackend, n int) {
	var seen atomic.Int32
	b.FailWhen(func(op recordstore.Op, _ string) error {
		if op == recordstore.OpSave && int(seen.Add(1)) == n {
			return errDisk
		}
		return nil
	})
}

func TestPurchaseSuccess(t *testing.T) {
	f := newFixture(t, 5, 100)

	rc, err := f.res.ReserveAndPurchase(context.Background(), f.request(2))
	require.NoError(t, err)

	assert.Equal(t, model.ReceiptConfirmed, rc.Status)
	assert.True(t, rc.Total.Equal(decimal.NewFromInt(20)))
	assert.NotEmpty(t, rc.LedgerReceipt)
	assert.Equal(t, 3, f.available())
	assert.True(t, f.balance().Equal(decimal.NewFromInt(80)))

	stored, err := f.res.GetReceipt(context.Background(), rc.ID)
	require.NoError(t, err)
	assert.Equal(t, rc.ID, stored.ID)
	require.Len(t, f.events.confirmed, 1)
	assert.Equal(t, rc.ID, f.events.confirmed[0].ReceiptID)
}

func TestPurchaseRejections(t *testing.T) {
	cases := []struct {
		name    string
		balance int64
		mutate  func(*model.PurchaseRequest)
		want    error
	}{
		{"capacity", 100, func(r *model.PurchaseRequest) { r.Quantity = 6 }, repository.ErrInsufficientCapacity},
		{"funds", 5, nil, repository.ErrInsufficientFunds},
		{"wrong password", 100, func(r *model.PurchaseRequest) { r.Proof.Password = "0000" }, repository.ErrAuthFailed},
		{"zero quantity", 100, func(r *model.PurchaseRequest) { r.Quantity = 0 }, repository.ErrValidation},
		{"unknown film", 100, func(r *model.PurchaseRequest) { r.Film = "Nope" }, repository.ErrNotFound},
		{"unknown showing", 100, func(r *model.PurchaseRequest) { r.Showing = "x _ y" }, repository.ErrNotFound},
		{"unknown method", 100, func(r *model.PurchaseRequest) { r.Payer.Method = "cash" }, repository.ErrValidation},
		{"other wallet", 100, func(r *model.PurchaseRequest) {
			r.Payer = model.Payer{Method: model.PayByWallet, Ref: "reza"}
		}, repository.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 5, tc.balance)
			req := f.request(2)
			if tc.mutate != nil {
				tc.mutate(&req)
			}
			_, err := f.res.ReserveAndPurchase(context.Background(), req)
			assert.ErrorIs(t, err, tc.want)
			assert.NotErrorIs(t, err, repository.ErrInconsistent)
			assert.Equal(t, 5, f.available())
			assert.True(t, f.balance().Equal(decimal.NewFromInt(tc.balance)))
			assert.Empty(t, f.res.ListReceipts(context.Background(), "ali"))
		})
	}
}

func TestPurchaseCompensationFailure(t *testing.T) {
	f := newFixture(t, 5, 5)
	// Save 1 is the hold, save 2 the release.
	failNthSave(f.filmsBackend, 2)

	_, err := f.res.ReserveAndPurchase(context.Background(), f.request(2))

	var ie *InconsistentError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, repository.ErrInconsistent)
	assert.ErrorIs(t, err, repository.ErrInsufficientFunds)
	assert.Equal(t, "withdraw", ie.Step)
	assert.ErrorIs(t, ie.CompensationErr, errDisk)
	assert.Empty(t, ie.Request.Proof.Password)

	require.Len(t, f.events.reconcile, 1)
	assert.Equal(t, "withdraw", f.events.reconcile[0].Step)
	assert.Equal(t, 3, f.available())
}

func TestPurchaseFinalizeFailureRefunds(t *testing.T) {
	f := newFixture(t, 5, 100)
	f.receiptsBackend.FailWhen(func(recordstore.Op, string) error { return errDisk })

	_, err := f.res.ReserveAndPurchase(context.Background(), f.request(2))
	assert.ErrorIs(t, err, errDisk)
	assert.NotErrorIs(t, err, repository.ErrInconsistent)
	assert.Equal(t, 5, f.available())
	assert.True(t, f.balance().Equal(decimal.NewFromInt(100)))
	assert.Empty(t, f.events.confirmed)
}

func TestPurchaseCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, 5, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	writes := f.filmsBackend.Writes()
	_, err := f.res.ReserveAndPurchase(ctx, f.request(2))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, writes, f.filmsBackend.Writes())
}

func TestPurchaseCancelledAfterHold(t *testing.T) {
	f := newFixture(t, 5, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel the caller as soon as the hold is persisted.
	var once sync.Once
	f.filmsBackend.FailWhen(func(op recordstore.Op, _ string) error {
		once.Do(cancel)
		return nil
	})

	_, err := f.res.ReserveAndPurchase(ctx, f.request(2))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, f.available())
	assert.True(t, f.balance().Equal(decimal.NewFromInt(100)))
}

func TestPurchaseIdempotentReplay(t *testing.T) {
	f := newFixture(t, 5, 100)
	ctx := context.Background()
	req := f.request(2)
	req.IdempotencyKey = "order-1"

	first, err := f.res.ReserveAndPurchase(ctx, req)
	require.NoError(t, err)
	second, err := f.res.ReserveAndPurchase(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 3, f.available())
	assert.True(t, f.balance().Equal(decimal.NewFromInt(80)))

	req.Quantity = 1
	_, err = f.res.ReserveAndPurchase(ctx, req)
	assert.ErrorIs(t, err, repository.ErrIdempotencyConflict)

	// Without a key every call is a new purchase.
	_, err = f.res.ReserveAndPurchase(ctx, f.request(1))
	require.NoError(t, err)
	_, err = f.res.ReserveAndPurchase(ctx, f.request(1))
	require.NoError(t, err)
	assert.Equal(t, 1, f.available())
}

func TestPurchaseWithWalletAndPlanDiscount(t *testing.T) {
	f := newFixture(t, 5, 100)
	ctx := context.Background()
	_, err := f.accounts.ChargeWallet(ctx, "ali", decimal.NewFromInt(15))
	require.NoError(t, err)
	_, err = f.accounts.ChangePlan(ctx, "ali", "Gold")
	require.NoError(t, err)

	rc, err := f.res.ReserveAndPurchase(ctx, model.PurchaseRequest{
		Buyer:    "ali",
		Film:     film,
		Showing:  showing,
		Quantity: 2,
		Payer:    model.Payer{Method: model.PayByWallet},
		Proof:    model.Proof{Password: "1234"},
	})
	require.NoError(t, err)
	assert.True(t, rc.Total.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "ali", rc.Payer.Ref)

	a, err := f.accounts.Get(ctx, model.RoleCustomer, "ali")
	require.NoError(t, err)
	assert.True(t, a.Wallet.Equal(decimal.NewFromInt(5)))
}

func TestCancelPurchase(t *testing.T) {
	f := newFixture(t, 5, 100)
	ctx := context.Background()
	rc, err := f.res.ReserveAndPurchase(ctx, f.request(2))
	require.NoError(t, err)

	_, err = f.res.CancelPurchase(ctx, rc.ID, "reza")
	assert.ErrorIs(t, err, repository.ErrForbidden)

	out, err := f.res.CancelPurchase(ctx, rc.ID, "ali")
	require.NoError(t, err)
	assert.Equal(t, model.ReceiptCancelled, out.Status)
	assert.NotNil(t, out.CancelledAt)
	assert.Equal(t, 5, f.available())
	assert.True(t, f.balance().Equal(decimal.NewFromInt(100)))

	_, err = f.res.CancelPurchase(ctx, rc.ID, "ali")
	assert.ErrorIs(t, err, repository.ErrAlreadyCancelled)

	_, err = f.res.CancelPurchase(ctx, "missing", "ali")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCancelPurchaseReleaseFailureIsInconsistent(t *testing.T) {
	f := newFixture(t, 5, 100)
	ctx := context.Background()
	rc, err := f.res.ReserveAndPurchase(ctx, f.request(2))
	require.NoError(t, err)

	f.filmsBackend.FailWhen(func(recordstore.Op, string) error { return errDisk })
	_, err = f.res.CancelPurchase(ctx, rc.ID, "ali")
	assert.ErrorIs(t, err, repository.ErrInconsistent)
	require.Len(t, f.events.reconcile, 1)
	assert.Equal(t, "cancel", f.events.reconcile[0].Operation)
	// The refund stands.
	assert.True(t, f.balance().Equal(decimal.NewFromInt(100)))
}

func TestConcurrentPurchasesKeepInvariants(t *testing.T) {
	f := newFixture(t, 10, 1000)
	ctx := context.Background()

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.res.ReserveAndPurchase(ctx, f.request(1))
			if err == nil {
				ok.Add(1)
				return
			}
			assert.ErrorIs(t, err, repository.ErrInsufficientCapacity)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, ok.Load())
	assert.Equal(t, 0, f.available())
	assert.True(t, f.balance().Equal(decimal.NewFromInt(900)))
	assert.Len(t, f.res.ListReceipts(ctx, "ali"), 10)
}

// failingWithdraw runs before and then fails every withdrawal.
type failingWithdraw struct {
	Ledger
	before func()
}

func (l failingWithdraw) Withdraw(context.Context, string, model.Proof, decimal.Decimal) (model.LedgerReceipt, error) {
	l.before()
	return model.LedgerReceipt{}, errDisk
}

func TestPurchaseFilmRemovedDuringWithdraw(t *testing.T) {
	f := newFixture(t, 5, 100)
	res := f.reservations(failingWithdraw{Ledger: f.bank, before: func() {
		require.NoError(t, f.catalog.RemoveFilm(context.Background(), film))
	}}, f.events)

	_, err := res.ReserveAndPurchase(context.Background(), f.request(2))
	assert.ErrorIs(t, err, errDisk)
	assert.NotErrorIs(t, err, repository.ErrInconsistent)
	assert.Empty(t, f.events.reconcile)
	assert.True(t, f.balance().Equal(decimal.NewFromInt(100)))
}

func TestFreeShowingStillChecksProof(t *testing.T) {
	f := newFixture(t, 5, 100)
	ctx := context.Background()
	_, err := f.catalog.AddShowing(ctx, film, "1402-05-02", "20:00", 5, decimal.Zero)
	require.NoError(t, err)
	free := model.ShowingKey("1402-05-02", "20:00")

	req := f.request(2)
	req.Showing = free
	req.Proof = model.Proof{}
	_, err = f.res.ReserveAndPurchase(ctx, req)
	assert.ErrorIs(t, err, repository.ErrAuthFailed)
	sh, err := f.catalog.GetShowing(ctx, film, free)
	require.NoError(t, err)
	assert.Equal(t, 5, sh.Available)

	req.Payer.Ref = "9999999999/none"
	req.Proof = goodProof
	_, err = f.res.ReserveAndPurchase(ctx, req)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	req = f.request(2)
	req.Showing = free
	rc, err := f.res.ReserveAndPurchase(ctx, req)
	require.NoError(t, err)
	assert.True(t, rc.Total.IsZero())
	assert.Empty(t, rc.LedgerReceipt)
	assert.True(t, f.balance().Equal(decimal.NewFromInt(100)))
}

// blockingPublisher holds every booking event until release is closed.
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPublisher) PublishBookingConfirmed(context.Context, q.BookingConfirmedEvent) error {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-p.release
	return nil
}

func (p *blockingPublisher) PublishReconcile(context.Context, q.ReconcileEvent) error { return nil }

func TestSlowPublisherDoesNotBlockNextPurchase(t *testing.T) {
	f := newFixture(t, 5, 100)
	pub := &blockingPublisher{entered: make(chan struct{}, 2), release: make(chan struct{})}
	res := f.reservations(f.bank, pub)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := res.ReserveAndPurchase(ctx, f.request(1))
		assert.NoError(t, err)
	}()
	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first purchase never published")
	}

	// Same showing and payer: the second saga needs both locks.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := res.ReserveAndPurchase(ctx, f.request(1))
		assert.NoError(t, err)
	}()
	assert.Eventually(t, func() bool { return f.available() == 3 }, 2*time.Second, 10*time.Millisecond)

	close(pub.release)
	wg.Wait()
	assert.True(t, f.balance().Equal(decimal.NewFromInt(80)))
}

func TestEditCustomerMovesReceipts(t *testing.T) {
	f := newFixture(t, 5, 100)
	ctx := context.Background()
	rc, err := f.res.ReserveAndPurchase(ctx, f.request(1))
	require.NoError(t, err)

	a, err := f.res.EditCustomer(ctx, "ali", model.EditFields{Username: "alireza", FirstName: "Alireza"})
	require.NoError(t, err)
	assert.Equal(t, "alireza", a.Username)
	assert.Empty(t, f.res.ListReceipts(ctx, "ali"))
	assert.Len(t, f.res.ListReceipts(ctx, "alireza"), 1)

	_, err = f.res.CancelPurchase(ctx, rc.ID, "alireza")
	require.NoError(t, err)

	// No rename, no receipt writes.
	writes := f.receiptsBackend.Writes()
	a, err = f.res.EditCustomer(ctx, "alireza", model.EditFields{LastName: "Ahmadi"})
	require.NoError(t, err)
	assert.Equal(t, "Ahmadi", a.LastName)
	assert.Equal(t, writes, f.receiptsBackend.Writes())
}

func TestEditCustomerRollsBackWhenReceiptsFail(t *testing.T) {
	f := newFixture(t, 5, 100)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.res.ReserveAndPurchase(ctx, f.request(1))
		require.NoError(t, err)
	}
	// The first receipt moves, the second fails, the undo moves the first back.
	failNthSave(f.receiptsBackend, 2)

	_, err := f.res.EditCustomer(ctx, "ali", model.EditFields{Username: "alireza", FirstName: "Alireza"})
	assert.ErrorIs(t, err, errDisk)
	assert.NotErrorIs(t, err, repository.ErrInconsistent)

	a, err := f.accounts.Get(ctx, model.RoleCustomer, "ali")
	require.NoError(t, err)
	assert.Empty(t, a.FirstName)
	_, err = f.accounts.Get(ctx, model.RoleCustomer, "alireza")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Len(t, f.res.ListReceipts(ctx, "ali"), 2)
	assert.Empty(t, f.res.ListReceipts(ctx, "alireza"))
}

func TestEditCustomerRollbackFailureIsInconsistent(t *testing.T) {
	f := newFixture(t, 5, 100)
	ctx := context.Background()
	_, err := f.res.ReserveAndPurchase(ctx, f.request(1))
	require.NoError(t, err)

	f.receiptsBackend.FailWhen(func(recordstore.Op, string) error { return errDisk })
	// Moving the account back to "ali" fails.
	f.customersBackend.FailWhen(func(op recordstore.Op, key string) error {
		if op == recordstore.OpMove && key == "ali" {
			return errDisk
		}
		return nil
	})

	_, err = f.res.EditCustomer(ctx, "ali", model.EditFields{Username: "alireza"})
	var ie *InconsistentError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, repository.ErrInconsistent)
	assert.Equal(t, "rename", ie.Operation)
	assert.Contains(t, ie.Error(), "rename for ali")
	require.Len(t, f.events.reconcile, 1)
	assert.Equal(t, "reassign-receipts", f.events.reconcile[0].Step)
}
