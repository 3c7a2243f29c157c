// Package service composes the repositories into multi-store operations.
// The stores share no transaction, so every operation that touches more
// than one of them is written as a saga: forward steps in a fixed order,
// each undone by a compensating step when a later one fails.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/cinema-ticketing/internal/keylock"
	"github.com/iliyamo/cinema-ticketing/internal/model"
	q "github.com/iliyamo/cinema-ticketing/internal/queue"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
)

// Ledger moves money in and out of one kind of funds source.  Verify
// checks the proof without moving money.
type Ledger interface {
	Withdraw(ctx context.Context, payer string, proof model.Proof, amount decimal.Decimal) (model.LedgerReceipt, error)
	Deposit(ctx context.Context, payer string, amount decimal.Decimal) (model.LedgerReceipt, error)
	Verify(ctx context.Context, payer string, proof model.Proof) error
}

// Locks are the coordinator-level locks shared by every saga.  A saga
// takes its showing lock before its payer lock and never the reverse.
type Locks struct {
	Showings keylock.Map[string]
	Payers   keylock.Map[string]
}

// InconsistentError reports a saga whose compensation failed, leaving the
// stores out of step.  It matches repository.ErrInconsistent and the
// original failure with errors.Is.
type InconsistentError struct {
	Operation       string
	ReceiptID       string
	Request         model.PurchaseRequest
	Amount          decimal.Decimal
	Step            string
	Cause           error
	CompensationErr error
}

func (e *InconsistentError) Error() string {
	if e.Request.Film == "" {
		return fmt.Sprintf("%s for %s: %s failed (%v) and compensation failed (%v)",
			e.Operation, e.Request.Buyer, e.Step, e.Cause, e.CompensationErr)
	}
	return fmt.Sprintf("%s of %d seat(s) for %s at %s: %s failed (%v) and compensation failed (%v)",
		e.Operation, e.Request.Quantity, e.Request.Film, e.Request.Showing, e.Step, e.Cause, e.CompensationErr)
}

func (e *InconsistentError) Unwrap() []error {
	return []error{repository.ErrInconsistent, e.Cause}
}

func (e *InconsistentError) event() q.ReconcileEvent {
	ev := q.ReconcileEvent{
		Operation:  e.Operation,
		ReceiptID:  e.ReceiptID,
		Buyer:      e.Request.Buyer,
		Film:       e.Request.Film,
		Showing:    e.Request.Showing,
		Quantity:   e.Request.Quantity,
		Payer:      e.Request.Payer.LockKey(),
		Amount:     e.Amount.String(),
		Step:       e.Step,
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	}
	if e.Cause != nil {
		ev.Cause = e.Cause.Error()
	}
	if e.CompensationErr != nil {
		ev.CompensationErr = e.CompensationErr.Error()
	}
	return ev
}

// Reservations coordinates seat inventory, funds and receipts.
type Reservations struct {
	catalog  *repository.CatalogRepo
	accounts *repository.AccountRepo
	receipts *repository.ReceiptRepo
	ledgers  map[model.PaymentMethod]Ledger
	locks    *Locks
	events   EventPublisher
	log      *slog.Logger
}

// ReservationsConfig bundles the collaborators of Reservations.  Events
// may be nil.
type ReservationsConfig struct {
	Catalog  *repository.CatalogRepo
	Accounts *repository.AccountRepo
	Receipts *repository.ReceiptRepo
	Ledgers  map[model.PaymentMethod]Ledger
	Locks    *Locks
	Events   EventPublisher
	Log      *slog.Logger
}

func NewReservations(cfg ReservationsConfig) *Reservations {
	if cfg.Locks == nil {
		cfg.Locks = &Locks{}
	}
	if cfg.Events == nil {
		cfg.Events = nopPublisher{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Reservations{
		catalog:  cfg.Catalog,
		accounts: cfg.Accounts,
		receipts: cfg.Receipts,
		ledgers:  cfg.Ledgers,
		locks:    cfg.Locks,
		events:   cfg.Events,
		log:      cfg.Log,
	}
}

const publishTimeout = 3 * time.Second

func showingLockKey(film, showing string) string { return film + "\x00" + showing }

// ReserveAndPurchase sells req.Quantity seats to req.Buyer.  On success
// both the seats and the funds have moved; on any error neither has,
// except for *InconsistentError which means a compensation failed too.
func (s *Reservations) ReserveAndPurchase(ctx context.Context, req model.PurchaseRequest) (model.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return model.Receipt{}, err
	}
	ledger, err := s.validate(&req)
	if err != nil {
		return model.Receipt{}, err
	}
	showing, err := s.catalog.GetShowing(ctx, req.Film, req.Showing)
	if err != nil {
		return model.Receipt{}, err
	}
	buyer, err := s.accounts.Get(ctx, model.RoleCustomer, req.Buyer)
	if err != nil {
		return model.Receipt{}, err
	}
	discount := buyer.Plan.Discount()
	total := showing.Price.Mul(decimal.NewFromInt(int64(req.Quantity))).
		Mul(decimal.NewFromInt(1).Sub(discount)).Round(2)

	id := repository.ReceiptID(req.Buyer, req.IdempotencyKey)
	if rc, ok, err := s.replay(ctx, id, req); ok || err != nil {
		return rc, err
	}

	unlock := s.lockSaga(req.Film, req.Showing, req.Payer)
	defer unlock()

	// A concurrent retry may have finished while we waited.
	if rc, ok, err := s.replay(ctx, id, req); ok || err != nil {
		return rc, err
	}

	log := s.log.With("receipt_id", id, "buyer", req.Buyer, "film", req.Film,
		"showing", req.Showing, "quantity", req.Quantity, "payer", req.Payer.LockKey())

	if _, err := s.catalog.ReserveSeats(ctx, req.Film, req.Showing, req.Quantity); err != nil {
		return model.Receipt{}, err
	}

	// A film removed while the saga ran has no seats left to return.
	release := func(ctx context.Context) error {
		_, err := s.catalog.ReleaseSeats(ctx, req.Film, req.Showing, req.Quantity)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	fail := func(step string, cause error, undo ...func(context.Context) error) error {
		if cerr := compensate(ctx, undo...); cerr != nil {
			scrubbed := req
			scrubbed.Proof = model.Proof{}
			ie := &InconsistentError{
				Operation: "purchase", ReceiptID: id, Request: scrubbed, Amount: total,
				Step: step, Cause: cause, CompensationErr: cerr,
			}
			unlock()
			s.reportInconsistent(ctx, log, ie)
			return ie
		}
		log.Info("purchase rolled back", "step", step, "err", cause)
		return cause
	}

	if err := ctx.Err(); err != nil {
		return model.Receipt{}, fail("hold", err, release)
	}

	var lr model.LedgerReceipt
	if total.IsPositive() {
		lr, err = ledger.Withdraw(ctx, req.Payer.Ref, req.Proof, total)
		if err != nil {
			return model.Receipt{}, fail("withdraw", err, release)
		}
	} else if err := ledger.Verify(ctx, req.Payer.Ref, req.Proof); err != nil {
		return model.Receipt{}, fail("verify", err, release)
	}

	rc := model.Receipt{
		ID:             id,
		IdempotencyKey: req.IdempotencyKey,
		Buyer:          req.Buyer,
		Film:           req.Film,
		Showing:        req.Showing,
		Quantity:       req.Quantity,
		UnitPrice:      showing.Price,
		Discount:       discount,
		Total:          total,
		Payer:          req.Payer,
		LedgerReceipt:  lr.ID,
		Status:         model.ReceiptConfirmed,
		CreatedAt:      time.Now().UTC(),
	}
	// Funds have moved; the receipt write must not be abandoned because
	// the caller went away.
	if err := s.receipts.Create(context.WithoutCancel(ctx), rc); err != nil {
		refund := func(ctx context.Context) error {
			if !total.IsPositive() {
				return nil
			}
			_, err := ledger.Deposit(ctx, req.Payer.Ref, total)
			return err
		}
		return model.Receipt{}, fail("finalize", err, refund, release)
	}

	unlock()
	log.Info("purchase confirmed", "total", total.String())
	s.publishConfirmed(ctx, log, rc)
	return rc, nil
}

// lockSaga takes the showing lock, then the payer lock.  The returned
// func releases both and may be called more than once, so events can be
// published after the stores are settled without holding up other sagas.
func (s *Reservations) lockSaga(film, showing string, payer model.Payer) func() {
	unlockShowing := s.locks.Showings.Lock(showingLockKey(film, showing))
	unlockPayer := s.locks.Payers.Lock(payer.LockKey())
	var once sync.Once
	return func() {
		once.Do(func() {
			unlockPayer()
			unlockShowing()
		})
	}
}

func (s *Reservations) validate(req *model.PurchaseRequest) (Ledger, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive: %w", repository.ErrInvalidRequest)
	}
	if req.Film == "" || req.Showing == "" {
		return nil, fmt.Errorf("film and showing are required: %w", repository.ErrInvalidRequest)
	}
	if req.Buyer == "" {
		return nil, fmt.Errorf("buyer is required: %w", repository.ErrInvalidRequest)
	}
	ledger, ok := s.ledgers[req.Payer.Method]
	if !ok {
		return nil, fmt.Errorf("unknown payment method %q: %w", req.Payer.Method, repository.ErrInvalidRequest)
	}
	if req.Payer.Method == model.PayByWallet {
		if req.Payer.Ref == "" {
			req.Payer.Ref = req.Buyer
		}
		if req.Payer.Ref != req.Buyer {
			return nil, fmt.Errorf("wallet of another customer: %w", repository.ErrForbidden)
		}
	}
	if req.Payer.Ref == "" {
		return nil, fmt.Errorf("payer reference is required: %w", repository.ErrInvalidRequest)
	}
	return ledger, nil
}

// replay returns the stored receipt for an idempotent retry.  ok is
// false when there is nothing to replay.
func (s *Reservations) replay(ctx context.Context, id string, req model.PurchaseRequest) (model.Receipt, bool, error) {
	if req.IdempotencyKey == "" {
		return model.Receipt{}, false, nil
	}
	rc, err := s.receipts.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Receipt{}, false, nil
	}
	if err != nil {
		return model.Receipt{}, false, err
	}
	if rc.Film != req.Film || rc.Showing != req.Showing || rc.Quantity != req.Quantity || rc.Payer != req.Payer {
		return model.Receipt{}, false, repository.ErrIdempotencyConflict
	}
	return rc, true, nil
}

// CancelPurchase refunds a confirmed purchase and returns its seats.  The
// refund goes first: once it succeeds the buyer is whole, and a failure to
// release seats or update the receipt is reported as inconsistent.
func (s *Reservations) CancelPurchase(ctx context.Context, receiptID, username string) (model.Receipt, error) {
	rc, err := s.receipts.Get(ctx, receiptID)
	if err != nil {
		return model.Receipt{}, err
	}
	if rc.Buyer != username {
		return model.Receipt{}, repository.ErrForbidden
	}
	if rc.Status == model.ReceiptCancelled {
		return model.Receipt{}, repository.ErrAlreadyCancelled
	}
	ledger, ok := s.ledgers[rc.Payer.Method]
	if !ok {
		return model.Receipt{}, fmt.Errorf("unknown payment method %q: %w", rc.Payer.Method, repository.ErrInvalidRequest)
	}

	unlock := s.lockSaga(rc.Film, rc.Showing, rc.Payer)
	defer unlock()

	rc, err = s.receipts.Get(ctx, receiptID)
	if err != nil {
		return model.Receipt{}, err
	}
	if rc.Status == model.ReceiptCancelled {
		return model.Receipt{}, repository.ErrAlreadyCancelled
	}

	log := s.log.With("receipt_id", rc.ID, "buyer", rc.Buyer, "film", rc.Film, "showing", rc.Showing)

	if rc.Total.IsPositive() {
		if _, err := ledger.Deposit(ctx, rc.Payer.Ref, rc.Total); err != nil {
			return model.Receipt{}, err
		}
	}

	detached := context.WithoutCancel(ctx)
	inconsistent := func(step string, cause error) error {
		ie := &InconsistentError{
			Operation: "cancel", ReceiptID: rc.ID, Amount: rc.Total, Step: step, Cause: cause,
			CompensationErr: errors.New("refund already issued"),
			Request: model.PurchaseRequest{
				Buyer: rc.Buyer, Film: rc.Film, Showing: rc.Showing, Quantity: rc.Quantity, Payer: rc.Payer,
			},
		}
		unlock()
		s.reportInconsistent(ctx, log, ie)
		return ie
	}
	if _, err := s.catalog.ReleaseSeats(detached, rc.Film, rc.Showing, rc.Quantity); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return model.Receipt{}, inconsistent("release", err)
	}
	out, err := s.receipts.MarkCancelled(detached, rc.ID)
	if err != nil {
		return model.Receipt{}, inconsistent("mark-cancelled", err)
	}
	log.Info("purchase cancelled", "refund", rc.Total.String())
	return out, nil
}

// ListReceipts returns a buyer's receipts, newest first.
func (s *Reservations) ListReceipts(ctx context.Context, username string) []model.Receipt {
	return s.receipts.ListByBuyer(ctx, username)
}

// EditCustomer applies f to a customer's profile.  A new username also
// moves the customer's receipts; if that fails the account and the
// receipts already moved are put back and the error is returned.
func (s *Reservations) EditCustomer(ctx context.Context, username string, f model.EditFields) (model.Account, error) {
	prev, err := s.accounts.Get(ctx, model.RoleCustomer, username)
	if err != nil {
		return model.Account{}, err
	}
	a, err := s.accounts.Edit(ctx, model.RoleCustomer, username, f)
	if err != nil || a.Username == username {
		return a, err
	}
	log := s.log.With("from", username, "to", a.Username)

	moved, err := s.receipts.ReassignBuyer(ctx, username, a.Username)
	if err == nil {
		if len(moved) > 0 {
			log.Info("receipts reassigned", "count", len(moved))
		}
		return a, nil
	}

	undo := func(ctx context.Context) error {
		if _, err := s.receipts.Reassign(ctx, moved, a.Username, username); err != nil {
			return err
		}
		_, err := s.accounts.RestoreProfile(ctx, model.RoleCustomer, a.Username, prev)
		return err
	}
	if cerr := compensate(ctx, undo); cerr != nil {
		ie := &InconsistentError{
			Operation: "rename", Step: "reassign-receipts", Cause: err, CompensationErr: cerr,
			Request: model.PurchaseRequest{Buyer: username},
		}
		s.reportInconsistent(ctx, log, ie)
		return model.Account{}, ie
	}
	log.Info("rename rolled back", "err", err)
	return model.Account{}, err
}

// GetReceipt returns one receipt.
func (s *Reservations) GetReceipt(ctx context.Context, id string) (model.Receipt, error) {
	return s.receipts.Get(ctx, id)
}

// compensate runs every undo step on a context detached from the
// caller's cancellation and joins their errors.
func compensate(ctx context.Context, undo ...func(context.Context) error) error {
	detached := context.WithoutCancel(ctx)
	var errs []error
	for _, fn := range undo {
		if err := fn(detached); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Reservations) reportInconsistent(ctx context.Context, log *slog.Logger, ie *InconsistentError) {
	log.Error("saga compensation failed; manual reconciliation required",
		"operation", ie.Operation, "step", ie.Step, "cause", ie.Cause, "compensation_err", ie.CompensationErr)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.PublishReconcile(pctx, ie.event()); err != nil {
		log.Error("publishing reconcile event failed", "err", err)
	}
}

func (s *Reservations) publishConfirmed(ctx context.Context, log *slog.Logger, rc model.Receipt) {
	ev := q.BookingConfirmedEvent{
		ReceiptID:     rc.ID,
		Buyer:         rc.Buyer,
		Film:          rc.Film,
		Showing:       rc.Showing,
		Quantity:      rc.Quantity,
		Total:         rc.Total.String(),
		PaymentMethod: string(rc.Payer.Method),
		ConfirmedAt:   rc.CreatedAt.Format(time.RFC3339),
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.PublishBookingConfirmed(pctx, ev); err != nil {
		log.Warn("publishing booking event failed", "err", err)
	}
}
