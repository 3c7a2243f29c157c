package repository

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/recordstore"
)

// ReceiptStore is the record store holding purchase receipts.
type ReceiptStore = recordstore.Store[string, model.Receipt]

// receiptNamespace scopes receipt ids derived from idempotency keys.
var receiptNamespace = uuid.MustParse("6f1c1f0e-5b7a-4d0e-9a43-2b7d7f3c9e21")

var errSkip = errors.New("receipt skipped")

// ReceiptRepo stores purchase receipts keyed by id.
type ReceiptRepo struct {
	receipts *ReceiptStore
}

func NewReceiptRepo(receipts *ReceiptStore) *ReceiptRepo { return &ReceiptRepo{receipts: receipts} }

// ReceiptID returns the id a purchase will be stored under.  With an
// idempotency key the id is derived from buyer and key, so a retried
// request maps to the receipt of the first attempt.
func ReceiptID(buyer, idempotencyKey string) string {
	if idempotencyKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(receiptNamespace, []byte(buyer+"\x00"+idempotencyKey)).String()
}

// Create stores a new receipt.
func (r *ReceiptRepo) Create(ctx context.Context, rc model.Receipt) error {
	return r.receipts.Insert(ctx, rc.ID, rc)
}

// Get returns the receipt with id.
func (r *ReceiptRepo) Get(ctx context.Context, id string) (model.Receipt, error) {
	return r.receipts.Get(ctx, id)
}

// MarkCancelled flips a confirmed receipt to CANCELLED.
func (r *ReceiptRepo) MarkCancelled(ctx context.Context, id string) (model.Receipt, error) {
	return r.receipts.Update(ctx, id, func(rc model.Receipt) (model.Receipt, error) {
		if rc.Status == model.ReceiptCancelled {
			return rc, ErrAlreadyCancelled
		}
		now := time.Now().UTC()
		rc.Status = model.ReceiptCancelled
		rc.CancelledAt = &now
		return rc, nil
	})
}

// ListByBuyer returns a buyer's receipts, newest first.
func (r *ReceiptRepo) ListByBuyer(ctx context.Context, buyer string) []model.Receipt {
	var out []model.Receipt
	for _, e := range r.receipts.All(ctx) {
		if e.Value.Buyer == buyer {
			out = append(out, e.Value)
		}
	}
	slices.SortFunc(out, func(a, b model.Receipt) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

// ReassignBuyer moves every receipt of oldName to newName, including the
// wallet payer reference.  It returns the ids it changed, also when it
// stops early on an error, so the caller can move them back.
func (r *ReceiptRepo) ReassignBuyer(ctx context.Context, oldName, newName string) ([]string, error) {
	var ids []string
	for _, e := range r.receipts.All(ctx) {
		if e.Value.Buyer == oldName {
			ids = append(ids, e.Key)
		}
	}
	return r.Reassign(ctx, ids, oldName, newName)
}

// Reassign moves the receipts in ids from oldName to newName.  Receipts no
// longer owned by oldName are skipped.
func (r *ReceiptRepo) Reassign(ctx context.Context, ids []string, oldName, newName string) ([]string, error) {
	moved := make([]string, 0, len(ids))
	for _, id := range ids {
		skipped := false
		_, err := r.receipts.Update(ctx, id, func(rc model.Receipt) (model.Receipt, error) {
			if rc.Buyer != oldName {
				skipped = true
				return rc, errSkip
			}
			rc.Buyer = newName
			if rc.Payer.Method == model.PayByWallet && rc.Payer.Ref == oldName {
				rc.Payer.Ref = newName
			}
			return rc, nil
		})
		if skipped {
			continue
		}
		if err != nil {
			return moved, err
		}
		moved = append(moved, id)
	}
	return moved, nil
}
