package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/recordstore"
)

func newReceiptRepo(t *testing.T) *ReceiptRepo {
	t.Helper()
	return NewReceiptRepo(openStore[model.Receipt](t, "receipts", recordstore.NewMemoryBackend()))
}

func receipt(id, buyer string, method model.PaymentMethod, ref string, at time.Time) model.Receipt {
	return model.Receipt{
		ID: id, Buyer: buyer, Film: "Inception", Showing: "1402-05-01 _ 18:00", Quantity: 1,
		UnitPrice: decimal.NewFromInt(10), Total: decimal.NewFromInt(10),
		Payer:  model.Payer{Method: method, Ref: ref},
		Status: model.ReceiptConfirmed, CreatedAt: at,
	}
}

func TestReceiptID(t *testing.T) {
	assert.Equal(t, ReceiptID("ali", "k1"), ReceiptID("ali", "k1"))
	assert.NotEqual(t, ReceiptID("ali", "k1"), ReceiptID("sara", "k1"))
	assert.NotEqual(t, ReceiptID("ali", ""), ReceiptID("ali", ""))
}

func TestReceiptLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newReceiptRepo(t)
	now := time.Now().UTC()

	require.NoError(t, r.Create(ctx, receipt("a", "ali", model.PayByBank, "1/main", now.Add(-time.Hour))))
	require.NoError(t, r.Create(ctx, receipt("b", "ali", model.PayByWallet, "ali", now)))
	require.NoError(t, r.Create(ctx, receipt("c", "sara", model.PayByWallet, "sara", now)))
	assert.ErrorIs(t, r.Create(ctx, receipt("a", "ali", model.PayByBank, "1/main", now)), ErrDuplicateKey)

	list := r.ListByBuyer(ctx, "ali")
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)

	rc, err := r.MarkCancelled(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.ReceiptCancelled, rc.Status)
	assert.NotNil(t, rc.CancelledAt)
	_, err = r.MarkCancelled(ctx, "a")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReassignBuyer(t *testing.T) {
	ctx := context.Background()
	r := newReceiptRepo(t)
	now := time.Now().UTC()
	require.NoError(t, r.Create(ctx, receipt("a", "ali", model.PayByBank, "1/main", now)))
	require.NoError(t, r.Create(ctx, receipt("b", "ali", model.PayByWallet, "ali", now)))
	require.NoError(t, r.Create(ctx, receipt("c", "sara", model.PayByWallet, "sara", now)))

	moved, err := r.ReassignBuyer(ctx, "ali", "ali2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, moved)
	assert.Empty(t, r.ListByBuyer(ctx, "ali"))

	bank, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1/main", bank.Payer.Ref)
	wallet, err := r.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "ali2", wallet.Payer.Ref)
	other, err := r.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "sara", other.Buyer)
}

func TestReassignBuyerReportsPartialProgress(t *testing.T) {
	ctx := context.Background()
	backend := recordstore.NewMemoryBackend()
	r := NewReceiptRepo(openStore[model.Receipt](t, "receipts", backend))
	now := time.Now().UTC()
	require.NoError(t, r.Create(ctx, receipt("a", "ali", model.PayByBank, "1/main", now)))
	require.NoError(t, r.Create(ctx, receipt("b", "ali", model.PayByWallet, "ali", now)))

	disk := errors.New("disk full")
	backend.FailWhen(func(_ recordstore.Op, key string) error {
		if key == "b" {
			return disk
		}
		return nil
	})
	moved, err := r.ReassignBuyer(ctx, "ali", "ali2")
	assert.ErrorIs(t, err, disk)
	assert.Equal(t, []string{"a"}, moved)

	back, err := r.Reassign(ctx, moved, "ali2", "ali")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, back)
	assert.Len(t, r.ListByBuyer(ctx, "ali"), 2)

	// Receipts that changed owner in between are left alone.
	skipped, err := r.Reassign(ctx, []string{"a"}, "sara", "ali")
	require.NoError(t, err)
	assert.Empty(t, skipped)
}
