package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-ticketing/internal/middleware"
	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
	"github.com/iliyamo/cinema-ticketing/internal/service"
)

// PurchaseHandler serves customer purchases.  Every successful purchase
// or cancellation changes seat counts, so the catalog cache is dropped.
type PurchaseHandler struct {
	Reservations *service.Reservations
	Cache        Invalidator
}

func NewPurchaseHandler(r *service.Reservations, cache Invalidator) *PurchaseHandler {
	if cache == nil {
		cache = nopInvalidator{}
	}
	return &PurchaseHandler{Reservations: r, Cache: cache}
}

// Purchase handles POST /v1/purchases.  The Idempotency-Key header is
// used when the body carries no idempotency_key.
func (h *PurchaseHandler) Purchase(c echo.Context) error {
	var req model.PurchaseRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	req.Buyer = middleware.Username(c)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
	}
	ctx := c.Request().Context()
	rc, err := h.Reservations.ReserveAndPurchase(ctx, req)
	if err != nil {
		return respondError(c, err)
	}
	h.Cache.Invalidate(ctx)
	return c.JSON(http.StatusCreated, rc)
}

// List returns the caller's receipts, newest first.
func (h *PurchaseHandler) List(c echo.Context) error {
	items := h.Reservations.ListReceipts(c.Request().Context(), middleware.Username(c))
	if items == nil {
		items = []model.Receipt{}
	}
	return c.JSON(http.StatusOK, echo.Map{"data": items, "total": len(items)})
}

// Get returns one of the caller's receipts.  Receipts of other buyers are
// reported as missing.
func (h *PurchaseHandler) Get(c echo.Context) error {
	rc, err := h.Reservations.GetReceipt(c.Request().Context(), c.Param("id"))
	if err == nil && rc.Buyer != middleware.Username(c) {
		err = repository.ErrNotFound
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, rc)
}

// Cancel refunds a purchase and returns its seats.
func (h *PurchaseHandler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()
	rc, err := h.Reservations.CancelPurchase(ctx, c.Param("id"), middleware.Username(c))
	if err != nil {
		return respondError(c, err)
	}
	h.Cache.Invalidate(ctx)
	return c.JSON(http.StatusOK, rc)
}
