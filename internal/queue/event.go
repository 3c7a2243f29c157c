// Package queue defines the messages exchanged over RabbitMQ and the
// background consumer that records them.
package queue

// Queue names.
const (
	BookingConfirmedQueue = "booking.confirmed"
	ReconcileQueue        = "reservation.reconcile"
)

// BookingConfirmedEvent is published after a purchase is finalized.  It
// carries enough for downstream consumers to log or notify without
// reading the stores.
type BookingConfirmedEvent struct {
	ReceiptID     string `json:"receipt_id"`
	Buyer         string `json:"buyer"`
	Film          string `json:"film"`
	Showing       string `json:"showing"`
	Quantity      int    `json:"quantity"`
	Total         string `json:"total"`
	PaymentMethod string `json:"payment_method"`
	ConfirmedAt   string `json:"confirmed_at"`
}

// ReconcileEvent is published when a purchase or refund left the stores
// disagreeing and could not be undone automatically.  An operator uses
// it to restore seats or funds by hand.
type ReconcileEvent struct {
	Operation       string `json:"operation"`
	ReceiptID       string `json:"receipt_id,omitempty"`
	Buyer           string `json:"buyer"`
	Film            string `json:"film"`
	Showing         string `json:"showing"`
	Quantity        int    `json:"quantity"`
	Payer           string `json:"payer"`
	Amount          string `json:"amount"`
	Step            string `json:"step"`
	Cause           string `json:"cause"`
	CompensationErr string `json:"compensation_error"`
	OccurredAt      string `json:"occurred_at"`
}
