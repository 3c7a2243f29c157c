package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer drains the booking and reconciliation queues and appends one
// line per message to booking.log and reconcile.log under LogDir.
type Consumer struct {
	URL    string
	LogDir string
	Log    *slog.Logger

	mu sync.Mutex // serializes file appends
}

// Run connects to the broker and consumes until ctx is cancelled.  A lost
// connection is re-established with exponential backoff capped at 30s.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			c.Log.Warn("consumer: dial failed", "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.Log.Warn("consumer: loop ended, reconnecting", "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.Log.Warn("consumer: set QoS failed", "err", err)
	}

	handlers := map[string]func([]byte) error{
		BookingConfirmedQueue: c.HandleBooking,
		ReconcileQueue:        c.HandleReconcile,
	}
	var deliveries []<-chan amqp.Delivery
	var names []string
	for name := range handlers {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", name, err)
		}
		msgs, err := ch.Consume(name, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume %s: %w", name, err)
		}
		deliveries = append(deliveries, msgs)
		names = append(names, name)
	}

	var wg sync.WaitGroup
	for i, msgs := range deliveries {
		handle := handlers[names[i]]
		queue := names[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range msgs {
				if err := handle(d.Body); err != nil {
					c.Log.Error("consumer: handle message failed", "queue", queue, "err", err)
					_ = d.Nack(false, false) // do not requeue poison messages
					continue
				}
				_ = d.Ack(false)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		_ = ch.Close()
		<-done
		return ctx.Err()
	case <-done:
		return errors.New("deliveries channel closed")
	}
}

// HandleBooking records one booking.confirmed message.
func (c *Consumer) HandleBooking(body []byte) error {
	var ev BookingConfirmedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	line := fmt.Sprintf("[%s] Purchase confirmed | receipt_id=%s | buyer=%s | film=%q | showing=%q | quantity=%d | total=%s | method=%s\n",
		ev.ConfirmedAt, ev.ReceiptID, ev.Buyer, ev.Film, ev.Showing, ev.Quantity, ev.Total, ev.PaymentMethod)
	return c.appendLine("booking.log", line)
}

// HandleReconcile records one reservation.reconcile message.
func (c *Consumer) HandleReconcile(body []byte) error {
	var ev ReconcileEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	line := fmt.Sprintf("[%s] RECONCILE %s | receipt_id=%s | buyer=%s | film=%q | showing=%q | quantity=%d | payer=%s | amount=%s | step=%s | cause=%q | compensation_error=%q\n",
		ev.OccurredAt, ev.Operation, ev.ReceiptID, ev.Buyer, ev.Film, ev.Showing, ev.Quantity, ev.Payer, ev.Amount, ev.Step, ev.Cause, ev.CompensationErr)
	return c.appendLine("reconcile.log", line)
}

func (c *Consumer) appendLine(name, line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.LogDir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}
