package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	q "github.com/iliyamo/cinema-ticketing/internal/queue"
)

// EventPublisher announces finished purchases and failed compensations.
// Publishing is best effort: callers log failures and carry on.
type EventPublisher interface {
	PublishBookingConfirmed(ctx context.Context, ev q.BookingConfirmedEvent) error
	PublishReconcile(ctx context.Context, ev q.ReconcileEvent) error
}

// RabbitPublisher publishes events to durable RabbitMQ queues through the
// default exchange.  The connection is opened lazily and re-dialled after
// a failure.
type RabbitPublisher struct {
	url string
	log *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewRabbitPublisher(url string, log *slog.Logger) *RabbitPublisher {
	return &RabbitPublisher{url: url, log: log}
}

func (p *RabbitPublisher) PublishBookingConfirmed(ctx context.Context, ev q.BookingConfirmedEvent) error {
	return p.publish(ctx, q.BookingConfirmedQueue, ev)
}

func (p *RabbitPublisher) PublishReconcile(ctx context.Context, ev q.ReconcileEvent) error {
	return p.publish(ctx, q.ReconcileQueue, ev)
}

// Close drops the broker connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *RabbitPublisher) connection() (*amqp.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}
	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(2 * time.Second),
	})
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

func (p *RabbitPublisher) publish(ctx context.Context, queue string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		p.log.Error("rabbitmq: marshal event failed", "queue", queue, "err", err)
		return err
	}
	conn, err := p.connection()
	if err != nil {
		p.log.Warn("rabbitmq: dial failed", "err", err)
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		p.log.Warn("rabbitmq: channel open failed", "err", err)
		return err
	}
	defer func() { _ = ch.Close() }()

	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		p.log.Warn("rabbitmq: queue declare failed", "queue", queue, "err", err)
		return err
	}
	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.log.Warn("rabbitmq: publish failed", "queue", queue, "err", err)
	}
	return err
}

// nopPublisher drops every event.
type nopPublisher struct{}

func (nopPublisher) PublishBookingConfirmed(context.Context, q.BookingConfirmedEvent) error {
	return nil
}
func (nopPublisher) PublishReconcile(context.Context, q.ReconcileEvent) error { return nil }
