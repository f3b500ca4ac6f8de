// Package queue is the durable work-queue runtime. Tasks are dispatched over
// a RabbitMQ topic exchange with at-least-once delivery; handlers must be
// idempotent with respect to their job ID.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/psalmprax/ettametta/log"
)

const (
	Exchange     = "ettametta.tasks"
	ExchangeType = "topic"
)

// Task names used on the wire.
const (
	TaskDownloadAndProcess = "video.download_and_process"
	TaskScanTrends         = "discovery.scan_trends"
	TaskAutopilotPublish   = "optimization.autopilot_publish"
)

// TaskPayload is the wire envelope. JobID keys handler idempotency.
type TaskPayload struct {
	JobID    string                 `json:"job_id"`
	Niche    string                 `json:"niche,omitempty"`
	Source   string                 `json:"source,omitempty"`
	Platform string                 `json:"platform,omitempty"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

// Handler processes one delivery. A returned error is logged and the
// delivery acked; any job state change is the handler's own doing. By
// default there is no broker-side retry — the engine prefers explicit
// failure states over redelivery storms.
type Handler func(ctx context.Context, payload TaskPayload) error

// Broker wraps the AMQP connection.
type Broker struct {
	url  string
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewBroker(amqpURL string) (*Broker, error) {
	b := &Broker{url: amqpURL}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) connect() error {
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		b.conn, err = amqp.Dial(b.url)
		if err == nil {
			break
		}
		log.LogNoJobID("rabbitmq connection failed, retrying", "attempt", attempt, "err", err.Error())
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	if err != nil {
		return fmt.Errorf("rabbitmq connect after 10 attempts: %w", err)
	}

	b.ch, err = b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	return b.ch.ExchangeDeclare(
		Exchange,
		ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// Enqueue publishes a task durably.
func (b *Broker) Enqueue(ctx context.Context, task string, payload TaskPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.ch.PublishWithContext(ctx,
		Exchange,
		task,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Consume binds a durable queue to the task pattern and runs handler for
// every delivery. Failed handlers ack anyway: redelivering would only
// repeat the failure.
func (b *Broker) Consume(ctx context.Context, queueName, pattern string, handler Handler) error {
	q, err := b.ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if err := b.ch.QueueBind(q.Name, pattern, Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", queueName, pattern, err)
	}
	// one message at a time per worker; rendering is heavy
	if err := b.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := b.ch.Consume(
		q.Name,
		"",    // consumer tag
		false, // manual ack
		false, false, false, nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", q.Name)
			}
			b.handleDelivery(ctx, delivery, handler)
		}
	}
}

func (b *Broker) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler Handler) {
	var payload TaskPayload
	if err := json.Unmarshal(delivery.Body, &payload); err != nil {
		log.LogNoJobID("dropping malformed task payload", "routing_key", delivery.RoutingKey, "err", err.Error())
		_ = delivery.Nack(false, false)
		return
	}

	if err := handler(ctx, payload); err != nil {
		log.LogError(payload.JobID, "task handler failed", err, "task", delivery.RoutingKey)
	}
	if err := delivery.Ack(false); err != nil {
		log.LogError(payload.JobID, "failed to ack delivery", err, "task", delivery.RoutingKey)
	}
}

func (b *Broker) Close() {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
