// Package broker forwards finished-job events to downstream consumers over RabbitMQ.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

// JobEvent is the message body published for a finished job.
type JobEvent struct {
	JobID    string           `json:"job_id"`
	JobType  string           `json:"job_type"`
	Status   models.JobStatus `json:"status"`
	WorkerID string           `json:"worker_id,omitempty"`
	Result   json.RawMessage  `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	At       time.Time        `json:"at"`
}

// RoutingKey returns job.<status> in lower case.
func (e JobEvent) RoutingKey() string {
	switch e.Status {
	case models.JobCompleted:
		return "job.completed"
	case models.JobFailed:
		return "job.failed"
	case models.JobCancelled:
		return "job.cancelled"
	}
	return "job.updated"
}

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes job events to a topic exchange.
type Publisher struct {
	mu       sync.Mutex
	channel  Channel
	exchange string

	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// Dial connects to RabbitMQ and declares the exchange.
func Dial(url, exchange string) (*Publisher, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return NewPublisher(ch, exchange), conn, nil
}

// NewPublisher wraps an open channel.
func NewPublisher(ch Channel, exchange string) *Publisher {
	return &Publisher{
		channel:   ch,
		exchange:  exchange,
		attempts:  5,
		baseDelay: 200 * time.Millisecond,
		maxDelay:  5 * time.Second,
	}
}

// Publish sends ev, retrying with capped exponential backoff.
func (p *Publisher) Publish(ctx context.Context, ev JobEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.JobID,
		Timestamp:    ev.At,
		Body:         body,
	}

	delay := p.baseDelay
	for attempt := 1; ; attempt++ {
		p.mu.Lock()
		err = p.channel.PublishWithContext(ctx, p.exchange, ev.RoutingKey(), false, false, msg)
		p.mu.Unlock()
		if err == nil {
			return nil
		}
		if attempt >= p.attempts {
			return fmt.Errorf("publish %s for job %s after %d attempts: %w", ev.RoutingKey(), ev.JobID, attempt, err)
		}
		log.Printf("⚠️ Publish %s for job %s failed (attempt %d): %v", ev.RoutingKey(), ev.JobID, attempt, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
}

// Close closes the channel.
func (p *Publisher) Close() error {
	return p.channel.Close()
}
