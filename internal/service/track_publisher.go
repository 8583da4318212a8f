// Package service holds outbound integrations used by the tracker.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	q "github.com/iliyamo/hajj-portal/internal/queue"
)

// TrackPublisher publishes TrackCompletedEvent messages to RabbitMQ.  A
// publisher with an empty URL is disabled and drops every event.
type TrackPublisher struct {
	URL    string
	Queue  string
	Logger *slog.Logger
}

// NewTrackPublisher returns a publisher for url.  An empty queue name
// selects the default track.completed queue.
func NewTrackPublisher(url, queue string, logger *slog.Logger) *TrackPublisher {
	if queue == "" {
		queue = q.TrackCompletedQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackPublisher{URL: url, Queue: queue, Logger: logger}
}

// Enabled reports whether a broker is configured.
func (p *TrackPublisher) Enabled() bool { return p != nil && p.URL != "" }

// PublishTrackCompleted sends event to the queue as a persistent message.
// Errors are logged and returned so callers can choose to ignore them; the
// archive itself has already committed.
func (p *TrackPublisher) PublishTrackCompleted(ctx context.Context, event q.TrackCompletedEvent) error {
	if !p.Enabled() {
		return nil
	}
	conn, err := amqp.Dial(p.URL)
	if err != nil {
		p.Logger.Warn("rabbitmq: dial failed", "err", err)
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.Logger.Warn("rabbitmq: channel open failed", "err", err)
		return err
	}
	defer func() { _ = ch.Close() }()

	// Ensure the queue exists (idempotent). Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(
		p.Queue, // name
		true,    // durable
		false,   // autoDelete
		false,   // exclusive
		false,   // noWait
		nil,     // args
	); err != nil {
		p.Logger.Warn("rabbitmq: queue declare failed", "err", err)
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.Queue, false, false, pub); err != nil {
		p.Logger.Warn("rabbitmq: publish failed", "err", err)
		return err
	}
	return nil
}
