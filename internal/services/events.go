package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const PurgeEventsExchange = "diary.purge"

// PurgeEvent reports what one owner's purge removed.
type PurgeEvent struct {
	OwnerID      string    `json:"owner_id"`
	DeletedCount int       `json:"deleted_count"`
	BlobCount    int       `json:"blob_count"`
	BlobFailures int       `json:"blob_failures"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

type EventPublisher interface {
	PublishPurge(ctx context.Context, ev PurgeEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishPurge(context.Context, PurgeEvent) error { return nil }

// AMQPPublisher publishes purge events as persistent JSON messages to a
// fanout exchange.
type AMQPPublisher struct {
	conn *amqp.Connection

	mu      sync.Mutex
	channel *amqp.Channel
}

func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(PurgeEventsExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPPublisher{conn: conn, channel: ch}, nil
}

func (p *AMQPPublisher) PublishPurge(ctx context.Context, ev PurgeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, PurgeEventsExchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
