// Package amqp provides a delivery backend that hands messages to an AMQP
// exchange. Delivery is considered complete once the broker confirms the
// publish; consumption downstream is somebody else's problem.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/dispatch-go/contracts"
)

// Channel is the slice of *amqp.Channel the backend uses, extracted so tests
// can substitute a fake without a broker
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	IsClosed() bool
	Close() error
}

// Backend publishes messages to an AMQP exchange with publisher confirms
type Backend struct {
	mu         sync.Mutex
	channel    Channel
	confirms   chan amqp.Confirmation
	exchange   string
	routingKey string
	name       string
	confirmTTL time.Duration
	logger     *slog.Logger
}

// Option configures the AMQP backend
type Option func(*Backend)

// WithExchange sets the target exchange
func WithExchange(exchange string) Option {
	return func(b *Backend) {
		b.exchange = exchange
	}
}

// WithRoutingKey sets the routing key for published messages
func WithRoutingKey(key string) Option {
	return func(b *Backend) {
		b.routingKey = key
	}
}

// WithName overrides the backend name
func WithName(name string) Option {
	return func(b *Backend) {
		b.name = name
	}
}

// WithConfirmTimeout sets how long Send waits for the broker's confirm
func WithConfirmTimeout(d time.Duration) Option {
	return func(b *Backend) {
		b.confirmTTL = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// NewBackend creates an AMQP backend on an open channel and puts the channel
// into confirm mode
func NewBackend(channel Channel, opts ...Option) (*Backend, error) {
	if channel == nil {
		return nil, fmt.Errorf("channel cannot be nil")
	}

	b := &Backend{
		channel:    channel,
		exchange:   "dispatch.messages",
		routingKey: "message.send",
		name:       "amqp",
		confirmTTL: 5 * time.Second,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	if err := channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	b.confirms = channel.NotifyPublish(make(chan amqp.Confirmation, 1))

	return b, nil
}

// Name implements delivery.Backend
func (b *Backend) Name() string {
	return b.name
}

// Send implements delivery.Backend. The message is serialized to JSON and
// published persistently; Send blocks until the broker acks or the confirm
// timeout elapses.
func (b *Backend) Send(ctx context.Context, msg contracts.Message) (*contracts.DeliveryStatus, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message %s: %w", msg.ID, err)
	}

	publishing := amqp.Publishing{
		Headers: amqp.Table{
			"message-id": msg.ID,
			"recipient":  msg.Recipient,
			"sender":     msg.Sender,
		},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
		Body:         body,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.channel.PublishWithContext(ctx, b.exchange, b.routingKey, false, false, publishing); err != nil {
		return nil, fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
	}

	select {
	case confirm := <-b.confirms:
		if !confirm.Ack {
			return nil, fmt.Errorf("message %s was not acknowledged by broker", msg.ID)
		}
	case <-time.After(b.confirmTTL):
		return nil, fmt.Errorf("timeout waiting for publish confirmation of message %s", msg.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b.logger.Debug("message published", "messageId", msg.ID, "exchange", b.exchange, "routingKey", b.routingKey)

	return &contracts.DeliveryStatus{
		MessageID:   msg.ID,
		Status:      contracts.StatusSent,
		Backend:     b.name,
		Attempts:    1,
		LastAttempt: time.Now().UTC(),
	}, nil
}

// IsAvailable implements delivery.Backend
func (b *Backend) IsAvailable(ctx context.Context) (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channel != nil && !b.channel.IsClosed()
}

// Close closes the underlying channel
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channel == nil {
		return nil
	}
	err := b.channel.Close()
	b.channel = nil
	return err
}
