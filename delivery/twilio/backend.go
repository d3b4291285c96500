// Package twilio provides a delivery backend that sends messages as SMS via
// the Twilio REST API.
package twilio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/glimte/dispatch-go/contracts"
)

// messageCreator is the slice of the Twilio API the backend uses; the real
// client satisfies it and tests substitute a fake
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Backend sends messages as SMS through Twilio
type Backend struct {
	api  messageCreator
	from string
	name string

	logger *slog.Logger
}

// Option configures the Twilio backend
type Option func(*Backend)

// WithName overrides the backend name
func WithName(name string) Option {
	return func(b *Backend) {
		b.name = name
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// withAPI injects a fake message API, for tests
func withAPI(api messageCreator) Option {
	return func(b *Backend) {
		b.api = api
	}
}

// NewBackend creates a Twilio SMS backend. accountSID and authToken
// authenticate against the REST API; from is the sending phone number.
func NewBackend(accountSID, authToken, from string, opts ...Option) (*Backend, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if from == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	b := &Backend{
		from:   from,
		name:   "twilio",
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.api == nil {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		})
		b.api = client.Api
	}

	return b, nil
}

// Name implements delivery.Backend
func (b *Backend) Name() string {
	return b.name
}

// Send implements delivery.Backend. The message recipient is the destination
// phone number; subject and body are folded into the SMS text.
func (b *Backend) Send(ctx context.Context, msg contracts.Message) (*contracts.DeliveryStatus, error) {
	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n" + msg.Body
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.Recipient)
	params.SetFrom(b.from)
	params.SetBody(text)

	if _, err := b.api.CreateMessage(params); err != nil {
		b.logger.Error("Twilio send failed", "messageId", msg.ID, "to", msg.Recipient, "error", err)
		return nil, fmt.Errorf("failed to send message %s to %s: %w", msg.ID, msg.Recipient, err)
	}

	b.logger.Debug("Twilio message sent", "messageId", msg.ID, "to", msg.Recipient)

	return &contracts.DeliveryStatus{
		MessageID:   msg.ID,
		Status:      contracts.StatusSent,
		Backend:     b.name,
		Attempts:    1,
		LastAttempt: time.Now().UTC(),
	}, nil
}

// IsAvailable implements delivery.Backend. The REST client holds no
// connection to probe, so availability reduces to having a configured API.
func (b *Backend) IsAvailable(ctx context.Context) (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()
	return b.api != nil
}
