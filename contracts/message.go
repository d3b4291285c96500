package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single dispatch request. It is created once per submission and
// never mutated; ID is globally unique and serves as the idempotency key.
type Message struct {
	ID        string            `json:"id"`
	Recipient string            `json:"recipient"`
	Sender    string            `json:"sender"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// NewMessage creates a new message with a generated ID and current timestamp
func NewMessage(recipient, sender, subject, body string, metadata map[string]string) Message {
	return Message{
		ID:        uuid.New().String(),
		Recipient: recipient,
		Sender:    sender,
		Subject:   subject,
		Body:      body,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
}

// Status describes where a message is in its delivery lifecycle
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// DeliveryStatus is the outcome of a dispatch attempt. It is produced by a
// backend or synthesized by the dispatcher on total failure, and is never
// mutated after being returned to the caller.
type DeliveryStatus struct {
	MessageID   string    `json:"messageId"`
	Status      Status    `json:"status"`
	Backend     string    `json:"backend"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"lastAttempt"`
	Error       string    `json:"error,omitempty"`
}
