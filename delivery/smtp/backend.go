// Package smtp provides a delivery backend that relays messages through an
// SMTP smarthost.
package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/glimte/dispatch-go/contracts"
)

// Backend relays messages to a fixed SMTP host
type Backend struct {
	host        string
	port        string
	heloName    string
	name        string
	dialTimeout time.Duration
	sendTimeout time.Duration
	logger      *slog.Logger

	// deliver is swapped out in tests
	deliver func(ctx context.Context, msg contracts.Message) error
}

// Option configures the SMTP backend
type Option func(*Backend)

// WithPort sets the relay port
func WithPort(port string) Option {
	return func(b *Backend) {
		b.port = port
	}
}

// WithHeloName sets the HELO/EHLO hostname
func WithHeloName(name string) Option {
	return func(b *Backend) {
		b.heloName = name
	}
}

// WithName overrides the backend name
func WithName(name string) Option {
	return func(b *Backend) {
		b.name = name
	}
}

// WithDialTimeout sets the TCP dial timeout
func WithDialTimeout(d time.Duration) Option {
	return func(b *Backend) {
		b.dialTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// NewBackend creates an SMTP relay backend for the given host
func NewBackend(host string, opts ...Option) (*Backend, error) {
	if host == "" {
		return nil, fmt.Errorf("relay host must be provided")
	}

	b := &Backend{
		host:        host,
		port:        "25",
		heloName:    "dispatch.local",
		name:        "smtp",
		dialTimeout: 30 * time.Second,
		sendTimeout: 2 * time.Minute,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.deliver == nil {
		b.deliver = b.relay
	}

	return b, nil
}

// Name implements delivery.Backend
func (b *Backend) Name() string {
	return b.name
}

// Send implements delivery.Backend
func (b *Backend) Send(ctx context.Context, msg contracts.Message) (*contracts.DeliveryStatus, error) {
	if err := b.deliver(ctx, msg); err != nil {
		return nil, fmt.Errorf("smtp delivery of message %s failed: %w", msg.ID, err)
	}

	b.logger.Debug("smtp message relayed", "messageId", msg.ID, "to", msg.Recipient, "host", b.host)

	return &contracts.DeliveryStatus{
		MessageID:   msg.ID,
		Status:      contracts.StatusSent,
		Backend:     b.name,
		Attempts:    1,
		LastAttempt: time.Now().UTC(),
	}, nil
}

// IsAvailable implements delivery.Backend by probing the relay's TCP port
func (b *Backend) IsAvailable(ctx context.Context) (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(b.host, b.port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// relay performs a full SMTP transaction with opportunistic STARTTLS
func (b *Backend) relay(ctx context.Context, msg contracts.Message) error {
	addr := net.JoinHostPort(b.host, b.port)
	dialer := &net.Dialer{Timeout: b.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(b.sendTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, b.host)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(b.heloName); err != nil {
		return fmt.Errorf("helo: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConf := &tls.Config{
			ServerName: b.host,
			MinVersion: tls.VersionTLS12,
		}
		// StartTLS re-issues EHLO over the encrypted connection itself
		if err := client.StartTLS(tlsConf); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if err := client.Mail(msg.Sender); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(msg.Recipient); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(formatMessage(msg)); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

// formatMessage renders a message as RFC 5322 text
func formatMessage(msg contracts.Message) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", msg.Sender)
	fmt.Fprintf(&sb, "To: %s\r\n", msg.Recipient)
	fmt.Fprintf(&sb, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&sb, "Message-ID: <%s>\r\n", msg.ID)
	fmt.Fprintf(&sb, "Date: %s\r\n", msg.CreatedAt.Format(time.RFC1123Z))
	sb.WriteString("\r\n")
	sb.WriteString(msg.Body)
	sb.WriteString("\r\n")
	return []byte(sb.String())
}
