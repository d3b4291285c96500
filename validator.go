package dispatch

import (
	"fmt"
	"strings"
)

// Validator checks the shape of submission inputs before a message is minted.
// The dispatcher treats it as an external collaborator; the default only
// enforces the minimal shape the engine itself depends on.
type Validator interface {
	Validate(recipient, sender, subject, body string) error
}

// ValidationError reports a rejected submission input
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidatorFunc adapts a function to the Validator interface
type ValidatorFunc func(recipient, sender, subject, body string) error

func (f ValidatorFunc) Validate(recipient, sender, subject, body string) error {
	return f(recipient, sender, subject, body)
}

type shapeValidator struct{}

// NewShapeValidator returns the default validator: recipient and sender must
// be non-empty, and the message must carry a subject or a body.
func NewShapeValidator() Validator {
	return shapeValidator{}
}

func (shapeValidator) Validate(recipient, sender, subject, body string) error {
	if strings.TrimSpace(recipient) == "" {
		return &ValidationError{Field: "recipient", Reason: "must not be empty"}
	}
	if strings.TrimSpace(sender) == "" {
		return &ValidationError{Field: "sender", Reason: "must not be empty"}
	}
	if strings.TrimSpace(subject) == "" && strings.TrimSpace(body) == "" {
		return &ValidationError{Field: "body", Reason: "subject and body must not both be empty"}
	}
	return nil
}
