// Package delivery is the message-delivery collaborator: it sends
// rendered messages and reports engagement as discrete events consumed
// by the A/B test engine.
package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is a rendered message bound to one recipient.
type Message struct {
	SubscriberID uuid.UUID
	Email        string
	FromName     string
	FromEmail    string
	Subject      string
	HTMLBody     string
	TextBody     string

	// VariantID is set for split-test sends so engagement can be
	// attributed back to the variant.
	VariantID *uuid.UUID
}

// SendResult reports one delivery attempt.
type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// Sender delivers a message to its recipient.
type Sender interface {
	Send(ctx context.Context, msg Message) (*SendResult, error)
}
