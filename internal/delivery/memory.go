package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/domain"
)

// MemorySender captures sends in memory and emits a sent event per
// variant-tagged message. Used by tests and dry-run tooling.
type MemorySender struct {
	mu     sync.Mutex
	sent   []Message
	events chan domain.EngagementEvent

	// FailFor makes sends to these addresses return the given error.
	failFor map[string]error
}

// NewMemorySender creates a sender with an engagement event buffer of
// the given size.
func NewMemorySender(eventBuffer int) *MemorySender {
	return &MemorySender{
		events:  make(chan domain.EngagementEvent, eventBuffer),
		failFor: make(map[string]error),
	}
}

// Events exposes the engagement stream for an outcome ingester.
func (m *MemorySender) Events() <-chan domain.EngagementEvent {
	return m.events
}

// FailWith makes future sends to addr fail with err.
func (m *MemorySender) FailWith(addr string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFor[addr] = err
}

func (m *MemorySender) Send(ctx context.Context, msg Message) (*SendResult, error) {
	m.mu.Lock()
	if err, ok := m.failFor[msg.Email]; ok {
		m.mu.Unlock()
		return nil, err
	}
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	if msg.VariantID != nil {
		select {
		case m.events <- domain.EngagementEvent{
			VariantID:    *msg.VariantID,
			SubscriberID: msg.SubscriberID,
			Type:         domain.OutcomeSent,
			OccurredAt:   time.Now(),
		}:
		default:
			// Buffer full; engagement events are advisory here.
		}
	}

	return &SendResult{MessageID: fmt.Sprintf("mem-%s", uuid.NewString()), SentAt: time.Now()}, nil
}

// Sent returns a copy of every captured message.
func (m *MemorySender) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
