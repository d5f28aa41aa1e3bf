// Package events fans out order lifecycle notifications. Publishing is best
// effort; failures are logged by callers and never block order flow.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	SubjectOrderStatus      = "orders.status"
	SubjectOrphanDetected   = "reconciliation.orphan"
	SubjectPositionMismatch = "reconciliation.position_mismatch"
	SubjectOverride         = "readiness.override"
	SubjectSliceBlocked     = "slices.blocked"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// Envelope wraps every published payload.
type Envelope struct {
	Subject string    `json:"subject"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

func encode(subject string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Subject: subject, At: time.Now().UTC(), Payload: payload})
}

type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }

// Memory records published events for tests.
type Memory struct {
	mu     sync.Mutex
	events []Envelope
}

func (m *Memory) Publish(_ context.Context, subject string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Envelope{Subject: subject, At: time.Now().UTC(), Payload: payload})
	return nil
}

func (m *Memory) Events(subject string) []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Envelope
	for _, e := range m.events {
		if subject == "" || e.Subject == subject {
			out = append(out, e)
		}
	}
	return out
}
