// Package notify fans incident notifications out to external channels.
package notify

import (
	"context"
	"sync"
	"time"
)

// IncidentEvent is the notification payload for an emitted incident.
type IncidentEvent struct {
	IncidentID string    `json:"incident_id"`
	DeviceID   string    `json:"device_id"`
	Severity   string    `json:"severity"`
	RuleName   string    `json:"rule_name"`
	Summary    string    `json:"summary"`
	Tactics    []string  `json:"tactics,omitempty"`
	Techniques []string  `json:"techniques,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier sends incident events to an external system.
type Notifier interface {
	Send(ctx context.Context, event IncidentEvent) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors; failures are logged but don't block evaluation.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, event IncidentEvent) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"incident", event.IncidentID,
				"device", event.DeviceID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
