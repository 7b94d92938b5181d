package notify

import (
	"context"
	"strings"
)

// LogNotifier writes every incident as a structured log line. It is
// always enabled and serves as a guaranteed notification record.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier creates a notifier that logs incidents using structured logging.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name returns the provider name for logging.
func (l *LogNotifier) Name() string { return "log" }

// Send writes the incident fields as structured key-value pairs at Info level.
func (l *LogNotifier) Send(_ context.Context, event IncidentEvent) error {
	l.log.Info("incident",
		"incident_id", event.IncidentID,
		"device", event.DeviceID,
		"severity", event.Severity,
		"rule", event.RuleName,
		"tactics", strings.Join(event.Tactics, ","),
		"techniques", strings.Join(event.Techniques, ","),
		"summary", event.Summary,
	)
	return nil
}
