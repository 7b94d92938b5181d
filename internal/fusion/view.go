// Package fusion implements the per-device correlation engine: bounded
// sliding windows over normalized telemetry events, a fixed rule set that
// emits MITRE-labelled incidents, and decaying per-device risk scores.
package fusion

import (
	"time"

	"github.com/amoskys/amoskys/internal/envelope"
)

// EventType classifies a telemetry event for correlation.
type EventType string

const (
	TypeSecurity EventType = "SECURITY"
	TypeAudit    EventType = "AUDIT"
	TypeProcess  EventType = "PROCESS"
	TypeFlow     EventType = "FLOW"
	TypeMetric   EventType = "METRIC"
)

// Severity of a single event (incidents use the wider incident scale).
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityCritical Severity = "CRITICAL"
)

// TelemetryEventView is the normalized in-memory projection the rules
// evaluate. Views are immutable after construction; rules share them by
// reference and must not mutate them.
type TelemetryEventView struct {
	EventID   string
	DeviceID  string
	EventType EventType
	Severity  Severity
	Timestamp time.Time

	Security *envelope.SecurityEvent
	Audit    *envelope.AuditEvent
	Process  *envelope.ProcessEvent
	Flow     *envelope.FlowEvent
	Metric   *envelope.MetricEvent

	Attributes map[string]string
}

// FromEnvelope projects an envelope into the view the rules consume.
func FromEnvelope(e *envelope.Envelope) TelemetryEventView {
	v := TelemetryEventView{
		EventID:    e.EventID,
		DeviceID:   e.SourceAgentID,
		Timestamp:  time.Unix(0, int64(e.TimestampNS)).UTC(),
		Attributes: e.Attributes,
	}
	switch {
	case e.Security != nil:
		v.EventType = TypeSecurity
		v.Security = e.Security
		if e.Security.Result == envelope.ResultFailure {
			v.Severity = SeverityWarn
		} else {
			v.Severity = SeverityInfo
		}
	case e.Audit != nil:
		v.EventType = TypeAudit
		v.Audit = e.Audit
		v.Severity = SeverityWarn
	case e.Process != nil:
		v.EventType = TypeProcess
		v.Process = e.Process
		v.Severity = SeverityInfo
	case e.Flow != nil:
		v.EventType = TypeFlow
		v.Flow = e.Flow
		v.Severity = SeverityInfo
	case e.Metric != nil:
		v.EventType = TypeMetric
		v.Metric = e.Metric
		v.Severity = SeverityInfo
	}
	return v
}

// attr returns an attribute value, "" when absent.
func (v *TelemetryEventView) attr(key string) string {
	if v.Attributes == nil {
		return ""
	}
	return v.Attributes[key]
}

// sourceIP returns the event's source address from the typed body or the
// attribute fallback collectors use.
func (v *TelemetryEventView) sourceIP() string {
	if v.Security != nil && v.Security.SourceIP != "" {
		return v.Security.SourceIP
	}
	return v.attr("source_ip")
}
