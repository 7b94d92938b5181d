// Package envelope defines the signed event envelope exchanged between
// agents and the EventBus, its deterministic wire encoding, and the
// ed25519 signing primitives.
//
// The wire format is protobuf (see bus.proto) but the codec is
// hand-maintained over encoding/protowire: signatures are computed over
// the canonical serialization, which must be bit-exact on both sides.
// proto.Marshal does not guarantee map ordering, so the canonical codec
// emits fields in ascending field-number order, attribute entries in
// lexicographic key order, and integers at fixed width.
package envelope

import (
	"errors"
	"fmt"
)

// SchemaVersion is the envelope schema version this build understands.
const SchemaVersion = 1

// Payload variant identifiers, used for dispatch and metrics labels.
const (
	KindFlow     = "FLOW"
	KindProcess  = "PROCESS"
	KindSecurity = "SECURITY"
	KindAudit    = "AUDIT"
	KindMetric   = "METRIC"
)

// Envelope is the unit of transfer from agent to bus. Immutable once signed.
// Exactly one payload variant is set.
type Envelope struct {
	Version       uint32 `json:"version"`
	SourceAgentID string `json:"source_agent_id"`
	EventID       string `json:"event_id"`
	TimestampNS   uint64 `json:"timestamp_ns"`

	Flow     *FlowEvent     `json:"flow_event,omitempty"`
	Process  *ProcessEvent  `json:"process_event,omitempty"`
	Security *SecurityEvent `json:"security_event,omitempty"`
	Audit    *AuditEvent    `json:"audit_event,omitempty"`
	Metric   *MetricEvent   `json:"metric_event,omitempty"`

	Attributes map[string]string `json:"attributes,omitempty"`
	Signature  []byte            `json:"signature,omitempty"`
}

// FlowEvent describes a network flow observed by an agent.
type FlowEvent struct {
	SrcIP     string `json:"src_ip"`
	SrcPort   uint32 `json:"src_port"`
	DstIP     string `json:"dst_ip"`
	DstPort   uint32 `json:"dst_port"`
	Protocol  string `json:"protocol"`
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
}

// ProcessEvent describes a process start observed by an agent.
type ProcessEvent struct {
	PID            uint32 `json:"pid"`
	ExecutablePath string `json:"executable_path"`
	CommandLine    string `json:"command_line"`
	ParentPID      uint32 `json:"parent_pid"`
	User           string `json:"user"`
}

// SecurityEvent describes an authentication event (SSH login, sudo, ...).
type SecurityEvent struct {
	AuthType string `json:"auth_type"` // "SSH", "SUDO", ...
	Result   string `json:"result"`   // "SUCCESS" or "FAILURE"
	User     string `json:"user"`
	SourceIP string `json:"source_ip,omitempty"`
}

// AuditEvent describes a persistence artifact created, modified, or deleted.
type AuditEvent struct {
	Action     string `json:"action"`      // "CREATED", "MODIFIED", "DELETED"
	ObjectType string `json:"object_type"` // "LAUNCH_AGENT", "LAUNCH_DAEMON", "CRON", "SSH_KEYS"
	Path       string `json:"path"`
}

// MetricEvent carries a single sampled metric value.
type MetricEvent struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// SecurityEvent field values used by the fusion rules.
const (
	AuthSSH  = "SSH"
	AuthSudo = "SUDO"

	ResultSuccess = "SUCCESS"
	ResultFailure = "FAILURE"

	ActionCreated  = "CREATED"
	ActionModified = "MODIFIED"
	ActionDeleted  = "DELETED"

	ObjectLaunchAgent  = "LAUNCH_AGENT"
	ObjectLaunchDaemon = "LAUNCH_DAEMON"
	ObjectCron         = "CRON"
	ObjectSSHKeys      = "SSH_KEYS"
)

// PayloadKind returns the identifier of the set payload variant, or "" if
// none is set.
func (e *Envelope) PayloadKind() string {
	switch {
	case e.Flow != nil:
		return KindFlow
	case e.Process != nil:
		return KindProcess
	case e.Security != nil:
		return KindSecurity
	case e.Audit != nil:
		return KindAudit
	case e.Metric != nil:
		return KindMetric
	}
	return ""
}

func (e *Envelope) payloadCount() int {
	n := 0
	for _, set := range []bool{
		e.Flow != nil, e.Process != nil, e.Security != nil, e.Audit != nil, e.Metric != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Validate checks the structural invariants: supported schema version,
// required identifiers, and exactly one payload variant.
func (e *Envelope) Validate() error {
	var errs []error
	if e.Version != SchemaVersion {
		errs = append(errs, fmt.Errorf("unsupported schema version %d", e.Version))
	}
	if e.SourceAgentID == "" {
		errs = append(errs, errors.New("source_agent_id is required"))
	}
	if e.EventID == "" {
		errs = append(errs, errors.New("event_id is required"))
	}
	if e.TimestampNS == 0 {
		errs = append(errs, errors.New("timestamp_ns is required"))
	}
	if n := e.payloadCount(); n != 1 {
		errs = append(errs, fmt.Errorf("exactly one payload variant must be set, got %d", n))
	}
	return errors.Join(errs...)
}

// PublishStatus is the stable ack status enum driving agent retry logic.
type PublishStatus int32

const (
	StatusOK       PublishStatus = 0
	StatusRetry    PublishStatus = 1
	StatusInvalid  PublishStatus = 2
	StatusOverload PublishStatus = 3
)

// String returns the lower-case label used in logs and metrics.
func (s PublishStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRetry:
		return "retry"
	case StatusInvalid:
		return "invalid"
	case StatusOverload:
		return "overload"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// PublishAck is the bus's reply to a Publish call.
type PublishAck struct {
	Status PublishStatus `json:"status"`
	Detail string        `json:"detail,omitempty"`
}
