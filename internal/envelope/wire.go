package envelope

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers. Must stay in sync with bus.proto.
const (
	fldVersion    = 1
	fldSource     = 2
	fldEventID    = 3
	fldTimestamp  = 4
	fldFlow       = 5
	fldProcess    = 6
	fldSecurity   = 7
	fldAudit      = 8
	fldMetric     = 9
	fldAttributes = 10
	fldSignature  = 15
)

// Marshal returns the full wire encoding of the envelope, signature included.
func Marshal(e *Envelope) []byte {
	return appendEnvelope(nil, e, true)
}

// Canonical returns the deterministic signing serialization: the wire
// encoding with the signature field omitted. Both sides must produce
// identical bytes for identical envelopes.
func Canonical(e *Envelope) []byte {
	return appendEnvelope(nil, e, false)
}

func appendEnvelope(b []byte, e *Envelope, withSig bool) []byte {
	if e.Version != 0 {
		b = protowire.AppendTag(b, fldVersion, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, e.Version)
	}
	if e.SourceAgentID != "" {
		b = protowire.AppendTag(b, fldSource, protowire.BytesType)
		b = protowire.AppendString(b, e.SourceAgentID)
	}
	if e.EventID != "" {
		b = protowire.AppendTag(b, fldEventID, protowire.BytesType)
		b = protowire.AppendString(b, e.EventID)
	}
	if e.TimestampNS != 0 {
		b = protowire.AppendTag(b, fldTimestamp, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, e.TimestampNS)
	}
	if e.Flow != nil {
		b = protowire.AppendTag(b, fldFlow, protowire.BytesType)
		b = protowire.AppendBytes(b, appendFlow(nil, e.Flow))
	}
	if e.Process != nil {
		b = protowire.AppendTag(b, fldProcess, protowire.BytesType)
		b = protowire.AppendBytes(b, appendProcess(nil, e.Process))
	}
	if e.Security != nil {
		b = protowire.AppendTag(b, fldSecurity, protowire.BytesType)
		b = protowire.AppendBytes(b, appendSecurity(nil, e.Security))
	}
	if e.Audit != nil {
		b = protowire.AppendTag(b, fldAudit, protowire.BytesType)
		b = protowire.AppendBytes(b, appendAudit(nil, e.Audit))
	}
	if e.Metric != nil {
		b = protowire.AppendTag(b, fldMetric, protowire.BytesType)
		b = protowire.AppendBytes(b, appendMetric(nil, e.Metric))
	}
	if len(e.Attributes) > 0 {
		keys := make([]string, 0, len(e.Attributes))
		for k := range e.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var entry []byte
			entry = protowire.AppendTag(entry, 1, protowire.BytesType)
			entry = protowire.AppendString(entry, k)
			entry = protowire.AppendTag(entry, 2, protowire.BytesType)
			entry = protowire.AppendString(entry, e.Attributes[k])
			b = protowire.AppendTag(b, fldAttributes, protowire.BytesType)
			b = protowire.AppendBytes(b, entry)
		}
	}
	if withSig && len(e.Signature) > 0 {
		b = protowire.AppendTag(b, fldSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Signature)
	}
	return b
}

func appendFlow(b []byte, f *FlowEvent) []byte {
	b = appendStringField(b, 1, f.SrcIP)
	b = appendFixed32Field(b, 2, f.SrcPort)
	b = appendStringField(b, 3, f.DstIP)
	b = appendFixed32Field(b, 4, f.DstPort)
	b = appendStringField(b, 5, f.Protocol)
	b = appendFixed64Field(b, 6, f.BytesSent)
	b = appendFixed64Field(b, 7, f.BytesRecv)
	return b
}

func appendProcess(b []byte, p *ProcessEvent) []byte {
	b = appendFixed32Field(b, 1, p.PID)
	b = appendStringField(b, 2, p.ExecutablePath)
	b = appendStringField(b, 3, p.CommandLine)
	b = appendFixed32Field(b, 4, p.ParentPID)
	b = appendStringField(b, 5, p.User)
	return b
}

func appendSecurity(b []byte, s *SecurityEvent) []byte {
	b = appendStringField(b, 1, s.AuthType)
	b = appendStringField(b, 2, s.Result)
	b = appendStringField(b, 3, s.User)
	b = appendStringField(b, 4, s.SourceIP)
	return b
}

func appendAudit(b []byte, a *AuditEvent) []byte {
	b = appendStringField(b, 1, a.Action)
	b = appendStringField(b, 2, a.ObjectType)
	b = appendStringField(b, 3, a.Path)
	return b
}

func appendMetric(b []byte, m *MetricEvent) []byte {
	b = appendStringField(b, 1, m.Name)
	if m.Value != 0 {
		b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(m.Value))
	}
	b = appendStringField(b, 3, m.Unit)
	return b
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendFixed32Field(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendFixed64Field(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

// Unmarshal decodes a wire-encoded envelope. Unknown fields are rejected:
// the schema version gates compatibility, so stray fields indicate either
// corruption or a version mismatch the bus must not silently accept.
func Unmarshal(data []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fldVersion:
			v, n, err := consumeFixed32(data, typ)
			if err != nil {
				return nil, fmt.Errorf("version: %w", err)
			}
			e.Version = v
			data = data[n:]
		case fldSource:
			v, n, err := consumeString(data, typ)
			if err != nil {
				return nil, fmt.Errorf("source_agent_id: %w", err)
			}
			e.SourceAgentID = v
			data = data[n:]
		case fldEventID:
			v, n, err := consumeString(data, typ)
			if err != nil {
				return nil, fmt.Errorf("event_id: %w", err)
			}
			e.EventID = v
			data = data[n:]
		case fldTimestamp:
			v, n, err := consumeFixed64(data, typ)
			if err != nil {
				return nil, fmt.Errorf("timestamp_ns: %w", err)
			}
			e.TimestampNS = v
			data = data[n:]
		case fldFlow:
			body, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("flow_event: %w", err)
			}
			f, err := unmarshalFlow(body)
			if err != nil {
				return nil, fmt.Errorf("flow_event: %w", err)
			}
			e.Flow = f
			data = data[n:]
		case fldProcess:
			body, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("process_event: %w", err)
			}
			p, err := unmarshalProcess(body)
			if err != nil {
				return nil, fmt.Errorf("process_event: %w", err)
			}
			e.Process = p
			data = data[n:]
		case fldSecurity:
			body, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("security_event: %w", err)
			}
			s, err := unmarshalSecurity(body)
			if err != nil {
				return nil, fmt.Errorf("security_event: %w", err)
			}
			e.Security = s
			data = data[n:]
		case fldAudit:
			body, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("audit_event: %w", err)
			}
			a, err := unmarshalAudit(body)
			if err != nil {
				return nil, fmt.Errorf("audit_event: %w", err)
			}
			e.Audit = a
			data = data[n:]
		case fldMetric:
			body, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("metric_event: %w", err)
			}
			m, err := unmarshalMetric(body)
			if err != nil {
				return nil, fmt.Errorf("metric_event: %w", err)
			}
			e.Metric = m
			data = data[n:]
		case fldAttributes:
			body, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("attributes: %w", err)
			}
			k, v, err := unmarshalAttrEntry(body)
			if err != nil {
				return nil, fmt.Errorf("attributes: %w", err)
			}
			if e.Attributes == nil {
				e.Attributes = make(map[string]string)
			}
			e.Attributes[k] = v
			data = data[n:]
		case fldSignature:
			body, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("signature: %w", err)
			}
			e.Signature = append([]byte(nil), body...)
			data = data[n:]
		default:
			return nil, fmt.Errorf("unknown field %d", num)
		}
	}
	return e, nil
}

func unmarshalFlow(data []byte) (*FlowEvent, error) {
	f := &FlowEvent{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (int, error) {
		switch num {
		case 1:
			return setString(&f.SrcIP, body, typ)
		case 2:
			return setFixed32(&f.SrcPort, body, typ)
		case 3:
			return setString(&f.DstIP, body, typ)
		case 4:
			return setFixed32(&f.DstPort, body, typ)
		case 5:
			return setString(&f.Protocol, body, typ)
		case 6:
			return setFixed64(&f.BytesSent, body, typ)
		case 7:
			return setFixed64(&f.BytesRecv, body, typ)
		}
		return 0, fmt.Errorf("unknown field %d", num)
	})
	return f, err
}

func unmarshalProcess(data []byte) (*ProcessEvent, error) {
	p := &ProcessEvent{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (int, error) {
		switch num {
		case 1:
			return setFixed32(&p.PID, body, typ)
		case 2:
			return setString(&p.ExecutablePath, body, typ)
		case 3:
			return setString(&p.CommandLine, body, typ)
		case 4:
			return setFixed32(&p.ParentPID, body, typ)
		case 5:
			return setString(&p.User, body, typ)
		}
		return 0, fmt.Errorf("unknown field %d", num)
	})
	return p, err
}

func unmarshalSecurity(data []byte) (*SecurityEvent, error) {
	s := &SecurityEvent{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (int, error) {
		switch num {
		case 1:
			return setString(&s.AuthType, body, typ)
		case 2:
			return setString(&s.Result, body, typ)
		case 3:
			return setString(&s.User, body, typ)
		case 4:
			return setString(&s.SourceIP, body, typ)
		}
		return 0, fmt.Errorf("unknown field %d", num)
	})
	return s, err
}

func unmarshalAudit(data []byte) (*AuditEvent, error) {
	a := &AuditEvent{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (int, error) {
		switch num {
		case 1:
			return setString(&a.Action, body, typ)
		case 2:
			return setString(&a.ObjectType, body, typ)
		case 3:
			return setString(&a.Path, body, typ)
		}
		return 0, fmt.Errorf("unknown field %d", num)
	})
	return a, err
}

func unmarshalMetric(data []byte) (*MetricEvent, error) {
	m := &MetricEvent{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (int, error) {
		switch num {
		case 1:
			return setString(&m.Name, body, typ)
		case 2:
			var bits uint64
			n, err := setFixed64(&bits, body, typ)
			if err == nil {
				m.Value = math.Float64frombits(bits)
			}
			return n, err
		case 3:
			return setString(&m.Unit, body, typ)
		}
		return 0, fmt.Errorf("unknown field %d", num)
	})
	return m, err
}

func unmarshalAttrEntry(data []byte) (key, value string, err error) {
	err = walkFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (int, error) {
		switch num {
		case 1:
			return setString(&key, body, typ)
		case 2:
			return setString(&value, body, typ)
		}
		return 0, fmt.Errorf("unknown field %d", num)
	})
	return key, value, err
}

// walkFields iterates the fields of a sub-message, delegating value
// consumption to fn, which returns the number of bytes it consumed.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, body []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		consumed, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		data = data[consumed:]
	}
	return nil
}

func setString(dst *string, data []byte, typ protowire.Type) (int, error) {
	v, n, err := consumeString(data, typ)
	if err != nil {
		return 0, err
	}
	*dst = v
	return n, nil
}

func setFixed32(dst *uint32, data []byte, typ protowire.Type) (int, error) {
	v, n, err := consumeFixed32(data, typ)
	if err != nil {
		return 0, err
	}
	*dst = v
	return n, nil
}

func setFixed64(dst *uint64, data []byte, typ protowire.Type) (int, error) {
	v, n, err := consumeFixed64(data, typ)
	if err != nil {
		return 0, err
	}
	*dst = v
	return n, nil
}

func consumeString(data []byte, typ protowire.Type) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeString(data)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(data []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeFixed32(data []byte, typ protowire.Type) (uint32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, fmt.Errorf("wire type %d, want fixed32", typ)
	}
	v, n := protowire.ConsumeFixed32(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeFixed64(data []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, fmt.Errorf("wire type %d, want fixed64", typ)
	}
	v, n := protowire.ConsumeFixed64(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// PublishAck field numbers. Must stay in sync with bus.proto.
const (
	ackFldStatus = 1
	ackFldDetail = 2
)

// MarshalAck encodes a PublishAck.
func MarshalAck(a *PublishAck) []byte {
	var b []byte
	if a.Status != 0 {
		b = protowire.AppendTag(b, ackFldStatus, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(a.Status))
	}
	if a.Detail != "" {
		b = protowire.AppendTag(b, ackFldDetail, protowire.BytesType)
		b = protowire.AppendString(b, a.Detail)
	}
	return b
}

// UnmarshalAck decodes a PublishAck.
func UnmarshalAck(data []byte) (*PublishAck, error) {
	a := &PublishAck{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (int, error) {
		switch num {
		case ackFldStatus:
			var v uint32
			n, err := setFixed32(&v, body, typ)
			if err == nil {
				a.Status = PublishStatus(int32(v))
			}
			return n, err
		case ackFldDetail:
			return setString(&a.Detail, body, typ)
		}
		return 0, fmt.Errorf("unknown field %d", num)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}
