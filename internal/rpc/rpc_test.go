package rpc

import (
	"testing"

	"github.com/amoskys/amoskys/internal/envelope"
)

func TestCodecEnvelope(t *testing.T) {
	in := &envelope.Envelope{
		Version:       envelope.SchemaVersion,
		SourceAgentID: "agent-a",
		EventID:       "evt-1",
		TimestampNS:   42,
		Metric:        &envelope.MetricEvent{Name: "up", Value: 1},
	}
	data, err := Codec{}.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out := new(envelope.Envelope)
	if err := (Codec{}).Unmarshal(data, out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.EventID != "evt-1" || out.Metric == nil || out.Metric.Value != 1 {
		t.Fatalf("decoded envelope = %+v", out)
	}
}

func TestCodecAck(t *testing.T) {
	data, err := Codec{}.Marshal(&envelope.PublishAck{Status: envelope.StatusRetry, Detail: "store busy"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out := new(envelope.PublishAck)
	if err := (Codec{}).Unmarshal(data, out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Status != envelope.StatusRetry || out.Detail != "store busy" {
		t.Fatalf("decoded ack = %+v", out)
	}
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	if _, err := (Codec{}).Marshal("not a message"); err == nil {
		t.Fatalf("Marshal accepted a string")
	}
	var s string
	if err := (Codec{}).Unmarshal(nil, &s); err == nil {
		t.Fatalf("Unmarshal accepted a *string")
	}
}
