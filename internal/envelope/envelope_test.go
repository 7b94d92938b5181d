package envelope

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		Version:       SchemaVersion,
		SourceAgentID: "agent-mbp-001",
		EventID:       "evt-0001",
		TimestampNS:   1724400000000000000,
		Security: &SecurityEvent{
			AuthType: AuthSSH,
			Result:   ResultFailure,
			User:     "root",
			SourceIP: "203.0.113.7",
		},
		Attributes: map[string]string{
			"host":   "mbp-001",
			"tenant": "lab",
		},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	in := sampleEnvelope()
	in.Signature = bytes.Repeat([]byte{0xAB}, ed25519.SignatureSize)

	out, err := Unmarshal(Marshal(in))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.SourceAgentID != in.SourceAgentID || out.EventID != in.EventID {
		t.Fatalf("identity fields = %q/%q, want %q/%q",
			out.SourceAgentID, out.EventID, in.SourceAgentID, in.EventID)
	}
	if out.TimestampNS != in.TimestampNS {
		t.Fatalf("TimestampNS = %d, want %d", out.TimestampNS, in.TimestampNS)
	}
	if out.Security == nil || *out.Security != *in.Security {
		t.Fatalf("Security = %+v, want %+v", out.Security, in.Security)
	}
	if out.Attributes["host"] != "mbp-001" || out.Attributes["tenant"] != "lab" {
		t.Fatalf("Attributes = %v", out.Attributes)
	}
	if !bytes.Equal(out.Signature, in.Signature) {
		t.Fatalf("Signature round trip mismatch")
	}
}

func TestMarshalRoundTripAllPayloads(t *testing.T) {
	cases := []struct {
		name string
		set  func(e *Envelope)
	}{
		{"flow", func(e *Envelope) {
			e.Security = nil
			e.Flow = &FlowEvent{SrcIP: "10.0.0.2", SrcPort: 53412, DstIP: "93.184.216.34", DstPort: 443, Protocol: "tcp", BytesSent: 1822, BytesRecv: 90412}
		}},
		{"process", func(e *Envelope) {
			e.Security = nil
			e.Process = &ProcessEvent{PID: 4471, ExecutablePath: "/usr/bin/sudo", CommandLine: "sudo launchctl load x.plist", ParentPID: 4470, User: "mallory"}
		}},
		{"audit", func(e *Envelope) {
			e.Security = nil
			e.Audit = &AuditEvent{Action: ActionCreated, ObjectType: ObjectLaunchDaemon, Path: "/Library/LaunchDaemons/com.x.plist"}
		}},
		{"metric", func(e *Envelope) {
			e.Security = nil
			e.Metric = &MetricEvent{Name: "cpu_load", Value: 1.25, Unit: "cores"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := sampleEnvelope()
			tc.set(in)
			out, err := Unmarshal(Marshal(in))
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got, want := out.PayloadKind(), in.PayloadKind(); got != want {
				t.Fatalf("PayloadKind = %q, want %q", got, want)
			}
			switch {
			case in.Flow != nil && *out.Flow != *in.Flow:
				t.Fatalf("Flow = %+v, want %+v", out.Flow, in.Flow)
			case in.Process != nil && *out.Process != *in.Process:
				t.Fatalf("Process = %+v, want %+v", out.Process, in.Process)
			case in.Audit != nil && *out.Audit != *in.Audit:
				t.Fatalf("Audit = %+v, want %+v", out.Audit, in.Audit)
			case in.Metric != nil && *out.Metric != *in.Metric:
				t.Fatalf("Metric = %+v, want %+v", out.Metric, in.Metric)
			}
		})
	}
}

func TestCanonicalIsDeterministic(t *testing.T) {
	a := sampleEnvelope()
	a.Attributes = map[string]string{"z_last": "1", "a_first": "2", "m_mid": "3"}

	// Same content, attributes inserted in a different order.
	b := sampleEnvelope()
	b.Attributes = map[string]string{}
	b.Attributes["m_mid"] = "3"
	b.Attributes["a_first"] = "2"
	b.Attributes["z_last"] = "1"

	for i := 0; i < 20; i++ {
		if !bytes.Equal(Canonical(a), Canonical(b)) {
			t.Fatalf("canonical encodings differ across attribute insertion order")
		}
	}
}

func TestCanonicalOmitsSignature(t *testing.T) {
	e := sampleEnvelope()
	before := Canonical(e)
	e.Signature = bytes.Repeat([]byte{0x11}, ed25519.SignatureSize)
	if !bytes.Equal(before, Canonical(e)) {
		t.Fatalf("signature leaked into canonical bytes")
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	e := sampleEnvelope()
	Sign(e, priv)
	if !Verify(e, pub) {
		t.Fatalf("Verify = false for freshly signed envelope")
	}

	// Any field mutation must invalidate the signature.
	e.Security.User = "admin"
	if Verify(e, pub) {
		t.Fatalf("Verify = true after payload tamper")
	}
	e.Security.User = "root"
	if !Verify(e, pub) {
		t.Fatalf("Verify = false after restoring payload")
	}
	e.Signature[0] ^= 0xFF
	if Verify(e, pub) {
		t.Fatalf("Verify = true after signature tamper")
	}
}

func TestVerifyWrongKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	e := sampleEnvelope()
	Sign(e, priv)
	if Verify(e, otherPub) {
		t.Fatalf("Verify = true under wrong public key")
	}
	if Verify(&Envelope{}, otherPub) {
		t.Fatalf("Verify = true for unsigned envelope")
	}
}

func TestSigningKeyFileRoundTrip(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	path := filepath.Join(t.TempDir(), "agent.key")
	if err := SaveSigningKey(path, priv); err != nil {
		t.Fatalf("SaveSigningKey: %v", err)
	}
	loaded, err := LoadSigningKey(path)
	if err != nil {
		t.Fatalf("LoadSigningKey: %v", err)
	}
	if !priv.Equal(loaded) {
		t.Fatalf("loaded key differs from saved key")
	}
}

func TestUnmarshalRejectsUnknownField(t *testing.T) {
	data := Marshal(sampleEnvelope())
	// Append field 20, varint 1: tag (20<<3)|0 = 0xA0 0x01, value 0x01.
	data = append(data, 0xA0, 0x01, 0x01)
	if _, err := Unmarshal(data); err == nil {
		t.Fatalf("Unmarshal accepted unknown field")
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	data := Marshal(sampleEnvelope())
	if _, err := Unmarshal(data[:len(data)-3]); err == nil {
		t.Fatalf("Unmarshal accepted truncated input")
	}
}

func TestValidate(t *testing.T) {
	if err := sampleEnvelope().Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	cases := []struct {
		name string
		mut  func(e *Envelope)
	}{
		{"bad version", func(e *Envelope) { e.Version = 99 }},
		{"missing agent id", func(e *Envelope) { e.SourceAgentID = "" }},
		{"missing event id", func(e *Envelope) { e.EventID = "" }},
		{"missing timestamp", func(e *Envelope) { e.TimestampNS = 0 }},
		{"no payload", func(e *Envelope) { e.Security = nil }},
		{"two payloads", func(e *Envelope) { e.Metric = &MetricEvent{Name: "x", Value: 1} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := sampleEnvelope()
			tc.mut(e)
			if err := e.Validate(); err == nil {
				t.Fatalf("Validate accepted %s", tc.name)
			}
		})
	}
}

func TestAckRoundTrip(t *testing.T) {
	in := &PublishAck{Status: StatusOverload, Detail: "inflight limit reached"}
	out, err := UnmarshalAck(MarshalAck(in))
	if err != nil {
		t.Fatalf("UnmarshalAck: %v", err)
	}
	if *out != *in {
		t.Fatalf("ack = %+v, want %+v", out, in)
	}
	if got := out.Status.String(); got != "overload" {
		t.Fatalf("Status.String() = %q, want %q", got, "overload")
	}
}
