package eventstore

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/amoskys/amoskys/internal/envelope"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEnvelope(device, id string, ts time.Time) *envelope.Envelope {
	return &envelope.Envelope{
		Version:       envelope.SchemaVersion,
		SourceAgentID: device,
		EventID:       id,
		TimestampNS:   uint64(ts.UnixNano()),
		Metric:        &envelope.MetricEvent{Name: "up", Value: 1},
	}
}

func TestPutAndGet(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	inserted, seq, err := s.Put(testEnvelope("dev-a", "evt-1", now), now)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !inserted || seq != 1 {
		t.Fatalf("Put = (%v, %d), want (true, 1)", inserted, seq)
	}

	got, err := s.Get("evt-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Envelope.SourceAgentID != "dev-a" || got.Seq != 1 {
		t.Fatalf("Get = %+v", got)
	}
	if !got.ReceivedAt.Equal(now) {
		t.Fatalf("ReceivedAt = %v, want %v", got.ReceivedAt, now)
	}

	if missing, err := s.Get("evt-nope"); err != nil || missing != nil {
		t.Fatalf("Get(missing) = (%+v, %v), want (nil, nil)", missing, err)
	}
}

func TestPutDeduplicates(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	e := testEnvelope("dev-a", "evt-1", now)

	if inserted, _, _ := s.Put(e, now); !inserted {
		t.Fatalf("first Put not inserted")
	}
	inserted, seq, err := s.Put(e, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate Put reported inserted")
	}
	if seq != 1 {
		t.Fatalf("duplicate Put seq = %d, want 1", seq)
	}

	has, err := s.Has("evt-1")
	if err != nil || !has {
		t.Fatalf("Has(evt-1) = (%v, %v), want (true, nil)", has, err)
	}

	last, _ := s.LastSeq()
	if last != 1 {
		t.Fatalf("LastSeq = %d after duplicate, want 1", last)
	}
}

func TestListSince(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	for i := 1; i <= 5; i++ {
		e := testEnvelope("dev-a", fmt.Sprintf("evt-%d", i), now.Add(time.Duration(i)*time.Second))
		if _, _, err := s.Put(e, now); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := s.ListSince(2, 2)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("ListSince(2, 2) = %+v", got)
	}

	rest, err := s.ListSince(4, 0)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(rest) != 1 || rest[0].Envelope.EventID != "evt-5" {
		t.Fatalf("ListSince(4, 0) = %+v", rest)
	}

	empty, err := s.ListSince(5, 0)
	if err != nil || len(empty) != 0 {
		t.Fatalf("ListSince(5, 0) = (%v, %v), want empty", empty, err)
	}
}

func TestListByDevice(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	puts := []struct {
		device string
		id     string
		at     time.Time
	}{
		{"dev-a", "a-early", base.Add(-time.Hour)},
		{"dev-a", "a-1", base},
		{"dev-a", "a-2", base.Add(10 * time.Minute)},
		{"dev-a", "a-late", base.Add(2 * time.Hour)},
		{"dev-b", "b-1", base.Add(5 * time.Minute)},
	}
	for _, p := range puts {
		if _, _, err := s.Put(testEnvelope(p.device, p.id, p.at), p.at); err != nil {
			t.Fatalf("Put %s: %v", p.id, err)
		}
	}

	got, err := s.ListByDevice("dev-a", base, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("ListByDevice: %v", err)
	}
	if len(got) != 2 || got[0].Envelope.EventID != "a-1" || got[1].Envelope.EventID != "a-2" {
		ids := make([]string, len(got))
		for i, ev := range got {
			ids[i] = ev.Envelope.EventID
		}
		t.Fatalf("ListByDevice = %v, want [a-1 a-2]", ids)
	}
}

func TestListByDeviceInclusiveBounds(t *testing.T) {
	s := testStore(t)
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if _, _, err := s.Put(testEnvelope("dev-a", "zebra", at), at); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.ListByDevice("dev-a", at, at)
	if err != nil {
		t.Fatalf("ListByDevice: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("event at exact range bound not returned")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")
	now := time.Now().UTC()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := s.Put(testEnvelope("dev-a", "evt-1", now), now); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	has, err := s2.Has("evt-1")
	if err != nil || !has {
		t.Fatalf("Has after reopen = (%v, %v)", has, err)
	}
	last, _ := s2.LastSeq()
	if last != 1 {
		t.Fatalf("LastSeq after reopen = %d, want 1", last)
	}
}

func TestPing(t *testing.T) {
	s := testStore(t)
	if err := s.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
