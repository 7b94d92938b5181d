package fusion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/amoskys/amoskys/internal/clock"
	"github.com/amoskys/amoskys/internal/envelope"
	"github.com/amoskys/amoskys/internal/eventstore"
	"github.com/amoskys/amoskys/internal/logging"
)

// feedServer serves a fixed event log the way the bus read API does.
func feedServer(t *testing.T, events []eventstore.StoredEvent) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		var page []eventstore.StoredEvent
		for _, ev := range events {
			if ev.Seq <= since {
				continue
			}
			page = append(page, ev)
			if limit > 0 && len(page) >= limit {
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	}))
}

func storedSSH(seq uint64, id string, at, receivedAt time.Time) eventstore.StoredEvent {
	return eventstore.StoredEvent{
		Seq:        seq,
		ReceivedAt: receivedAt,
		Envelope: &envelope.Envelope{
			Version:       envelope.SchemaVersion,
			SourceAgentID: "d1",
			EventID:       id,
			TimestampNS:   uint64(at.UnixNano()),
			Security:      &envelope.SecurityEvent{AuthType: envelope.AuthSSH, Result: envelope.ResultFailure, User: "a", SourceIP: "203.0.113.1"},
		},
	}
}

func TestFeederReplayWarmsWindow(t *testing.T) {
	now := t0.Add(10 * time.Minute)
	events := []eventstore.StoredEvent{
		// Outside the replay window: skipped but still advances the cursor.
		storedSSH(1, "old", now.Add(-2*time.Hour), now.Add(-2*time.Hour)),
		storedSSH(2, "e2", t0, t0),
		storedSSH(3, "e3", t0.Add(time.Minute), t0.Add(time.Minute)),
	}
	srv := feedServer(t, events)
	defer srv.Close()

	clk := clock.NewFake(now)
	e := newTestEngine(t, clk, nil)
	f := NewFeeder(srv.URL, e, logging.New(false), clk)

	if err := f.Replay(context.Background(), 30*time.Minute); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n := len(e.devices["d1"].events); n != 2 {
		t.Fatalf("window size = %d, want 2", n)
	}
	if f.since != 3 {
		t.Fatalf("cursor = %d, want 3", f.since)
	}
}

func TestFeederRunIngestsNewEvents(t *testing.T) {
	now := t0.Add(10 * time.Minute)
	events := []eventstore.StoredEvent{
		storedSSH(1, "e1", t0, t0),
		storedSSH(2, "e2", t0.Add(time.Minute), t0.Add(time.Minute)),
	}
	srv := feedServer(t, events)
	defer srv.Close()

	clk := clock.NewFake(now)
	e := newTestEngine(t, clk, nil)
	f := NewFeeder(srv.URL, e, logging.New(false), clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(e.mailbox) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if n := len(e.mailbox); n != 2 {
		t.Fatalf("mailbox depth = %d, want 2", n)
	}
}

func TestFeederFlagsClockSkew(t *testing.T) {
	now := t0.Add(10 * time.Minute)
	clk := clock.NewFake(now)
	e := newTestEngine(t, clk, nil)
	f := NewFeeder("http://unused", e, logging.New(false), clk)

	// Agent timestamp 20 minutes behind the bus receive time.
	skewed := storedSSH(1, "e1", t0, t0.Add(20*time.Minute))
	v := f.toView(skewed)
	if v.Attributes["skewed"] != "true" {
		t.Fatalf("Attributes = %v, want skewed flag", v.Attributes)
	}

	clean := storedSSH(2, "e2", t0, t0.Add(time.Minute))
	v = f.toView(clean)
	if _, ok := v.Attributes["skewed"]; ok {
		t.Fatalf("clean event flagged skewed: %v", v.Attributes)
	}
}
