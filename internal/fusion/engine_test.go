package fusion

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/amoskys/amoskys/internal/clock"
	"github.com/amoskys/amoskys/internal/config"
	"github.com/amoskys/amoskys/internal/envelope"
	"github.com/amoskys/amoskys/internal/logging"
	"github.com/amoskys/amoskys/internal/notify"
)

type captureNotifier struct {
	events []notify.IncidentEvent
}

func (c *captureNotifier) Name() string { return "capture" }
func (c *captureNotifier) Send(_ context.Context, e notify.IncidentEvent) error {
	c.events = append(c.events, e)
	return nil
}

func testFusionConfig() *config.Fusion {
	return &config.Fusion{
		Window:       30 * time.Minute,
		EvalInterval: 30 * time.Second,
		DeviceCap:    1000,
		MailboxSize:  64,
	}
}

func newTestEngine(t *testing.T, clk clock.Clock, notifier *notify.Multi) *Engine {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "fusion.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewEngine(testFusionConfig(), logging.New(false), clk, store, notifier)
}

func TestEngineBruteForceScenario(t *testing.T) {
	clk := clock.NewFake(t0.Add(5 * time.Minute))
	capture := &captureNotifier{}
	e := newTestEngine(t, clk, notify.NewMulti(logging.New(false), capture))

	e.WarmStart(bruteForceEvents())
	incs, snap := e.Evaluate("d1")

	if len(incs) != 1 || incs[0].RuleName != "ssh_brute_force" {
		t.Fatalf("incidents = %+v, want one ssh_brute_force", incs)
	}
	if snap.Score != 60 || snap.Level != "MEDIUM" {
		t.Fatalf("risk = %d/%s, want 60/MEDIUM", snap.Score, snap.Level)
	}

	stored, err := e.store.GetIncident(incs[0].IncidentID)
	if err != nil || stored == nil {
		t.Fatalf("GetIncident = %v, %v", stored, err)
	}
	risk, err := e.DeviceRisk("d1")
	if err != nil || risk == nil || risk.Score != 60 {
		t.Fatalf("DeviceRisk = %+v, %v", risk, err)
	}
	if len(capture.events) != 1 || capture.events[0].Severity != IncidentHigh {
		t.Fatalf("notifications = %+v", capture.events)
	}
}

func TestEnginePersistenceScenario(t *testing.T) {
	clk := clock.NewFake(t0.Add(5 * time.Minute))
	e := newTestEngine(t, clk, nil)

	e.WarmStart([]TelemetryEventView{
		sshEvent("s1", t0, envelope.ResultSuccess, "alice", "198.51.100.7"),
		auditEvent("a1", t0.Add(2*time.Minute), envelope.ActionCreated,
			envelope.ObjectLaunchAgent, "/Users/alice/Library/LaunchAgents/com.x.plist"),
	})
	incs, snap := e.Evaluate("d1")

	if len(incs) != 1 || incs[0].RuleName != "persistence_after_auth" || incs[0].Severity != IncidentCritical {
		t.Fatalf("incidents = %+v", incs)
	}
	if snap.Score != 90 || snap.Level != "CRITICAL" {
		t.Fatalf("risk = %d/%s, want 90/CRITICAL", snap.Score, snap.Level)
	}
}

func TestEngineSuspiciousSudoScenario(t *testing.T) {
	clk := clock.NewFake(t0.Add(time.Minute))
	e := newTestEngine(t, clk, nil)

	e.WarmStart([]TelemetryEventView{sudoEvent("e1", t0, "mallory", "rm -rf /")})
	incs, snap := e.Evaluate("d1")

	if len(incs) != 1 || incs[0].RuleName != "suspicious_sudo" || incs[0].Severity != IncidentCritical {
		t.Fatalf("incidents = %+v", incs)
	}
	if snap.Score != 80 || snap.Level != "HIGH" {
		t.Fatalf("risk = %d/%s, want 80/HIGH", snap.Score, snap.Level)
	}
}

func TestEngineMultiTacticScenario(t *testing.T) {
	clk := clock.NewFake(t0.Add(12 * time.Minute))
	e := newTestEngine(t, clk, nil)

	e.WarmStart([]TelemetryEventView{
		processEvent("p1", t0, "/tmp/x"),
		flowEvent("n1", t0.Add(5*time.Minute), "198.51.100.9", 4444),
		auditEvent("a1", t0.Add(10*time.Minute), envelope.ActionCreated,
			envelope.ObjectLaunchAgent, "/Users/mallory/Library/LaunchAgents/com.p.plist"),
	})
	incs, snap := e.Evaluate("d1")

	if len(incs) != 1 || incs[0].RuleName != "multi_tactic_attack" || incs[0].Severity != IncidentCritical {
		t.Fatalf("incidents = %+v", incs)
	}
	// base + user launch agent + critical incident.
	if snap.Score != 75 || snap.Level != "HIGH" {
		t.Fatalf("risk = %d/%s, want 75/HIGH", snap.Score, snap.Level)
	}
}

func TestEngineIncidentEmittedOnce(t *testing.T) {
	clk := clock.NewFake(t0.Add(5 * time.Minute))
	e := newTestEngine(t, clk, nil)

	e.WarmStart(bruteForceEvents())
	first, _ := e.Evaluate("d1")
	second, _ := e.Evaluate("d1")
	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("emissions = %d then %d, want 1 then 0", len(first), len(second))
	}

	stored, err := e.RecentIncidents("d1", 0)
	if err != nil {
		t.Fatalf("RecentIncidents: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored incidents = %d, want 1", len(stored))
	}
}

func TestEngineSuppressionAcrossRestart(t *testing.T) {
	clk := clock.NewFake(t0.Add(5 * time.Minute))
	store, err := OpenStore(filepath.Join(t.TempDir(), "fusion.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()
	log := logging.New(false)

	e1 := NewEngine(testFusionConfig(), log, clk, store, nil)
	e1.WarmStart(bruteForceEvents())
	if incs, _ := e1.Evaluate("d1"); len(incs) != 1 {
		t.Fatalf("first run incidents = %d, want 1", len(incs))
	}

	// A fresh process replays the same window; the store suppresses
	// re-emission because the incident id is deterministic.
	e2 := NewEngine(testFusionConfig(), log, clk, store, nil)
	e2.WarmStart(bruteForceEvents())
	if incs, _ := e2.Evaluate("d1"); len(incs) != 0 {
		t.Fatalf("replayed incidents = %d, want 0", len(incs))
	}
}

func TestEngineWindowTrim(t *testing.T) {
	now := t0.Add(45 * time.Minute)
	clk := clock.NewFake(now)
	e := newTestEngine(t, clk, nil)

	// The whole brute-force chain sits 45 minutes in the past, outside
	// the 30-minute window.
	e.WarmStart(bruteForceEvents())
	incs, snap := e.Evaluate("d1")
	if len(incs) != 0 {
		t.Fatalf("incidents from expired events: %+v", incs)
	}
	if snap.Score != 0 || snap.Level != "LOW" {
		t.Fatalf("risk = %d/%s, want 0/LOW", snap.Score, snap.Level)
	}
	if n := len(e.devices["d1"].events); n != 0 {
		t.Fatalf("window size = %d after trim, want 0", n)
	}
}

func TestEngineRiskClamp(t *testing.T) {
	clk := clock.NewFake(t0.Add(12 * time.Minute))
	e := newTestEngine(t, clk, nil)

	events := bruteForceEvents()
	events = append(events,
		sudoEvent("c1", t0.Add(4*time.Minute), "mallory", "rm -rf /"),
		auditEvent("a1", t0.Add(5*time.Minute), envelope.ActionCreated,
			envelope.ObjectLaunchAgent, "/Users/m/Library/LaunchAgents/x.plist"),
		auditEvent("a2", t0.Add(6*time.Minute), envelope.ActionCreated,
			envelope.ObjectSSHKeys, "/Users/m/.ssh/authorized_keys"),
	)
	e.WarmStart(events)
	_, snap := e.Evaluate("d1")
	if snap.Score != 100 || snap.Level != "CRITICAL" {
		t.Fatalf("risk = %d/%s, want clamped 100/CRITICAL", snap.Score, snap.Level)
	}
}

func TestEngineRiskDecay(t *testing.T) {
	clk := clock.NewFake(t0.Add(time.Minute))
	e := newTestEngine(t, clk, nil)

	e.WarmStart([]TelemetryEventView{
		sshEvent("f1", t0, envelope.ResultFailure, "admin", "203.0.113.42"),
	})
	_, first := e.Evaluate("d1")
	if first.Score != 15 {
		t.Fatalf("initial score = %d, want 15", first.Score)
	}

	// 21 minutes later the event is still inside the window but the
	// device has been idle for two decay steps.
	clk.Advance(21 * time.Minute)
	_, second := e.Evaluate("d1")
	if second.Score != 0 {
		t.Fatalf("decayed score = %d, want 0", second.Score)
	}
	found := false
	for _, tag := range second.ReasonTags {
		if tag == "idle_decay_2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ReasonTags = %v, want idle_decay_2", second.ReasonTags)
	}
}

func TestEngineRulePanicIsolated(t *testing.T) {
	clk := clock.NewFake(t0.Add(5 * time.Minute))
	e := newTestEngine(t, clk, nil)
	e.rules = append([]Rule{{
		Name:     "boom",
		Evaluate: func(string, []TelemetryEventView) []Incident { panic("boom") },
	}}, e.rules...)

	e.WarmStart(bruteForceEvents())
	incs, _ := e.Evaluate("d1")
	if len(incs) != 1 || incs[0].RuleName != "ssh_brute_force" {
		t.Fatalf("incidents = %+v, want ssh_brute_force despite the panicking rule", incs)
	}
}

func TestEngineMailboxDrop(t *testing.T) {
	clk := clock.NewFake(t0)
	cfg := testFusionConfig()
	cfg.MailboxSize = 1
	store, err := OpenStore(filepath.Join(t.TempDir(), "fusion.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()
	e := NewEngine(cfg, logging.New(false), clk, store, nil)

	e.Ingest(sshEvent("e1", t0, envelope.ResultFailure, "a", "203.0.113.1"))
	e.Ingest(sshEvent("e2", t0, envelope.ResultFailure, "a", "203.0.113.1"))
	if n := len(e.mailbox); n != 1 {
		t.Fatalf("mailbox depth = %d, want 1 with the overflow dropped", n)
	}
}

func TestEngineRunTickEvaluates(t *testing.T) {
	clk := clock.NewFake(t0.Add(5 * time.Minute))
	e := newTestEngine(t, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	for _, v := range bruteForceEvents() {
		e.Ingest(v)
	}
	// Let the driver drain the mailbox, then fire ticks until the
	// incident lands in the store.
	deadline := time.Now().Add(2 * time.Second)
	for len(e.mailbox) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	var stored []Incident
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		clk.Advance(time.Minute)
		stored, _ = e.RecentIncidents("d1", 0)
		if len(stored) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if len(stored) != 1 || stored[0].RuleName != "ssh_brute_force" {
		t.Fatalf("stored incidents = %+v, want one ssh_brute_force", stored)
	}
}
