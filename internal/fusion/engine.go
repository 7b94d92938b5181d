package fusion

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/amoskys/amoskys/internal/clock"
	"github.com/amoskys/amoskys/internal/config"
	"github.com/amoskys/amoskys/internal/logging"
	"github.com/amoskys/amoskys/internal/metrics"
	"github.com/amoskys/amoskys/internal/notify"
)

// Engine drives correlation: a single goroutine owns all device windows,
// drains the ingest mailbox, and evaluates rules on a fixed schedule.
// Persistence runs on a separate writer goroutine so slow disks never
// stall evaluation.
type Engine struct {
	cfg      *config.Fusion
	log      *logging.Logger
	clk      clock.Clock
	store    *Store
	notifier *notify.Multi
	rules    []Rule

	mailbox   chan TelemetryEventView
	persistCh chan persistItem
	writerUp  atomic.Bool
	devices   map[string]*deviceState
	seen      map[string]struct{} // incident ids already emitted this process
}

type persistItem struct {
	incident *Incident
	risk     *DeviceRiskSnapshot
}

// NewEngine assembles an engine with the default rule list.
func NewEngine(cfg *config.Fusion, log *logging.Logger, clk clock.Clock, store *Store, notifier *notify.Multi) *Engine {
	return &Engine{
		cfg:       cfg,
		log:       log,
		clk:       clk,
		store:     store,
		notifier:  notifier,
		rules:     defaultRules(),
		mailbox:   make(chan TelemetryEventView, cfg.MailboxSize),
		persistCh: make(chan persistItem, cfg.MailboxSize),
		devices:   make(map[string]*deviceState),
	}
}

// Ingest hands an event to the driver. Never blocks: a full mailbox
// drops the event with a counter increment.
func (e *Engine) Ingest(v TelemetryEventView) {
	select {
	case e.mailbox <- v:
	default:
		metrics.MailboxDropped.Inc()
		e.log.Warn("fusion mailbox full, dropping event", "event_id", v.EventID, "device", v.DeviceID)
	}
}

// WarmStart seeds the device windows directly, bypassing the mailbox.
// Called before Run with the last window of events replayed from the
// event store; incidents those events already produced are suppressed by
// the append-only incident store.
func (e *Engine) WarmStart(views []TelemetryEventView) {
	now := e.clk.Now()
	for _, v := range views {
		e.addToWindow(v, now)
	}
	e.log.Info("fusion windows warmed", "events", len(views), "devices", len(e.devices))
}

// Run drives ingest and evaluation until ctx is cancelled. The tick
// schedule is a cron @every expression built from the eval interval.
func (e *Engine) Run(ctx context.Context) error {
	sched, err := cron.ParseStandard(fmt.Sprintf("@every %s", e.cfg.EvalInterval))
	if err != nil {
		return fmt.Errorf("parse eval schedule: %w", err)
	}

	writerDone := make(chan struct{})
	e.writerUp.Store(true)
	go e.persistWriter(writerDone)
	defer func() {
		e.writerUp.Store(false)
		close(e.persistCh)
		<-writerDone
	}()

	next := sched.Next(e.clk.Now())
	for {
		now := e.clk.Now()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-e.mailbox:
			e.addToWindow(v, now)
		case tickAt := <-e.clk.After(next.Sub(now)):
			e.tick(tickAt)
			next = sched.Next(tickAt)
		}
	}
}

func (e *Engine) addToWindow(v TelemetryEventView, now time.Time) {
	d := e.devices[v.DeviceID]
	if d == nil {
		d = newDeviceState(v.DeviceID)
		e.devices[v.DeviceID] = d
	}
	d.add(v, now, e.cfg.Window, e.cfg.DeviceCap)
	metrics.EventsIngested.WithLabelValues(string(v.EventType)).Inc()
}

// tick evaluates every device with activity since the previous tick.
func (e *Engine) tick(now time.Time) {
	for _, d := range e.devices {
		if !d.dirty {
			continue
		}
		e.evaluateDevice(d, now)
		d.dirty = false
	}
}

// Evaluate runs all rules against the device's current window and
// returns the incidents emitted this pass plus the fresh risk snapshot.
// Exposed for the read API and tests; Run calls it through tick.
func (e *Engine) Evaluate(device string) ([]Incident, DeviceRiskSnapshot) {
	d := e.devices[device]
	if d == nil {
		d = newDeviceState(device)
		e.devices[device] = d
	}
	return e.evaluateDevice(d, e.clk.Now())
}

func (e *Engine) evaluateDevice(d *deviceState, now time.Time) ([]Incident, DeviceRiskSnapshot) {
	d.trim(now, e.cfg.Window)

	var emitted []Incident
	for _, rule := range e.rules {
		metrics.RuleEvaluations.WithLabelValues(rule.Name).Inc()
		for _, inc := range e.runRule(rule, d) {
			if !e.isNew(inc.IncidentID) {
				continue
			}
			inc.CreatedAt = now
			emitted = append(emitted, inc)
		}
	}

	for i := range emitted {
		inc := emitted[i]
		metrics.IncidentsEmitted.WithLabelValues(inc.RuleName, inc.Severity).Inc()
		d.activeIncidents = append(d.activeIncidents, inc)
		e.persist(persistItem{incident: &emitted[i]})
		e.notifyIncident(inc)
	}

	snap := computeRisk(d, now)
	e.persist(persistItem{risk: &snap})
	return emitted, snap
}

// runRule evaluates one rule inside a catch-and-count boundary so a
// misbehaving rule cannot stop the tick.
func (e *Engine) runRule(rule Rule, d *deviceState) (out []Incident) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RuleErrors.WithLabelValues(rule.Name).Inc()
			e.log.Error("rule panicked", "rule", rule.Name, "device", d.id, "panic", fmt.Sprint(r))
			out = nil
		}
	}()
	return rule.Evaluate(d.id, d.events)
}

// isNew reports whether this incident id has not been emitted before,
// checking the in-process set first and the store for prior runs.
func (e *Engine) isNew(id string) bool {
	if e.seen == nil {
		e.seen = make(map[string]struct{})
	}
	if _, ok := e.seen[id]; ok {
		return false
	}
	if existing, err := e.store.GetIncident(id); err != nil {
		e.log.Warn("incident lookup failed", "incident_id", id, "err", err)
	} else if existing != nil {
		e.seen[id] = struct{}{}
		return false
	}
	e.seen[id] = struct{}{}
	return true
}

func (e *Engine) notifyIncident(inc Incident) {
	if e.notifier == nil {
		return
	}
	if inc.Severity != IncidentHigh && inc.Severity != IncidentCritical {
		return
	}
	e.notifier.Notify(context.Background(), notify.IncidentEvent{
		IncidentID: inc.IncidentID,
		DeviceID:   inc.DeviceID,
		Severity:   inc.Severity,
		RuleName:   inc.RuleName,
		Summary:    inc.Summary,
		Tactics:    inc.Tactics,
		Techniques: inc.Techniques,
		Timestamp:  inc.CreatedAt,
	})
}

// persist hands an item to the writer; without a running writer, or when
// the writer is backed up, the write happens inline so nothing is lost.
func (e *Engine) persist(item persistItem) {
	if !e.writerUp.Load() {
		e.writeItem(item)
		return
	}
	select {
	case e.persistCh <- item:
	default:
		e.writeItem(item)
	}
}

// persistWriter applies writes off the evaluation path. Failed writes
// stay in a backlog and are retried when the next item arrives.
func (e *Engine) persistWriter(done chan<- struct{}) {
	defer close(done)
	var backlog []persistItem
	for item := range e.persistCh {
		backlog = append(backlog, item)
		remaining := backlog[:0]
		for _, it := range backlog {
			if err := e.writeItem(it); err != nil {
				remaining = append(remaining, it)
			}
		}
		backlog = remaining
	}
	for _, it := range backlog {
		if err := e.writeItem(it); err != nil {
			e.log.Error("dropping unpersisted fusion state at shutdown", "err", err)
		}
	}
}

func (e *Engine) writeItem(item persistItem) error {
	switch {
	case item.incident != nil:
		if _, err := e.store.PutIncident(*item.incident); err != nil {
			e.log.Error("incident persist failed", "incident_id", item.incident.IncidentID, "err", err)
			return err
		}
	case item.risk != nil:
		if err := e.store.PutRisk(*item.risk); err != nil {
			e.log.Error("risk persist failed", "device", item.risk.DeviceID, "err", err)
			return err
		}
	}
	return nil
}

// RecentIncidents returns up to limit stored incidents, newest first.
func (e *Engine) RecentIncidents(device string, limit int) ([]Incident, error) {
	return e.store.RecentIncidents(device, limit)
}

// DeviceRisk returns the stored risk snapshot for a device.
func (e *Engine) DeviceRisk(device string) (*DeviceRiskSnapshot, error) {
	return e.store.DeviceRisk(device)
}
