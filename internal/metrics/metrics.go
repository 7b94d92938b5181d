package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventBus ingest pipeline.
var (
	BusReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amoskys_bus_received_total",
		Help: "Total envelopes received by the bus, by ack status.",
	}, []string{"status"})
	BusInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amoskys_bus_inflight",
		Help: "Envelopes currently being processed by the bus.",
	})
	SignatureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amoskys_bus_signature_failures_total",
		Help: "Envelope signature verification failures by agent.",
	}, []string{"agent"})
	OverloadRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amoskys_bus_overload_rejections_total",
		Help: "Publish calls rejected by admission control.",
	})
	StoreLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "amoskys_bus_store_latency_seconds",
		Help:    "Latency of durable event store appends.",
		Buckets: prometheus.DefBuckets,
	})
	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amoskys_bus_dedup_hits_total",
		Help: "Publish calls answered from the dedup path without re-storing.",
	})
	ClockSkew = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amoskys_bus_clock_skew_total",
		Help: "Envelopes whose timestamp is outside the skew tolerance.",
	})
)

// Agent WAL and publish loop.
var (
	WALDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amoskys_agent_wal_depth",
		Help: "Records currently held in the agent WAL.",
	})
	WALBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amoskys_agent_wal_bytes",
		Help: "Approximate envelope bytes held in the agent WAL.",
	})
	WALDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amoskys_agent_wal_dropped_total",
		Help: "Events dropped at the WAL high-water mark (drop policy).",
	})
	PublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amoskys_agent_publish_attempts_total",
		Help: "Publish attempts by outcome (ok, retry, invalid, overload, error).",
	}, []string{"outcome"})
	PublishLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "amoskys_agent_publish_latency_seconds",
		Help:    "Latency of Publish RPCs as seen by the agent.",
		Buckets: prometheus.DefBuckets,
	})
	DeadLetter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amoskys_agent_dead_letter_total",
		Help: "WAL records routed to the dead-letter queue by reason.",
	}, []string{"reason"})
)

// Fusion engine.
var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amoskys_fusion_events_ingested_total",
		Help: "Events ingested into per-device windows by event type.",
	}, []string{"event_type"})
	RuleEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amoskys_fusion_rule_evaluations_total",
		Help: "Rule evaluations by rule name.",
	}, []string{"rule"})
	RuleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amoskys_fusion_rule_errors_total",
		Help: "Rule evaluation panics caught, by rule name.",
	}, []string{"rule"})
	IncidentsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amoskys_fusion_incidents_emitted_total",
		Help: "Incidents emitted by rule and severity.",
	}, []string{"rule", "severity"})
	WindowSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amoskys_fusion_window_size_events",
		Help: "Events currently held in each device window.",
	}, []string{"device"})
	WindowDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amoskys_fusion_window_dropped_total",
		Help: "Events dropped from device windows at the per-device cap.",
	})
	MailboxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amoskys_fusion_mailbox_dropped_total",
		Help: "Events dropped because the fusion ingest mailbox was full.",
	})
)
