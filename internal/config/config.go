// Package config loads AMOSKYS configuration from environment variables.
// Each daemon has its own config struct; Validate is called once at startup
// and any failure is fatal (missing TLS material, malformed values).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Bus holds EventBus daemon configuration.
type Bus struct {
	// Transport
	Listen  string
	TLSCA   string
	TLSCert string
	TLSKey  string

	// Admission
	MaxInflight      int
	MaxEnvelopeBytes int

	// Trust + storage
	TrustMapPath string
	StorePath    string

	// Observability
	MetricsListen string
	LogJSON       bool
}

// LoadBus reads EventBus configuration from environment variables with defaults.
func LoadBus() *Bus {
	return &Bus{
		Listen:           envStr("AMOSKYS_BUS_LISTEN", ":50051"),
		TLSCA:            envStr("AMOSKYS_BUS_TLS_CA", "/etc/amoskys/ca.pem"),
		TLSCert:          envStr("AMOSKYS_BUS_TLS_CERT", "/etc/amoskys/bus.pem"),
		TLSKey:           envStr("AMOSKYS_BUS_TLS_KEY", "/etc/amoskys/bus-key.pem"),
		MaxInflight:      envInt("AMOSKYS_BUS_MAX_INFLIGHT", 100),
		MaxEnvelopeBytes: envInt("AMOSKYS_BUS_MAX_ENVELOPE_BYTES", 256*1024),
		TrustMapPath:     envStr("AMOSKYS_TRUST_MAP", "/etc/amoskys/trust_map.yaml"),
		StorePath:        envStr("AMOSKYS_BUS_STORE_PATH", "/data/amoskys/events.db"),
		MetricsListen:    envStr("AMOSKYS_BUS_METRICS_LISTEN", ":9101"),
		LogJSON:          envBool("AMOSKYS_LOG_JSON", true),
	}
}

// Validate checks Bus configuration for invalid values.
func (c *Bus) Validate() error {
	var errs []error
	if c.MaxInflight <= 0 {
		errs = append(errs, fmt.Errorf("AMOSKYS_BUS_MAX_INFLIGHT must be > 0, got %d", c.MaxInflight))
	}
	if c.MaxEnvelopeBytes <= 0 {
		errs = append(errs, fmt.Errorf("AMOSKYS_BUS_MAX_ENVELOPE_BYTES must be > 0, got %d", c.MaxEnvelopeBytes))
	}
	for _, f := range []struct{ name, path string }{
		{"AMOSKYS_BUS_TLS_CA", c.TLSCA},
		{"AMOSKYS_BUS_TLS_CERT", c.TLSCert},
		{"AMOSKYS_BUS_TLS_KEY", c.TLSKey},
		{"AMOSKYS_TRUST_MAP", c.TrustMapPath},
	} {
		if _, err := os.Stat(f.path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		}
	}
	return errors.Join(errs...)
}

// BackpressurePolicy selects what enqueue does at the WAL high-water mark.
type BackpressurePolicy string

const (
	BackpressureBlock BackpressurePolicy = "block"
	BackpressureDrop  BackpressurePolicy = "drop"
)

// Agent holds agent daemon configuration.
type Agent struct {
	BusAddr string
	TLSCA   string
	TLSCert string
	TLSKey  string

	AgentID    string
	SigningKey string // path to ed25519 private key (PKCS#8 PEM)

	WALPath             string
	WALHighWaterBytes   int64
	WALHighWaterRecords int
	Backpressure        BackpressurePolicy

	RetryBase   time.Duration
	RetryFactor float64
	RetryCap    time.Duration

	MetricsListen string
	TextfilePath  string // optional node_exporter textfile target
	LogJSON       bool
}

// LoadAgent reads agent configuration from environment variables with defaults.
func LoadAgent() *Agent {
	return &Agent{
		BusAddr:             envStr("AMOSKYS_BUS_ADDR", "localhost:50051"),
		TLSCA:               envStr("AMOSKYS_AGENT_TLS_CA", "/etc/amoskys/ca.pem"),
		TLSCert:             envStr("AMOSKYS_AGENT_TLS_CERT", "/etc/amoskys/agent.pem"),
		TLSKey:              envStr("AMOSKYS_AGENT_TLS_KEY", "/etc/amoskys/agent-key.pem"),
		AgentID:             envStr("AMOSKYS_AGENT_ID", ""),
		SigningKey:          envStr("AMOSKYS_AGENT_SIGNING_KEY", "/etc/amoskys/agent-signing-key.pem"),
		WALPath:             envStr("AMOSKYS_AGENT_WAL_PATH", "/data/amoskys/wal.db"),
		WALHighWaterBytes:   envInt64("AMOSKYS_AGENT_WAL_HIGH_WATER_BYTES", 128*1024*1024),
		WALHighWaterRecords: envInt("AMOSKYS_AGENT_WAL_HIGH_WATER_RECORDS", 100000),
		Backpressure:        BackpressurePolicy(envStr("AMOSKYS_AGENT_BACKPRESSURE", "block")),
		RetryBase:           envDuration("AMOSKYS_AGENT_RETRY_BASE", 500*time.Millisecond),
		RetryFactor:         envFloat("AMOSKYS_AGENT_RETRY_FACTOR", 2.0),
		RetryCap:            envDuration("AMOSKYS_AGENT_RETRY_CAP", 60*time.Second),
		MetricsListen:       envStr("AMOSKYS_AGENT_METRICS_LISTEN", ":9102"),
		TextfilePath:        envStr("AMOSKYS_AGENT_TEXTFILE_PATH", ""),
		LogJSON:             envBool("AMOSKYS_LOG_JSON", true),
	}
}

// Validate checks Agent configuration for invalid values.
func (c *Agent) Validate() error {
	var errs []error
	if c.AgentID == "" {
		errs = append(errs, errors.New("AMOSKYS_AGENT_ID must be set"))
	}
	switch c.Backpressure {
	case BackpressureBlock, BackpressureDrop:
		// valid
	default:
		errs = append(errs, fmt.Errorf("AMOSKYS_AGENT_BACKPRESSURE must be block or drop, got %q", c.Backpressure))
	}
	if c.RetryBase <= 0 {
		errs = append(errs, fmt.Errorf("AMOSKYS_AGENT_RETRY_BASE must be > 0, got %s", c.RetryBase))
	}
	if c.RetryFactor < 1 {
		errs = append(errs, fmt.Errorf("AMOSKYS_AGENT_RETRY_FACTOR must be >= 1, got %g", c.RetryFactor))
	}
	if c.RetryCap < c.RetryBase {
		errs = append(errs, fmt.Errorf("AMOSKYS_AGENT_RETRY_CAP must be >= base, got %s", c.RetryCap))
	}
	if c.WALHighWaterRecords <= 0 {
		errs = append(errs, fmt.Errorf("AMOSKYS_AGENT_WAL_HIGH_WATER_RECORDS must be > 0, got %d", c.WALHighWaterRecords))
	}
	if c.WALHighWaterBytes <= 0 {
		errs = append(errs, fmt.Errorf("AMOSKYS_AGENT_WAL_HIGH_WATER_BYTES must be > 0, got %d", c.WALHighWaterBytes))
	}
	return errors.Join(errs...)
}

// Fusion holds fusion engine daemon configuration.
type Fusion struct {
	DBPath       string
	BusReadURL   string // base URL of the bus read API (event feed)
	Window       time.Duration
	EvalInterval time.Duration
	DeviceCap    int
	MailboxSize  int

	MetricsListen string
	LogJSON       bool

	// Incident notifications (optional).
	WebhookURL   string
	MQTTBroker   string
	MQTTTopic    string
	MQTTUsername string
	MQTTPassword string
}

// LoadFusion reads fusion configuration from environment variables with defaults.
func LoadFusion() *Fusion {
	return &Fusion{
		DBPath:        envStr("AMOSKYS_FUSION_DB_PATH", "/data/amoskys/fusion.db"),
		BusReadURL:    envStr("AMOSKYS_FUSION_BUS_READ_URL", "http://localhost:9101"),
		Window:        time.Duration(envInt("AMOSKYS_FUSION_WINDOW_MINUTES", 30)) * time.Minute,
		EvalInterval:  envDuration("AMOSKYS_FUSION_EVAL_INTERVAL", 60*time.Second),
		DeviceCap:     envInt("AMOSKYS_FUSION_DEVICE_CAP", 10000),
		MailboxSize:   envInt("AMOSKYS_FUSION_MAILBOX_SIZE", 4096),
		MetricsListen: envStr("AMOSKYS_FUSION_METRICS_LISTEN", ":9103"),
		LogJSON:       envBool("AMOSKYS_LOG_JSON", true),
		WebhookURL:    envStr("AMOSKYS_FUSION_WEBHOOK_URL", ""),
		MQTTBroker:    envStr("AMOSKYS_FUSION_MQTT_BROKER", ""),
		MQTTTopic:     envStr("AMOSKYS_FUSION_MQTT_TOPIC", "amoskys/incidents"),
		MQTTUsername:  envStr("AMOSKYS_FUSION_MQTT_USERNAME", ""),
		MQTTPassword:  envStr("AMOSKYS_FUSION_MQTT_PASSWORD", ""),
	}
}

// Validate checks Fusion configuration for invalid values.
func (c *Fusion) Validate() error {
	var errs []error
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("AMOSKYS_FUSION_WINDOW_MINUTES must be > 0, got %s", c.Window))
	}
	if c.EvalInterval <= 0 {
		errs = append(errs, fmt.Errorf("AMOSKYS_FUSION_EVAL_INTERVAL must be > 0, got %s", c.EvalInterval))
	}
	if c.DeviceCap <= 0 {
		errs = append(errs, fmt.Errorf("AMOSKYS_FUSION_DEVICE_CAP must be > 0, got %d", c.DeviceCap))
	}
	if c.MailboxSize <= 0 {
		errs = append(errs, fmt.Errorf("AMOSKYS_FUSION_MAILBOX_SIZE must be > 0, got %d", c.MailboxSize))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
