// The agent daemon reads collector events as JSON lines on stdin, signs
// them, makes them durable in the write-ahead log, and drains the log to
// the bus over mTLS gRPC.
package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amoskys/amoskys/internal/clock"
	"github.com/amoskys/amoskys/internal/config"
	"github.com/amoskys/amoskys/internal/envelope"
	"github.com/amoskys/amoskys/internal/logging"
	"github.com/amoskys/amoskys/internal/metrics"
	"github.com/amoskys/amoskys/internal/rpc"
	"github.com/amoskys/amoskys/internal/wal"
)

var version = "dev"

// textfileInterval is how often agent metrics are exported for
// node_exporter's textfile collector.
const textfileInterval = 30 * time.Second

func main() {
	cfg := config.LoadAgent()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("AMOSKYS Agent " + version)
	fmt.Println("=============================================")
	fmt.Printf("AMOSKYS_AGENT_ID=%s\n", cfg.AgentID)
	fmt.Printf("AMOSKYS_BUS_ADDR=%s\n", cfg.BusAddr)
	fmt.Printf("AMOSKYS_AGENT_WAL_PATH=%s\n", cfg.WALPath)
	fmt.Printf("AMOSKYS_AGENT_BACKPRESSURE=%s\n", cfg.Backpressure)
	fmt.Printf("AMOSKYS_AGENT_METRICS_LISTEN=%s\n", cfg.MetricsListen)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	key, err := envelope.LoadSigningKey(cfg.SigningKey)
	if err != nil {
		log.Error("failed to load signing key", "error", err)
		os.Exit(1)
	}

	w, err := wal.Open(cfg.WALPath, wal.Options{
		HighWaterBytes:   cfg.WALHighWaterBytes,
		HighWaterRecords: cfg.WALHighWaterRecords,
		Backpressure:     cfg.Backpressure,
	}, log)
	if err != nil {
		log.Error("failed to open wal", "error", err)
		os.Exit(1)
	}
	defer w.Close()

	creds, err := rpc.ClientTLS(cfg.TLSCA, cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		log.Error("client TLS setup failed", "error", err)
		os.Exit(1)
	}
	conn, err := rpc.Dial(cfg.BusAddr, creds)
	if err != nil {
		log.Error("failed to dial bus", "addr", cfg.BusAddr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	clk := clock.Real{}
	publisher := wal.NewPublisher(w, rpc.NewEventBusClient(conn), log.Component("publisher"), clk,
		cfg.RetryBase, cfg.RetryFactor, cfg.RetryCap)

	go serveMetrics(cfg.MetricsListen, log)
	if cfg.TextfilePath != "" {
		go exportTextfile(ctx, cfg.TextfilePath, log)
	}

	go func() {
		if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("publish loop exited with error", "error", err)
		}
	}()

	log.Info("agent started", "version", version, "agent_id", cfg.AgentID)
	if err := collect(ctx, w, key, cfg.AgentID, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("collector exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("agent shutdown complete")
}

// collect reads one JSON envelope per stdin line, fills in identity and
// timestamps, signs, and enqueues. The WAL enqueue is the durability
// point: a line is only consumed once it is on disk.
func collect(ctx context.Context, w *wal.WAL, key ed25519.PrivateKey, agentID string, log *logging.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e envelope.Envelope
		if err := json.Unmarshal(line, &e); err != nil {
			log.Warn("dropping undecodable collector line", "error", err)
			continue
		}
		e.Version = envelope.SchemaVersion
		e.SourceAgentID = agentID
		if e.EventID == "" {
			e.EventID = newEventID()
		}
		if e.TimestampNS == 0 {
			e.TimestampNS = uint64(time.Now().UnixNano())
		}
		if err := e.Validate(); err != nil {
			log.Warn("dropping invalid collector event", "event_id", e.EventID, "error", err)
			continue
		}
		envelope.Sign(&e, key)

		if err := w.Enqueue(&e); err != nil {
			if errors.Is(err, wal.ErrFull) {
				log.Warn("wal full, dropping event", "event_id", e.EventID)
				continue
			}
			return fmt.Errorf("wal enqueue: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

func newEventID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("evt-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func serveMetrics(addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	log.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server error", "error", err)
	}
}

func exportTextfile(ctx context.Context, path string, log *logging.Logger) {
	ticker := time.NewTicker(textfileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("textfile export failed", "path", path, "error", err)
			}
		}
	}
}
