// Package bus implements the EventBus ingest service: a mutually
// authenticated gRPC endpoint that validates, deduplicates, and durably
// stores signed agent envelopes before acknowledging them.
package bus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/amoskys/amoskys/internal/clock"
	"github.com/amoskys/amoskys/internal/config"
	"github.com/amoskys/amoskys/internal/envelope"
	"github.com/amoskys/amoskys/internal/events"
	"github.com/amoskys/amoskys/internal/eventstore"
	"github.com/amoskys/amoskys/internal/logging"
	"github.com/amoskys/amoskys/internal/metrics"
	"github.com/amoskys/amoskys/internal/rpc"
	"github.com/amoskys/amoskys/internal/trust"
)

// clockSkewTolerance is how far an envelope timestamp may sit from the
// bus clock before the envelope is flagged. Skewed envelopes are still
// accepted; agents own their clocks and the fusion engine orders by
// event timestamp regardless.
const clockSkewTolerance = 5 * time.Minute

// EventStore is the durable store accepted envelopes are appended to.
// *eventstore.Store implements it; tests substitute instrumented stores.
type EventStore interface {
	Has(eventID string) (bool, error)
	Put(e *envelope.Envelope, receivedAt time.Time) (inserted bool, seq uint64, err error)
	Ping() error
}

// Server is the EventBus Publish handler plus its admission state.
type Server struct {
	cfg      *config.Bus
	log      *logging.Logger
	store    EventStore
	trust    *trust.Store
	bus      *events.Bus
	clk      clock.Clock
	inflight *inflightSet
	overload atomic.Bool

	grpcServer *grpc.Server
}

// New assembles a Server. The events bus may be nil when no streaming
// consumers exist (tests, tooling).
func New(cfg *config.Bus, log *logging.Logger, store EventStore, ts *trust.Store, bus *events.Bus, clk clock.Clock) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		store:    store,
		trust:    ts,
		bus:      bus,
		clk:      clk,
		inflight: newInflightSet(cfg.MaxInflight),
	}
}

// SetOverload toggles the admission-control overload flag. While set,
// all Publish calls are answered with OVERLOAD before any processing.
func (s *Server) SetOverload(on bool) {
	s.overload.Store(on)
	s.log.Warn("overload flag changed", "overload", on)
}

// Ready reports whether the bus can currently accept and persist events.
func (s *Server) Ready() error {
	if s.overload.Load() {
		return fmt.Errorf("overload flag set")
	}
	if err := s.store.Ping(); err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	return nil
}

type peerIdentityKey struct{}

// WithPeerIdentity returns a context carrying an explicit peer agent id,
// bypassing TLS introspection. Test hook for exercising the pipeline
// without a live mTLS connection.
func WithPeerIdentity(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, peerIdentityKey{}, agentID)
}

// peerAgentID extracts the calling agent's identity: the CN of the leaf
// client certificate on the mTLS connection.
func peerAgentID(ctx context.Context) (agentID, certFingerprint string, err error) {
	if v, ok := ctx.Value(peerIdentityKey{}).(string); ok {
		return v, "", nil
	}
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "", "", fmt.Errorf("no peer on context")
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", "", fmt.Errorf("peer is not a TLS connection")
	}
	certs := tlsInfo.State.PeerCertificates
	if len(certs) == 0 {
		return "", "", fmt.Errorf("peer presented no certificate")
	}
	leaf := certs[0]
	sum := sha256.Sum256(leaf.Raw)
	return leaf.Subject.CommonName, hex.EncodeToString(sum[:]), nil
}

// Publish runs the ingest pipeline for one envelope: admission control
// first, then validation, identity, signature, dedup, and the durable
// append. INVALID envelopes are never persisted.
func (s *Server) Publish(ctx context.Context, e *envelope.Envelope) (*envelope.PublishAck, error) {
	ack := func(status envelope.PublishStatus, detail string) (*envelope.PublishAck, error) {
		metrics.BusReceived.WithLabelValues(status.String()).Inc()
		return &envelope.PublishAck{Status: status, Detail: detail}, nil
	}

	// 1. Admission, before any other work.
	if s.overload.Load() {
		metrics.OverloadRejections.Inc()
		return ack(envelope.StatusOverload, "bus is shedding load")
	}
	if s.inflight.len() >= s.cfg.MaxInflight {
		metrics.OverloadRejections.Inc()
		return ack(envelope.StatusOverload, "inflight limit reached")
	}

	// 2. Size guard and structural validation. The transport limit
	// catches oversized messages too, but the app-level check gives the
	// agent a terminal INVALID instead of a transport error it would retry.
	if size := len(envelope.Marshal(e)); size > s.cfg.MaxEnvelopeBytes {
		return ack(envelope.StatusInvalid, fmt.Sprintf("envelope is %d bytes, limit %d", size, s.cfg.MaxEnvelopeBytes))
	}
	if err := e.Validate(); err != nil {
		return ack(envelope.StatusInvalid, err.Error())
	}

	// 3. Transport identity must match the claimed source, and the source
	// must hold an unexpired trust map entry.
	agentID, fingerprint, err := peerAgentID(ctx)
	if err != nil {
		return ack(envelope.StatusInvalid, err.Error())
	}
	if agentID != e.SourceAgentID {
		s.log.Warn("source_agent_id does not match peer certificate",
			"claimed", e.SourceAgentID, "peer", agentID)
		return ack(envelope.StatusInvalid, "source_agent_id does not match peer identity")
	}
	entry, ok := s.trust.Current().Lookup(e.SourceAgentID)
	if !ok {
		return ack(envelope.StatusInvalid, "agent not in trust map")
	}
	if entry.Expired(s.clk.Now()) {
		return ack(envelope.StatusInvalid, "trust map entry expired")
	}
	if entry.CertFingerprint != "" && fingerprint != "" && entry.CertFingerprint != fingerprint {
		return ack(envelope.StatusInvalid, "certificate fingerprint mismatch")
	}

	// 4. Signature verification over the canonical serialization.
	if !envelope.Verify(e, entry.PublicKey) {
		metrics.SignatureFailures.WithLabelValues(e.SourceAgentID).Inc()
		s.log.Warn("signature verification failed", "agent", e.SourceAgentID, "event_id", e.EventID)
		return ack(envelope.StatusInvalid, "signature verification failed")
	}

	// 5. Dedup: a replayed event_id is acknowledged OK without a new write.
	if has, err := s.store.Has(e.EventID); err != nil {
		return ack(envelope.StatusRetry, fmt.Sprintf("store lookup: %v", err))
	} else if has {
		metrics.DedupHits.Inc()
		return ack(envelope.StatusOK, "duplicate")
	}

	// 6. Inflight insert. A concurrent insert of the same event_id is a
	// duplicate delivery and is acknowledged OK without a second append.
	switch s.inflight.tryAdd(e.EventID) {
	case admitFull:
		metrics.OverloadRejections.Inc()
		return ack(envelope.StatusOverload, "inflight limit reached")
	case admitDuplicate:
		metrics.DedupHits.Inc()
		return ack(envelope.StatusOK, "duplicate in flight")
	}
	metrics.BusInflight.Set(float64(s.inflight.len()))
	defer func() {
		s.inflight.remove(e.EventID)
		metrics.BusInflight.Set(float64(s.inflight.len()))
	}()

	// 7. Skew flagging and the durable append.
	now := s.clk.Now()
	eventTime := time.Unix(0, int64(e.TimestampNS))
	if d := now.Sub(eventTime); d > clockSkewTolerance || d < -clockSkewTolerance {
		metrics.ClockSkew.Inc()
		s.log.Warn("envelope timestamp outside skew tolerance",
			"agent", e.SourceAgentID, "event_id", e.EventID, "skew", d.String())
	}

	start := now
	inserted, seq, err := s.store.Put(e, now)
	metrics.StoreLatency.Observe(s.clk.Now().Sub(start).Seconds())
	if err != nil {
		s.log.Error("event store append failed", "event_id", e.EventID, "err", err)
		return ack(envelope.StatusRetry, fmt.Sprintf("store append: %v", err))
	}
	if !inserted {
		metrics.DedupHits.Inc()
		return ack(envelope.StatusOK, "duplicate")
	}

	if s.bus != nil {
		s.bus.Publish(eventstore.StoredEvent{Seq: seq, ReceivedAt: now, Envelope: e})
	}
	s.log.Debug("event accepted", "agent", e.SourceAgentID, "event_id", e.EventID, "seq", seq)
	return ack(envelope.StatusOK, "")
}

// Start serves the EventBus gRPC service on lis until Stop is called.
func (s *Server) Start(lis net.Listener) error {
	creds, err := rpc.ServerTLS(s.cfg.TLSCA, s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("server TLS: %w", err)
	}
	s.grpcServer = grpc.NewServer(
		grpc.Creds(creds),
		grpc.ForceServerCodec(rpc.Codec{}),
		grpc.MaxRecvMsgSize(s.cfg.MaxEnvelopeBytes+4096),
	)
	rpc.RegisterEventBusServer(s.grpcServer, s)
	s.log.Info("event bus listening", "addr", lis.Addr().String())
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}
