package wal

import (
	"context"
	"math/rand"
	"time"

	"github.com/amoskys/amoskys/internal/clock"
	"github.com/amoskys/amoskys/internal/envelope"
	"github.com/amoskys/amoskys/internal/logging"
	"github.com/amoskys/amoskys/internal/metrics"
)

// Sender publishes one envelope to the bus.
type Sender interface {
	Publish(ctx context.Context, e *envelope.Envelope) (*envelope.PublishAck, error)
}

// idlePoll is how long the publish loop sleeps when the log is empty.
const idlePoll = 250 * time.Millisecond

// overloadHoldoff is the minimum pause after an OVERLOAD ack, so a shedding
// bus is not hammered at the base retry delay.
const overloadHoldoff = 5 * time.Second

// backoff produces exponentially growing delays with full jitter:
// the sleep is uniform in [0, min(cap, base*factor^attempt)].
type backoff struct {
	base    time.Duration
	factor  float64
	cap     time.Duration
	attempt int
	rng     *rand.Rand
}

func newBackoff(base time.Duration, factor float64, cap time.Duration) *backoff {
	return &backoff{
		base:   base,
		factor: factor,
		cap:    cap,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns the next jittered delay and increments the attempt counter.
func (b *backoff) next() time.Duration {
	ceiling := float64(b.base)
	for i := 0; i < b.attempt; i++ {
		ceiling *= b.factor
		if ceiling >= float64(b.cap) {
			ceiling = float64(b.cap)
			break
		}
	}
	b.attempt++
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(b.rng.Int63n(int64(ceiling) + 1))
}

func (b *backoff) reset() {
	b.attempt = 0
}

// Publisher drains the log in sequence order, one envelope at a time, and
// applies the ack status: OK acks the record, RETRY and OVERLOAD return it
// for a later attempt, INVALID dead-letters it.
type Publisher struct {
	wal    *WAL
	sender Sender
	log    *logging.Logger
	clk    clock.Clock
	bo     *backoff
}

// NewPublisher wires a publish loop over wal using sender.
func NewPublisher(w *WAL, sender Sender, log *logging.Logger, clk clock.Clock, base time.Duration, factor float64, cap time.Duration) *Publisher {
	return &Publisher{
		wal:    w,
		sender: sender,
		log:    log,
		clk:    clk,
		bo:     newBackoff(base, factor, cap),
	}
}

// Run drains the log until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delay, err := p.Step(ctx)
		if err != nil {
			return err
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.clk.After(delay):
			}
		}
	}
}

// Step publishes at most one record and returns how long the loop should
// pause before the next step. Split out from Run so tests can drive the
// loop deterministically.
func (p *Publisher) Step(ctx context.Context) (time.Duration, error) {
	rec, err := p.wal.NextReady()
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return idlePoll, nil
	}

	e, err := envelope.Unmarshal(rec.Wire)
	if err != nil {
		// The log itself is corrupt for this record. Nothing the bus can
		// do; dead-letter it and move on.
		p.log.Error("undecodable wal record", "seq", rec.Seq, "err", err)
		metrics.PublishAttempts.WithLabelValues("error").Inc()
		return 0, p.wal.Fail(rec.Seq, false, "undecodable", time.Time{})
	}

	start := p.clk.Now()
	ack, err := p.sender.Publish(ctx, e)
	metrics.PublishLatency.Observe(p.clk.Since(start).Seconds())

	if err != nil {
		metrics.PublishAttempts.WithLabelValues("error").Inc()
		p.log.Warn("publish failed", "seq", rec.Seq, "event_id", e.EventID, "err", err)
		delay := p.bo.next()
		if failErr := p.wal.Fail(rec.Seq, true, "", p.clk.Now().Add(delay)); failErr != nil {
			return 0, failErr
		}
		return delay, nil
	}

	metrics.PublishAttempts.WithLabelValues(ack.Status.String()).Inc()
	switch ack.Status {
	case envelope.StatusOK:
		p.bo.reset()
		return 0, p.wal.Ack(rec.Seq)

	case envelope.StatusInvalid:
		// Terminal: the bus will never accept this envelope.
		p.log.Warn("envelope rejected as invalid", "seq", rec.Seq, "event_id", e.EventID, "detail", ack.Detail)
		p.bo.reset()
		return 0, p.wal.Fail(rec.Seq, false, "invalid", time.Time{})

	case envelope.StatusOverload:
		delay := p.bo.next()
		if delay < overloadHoldoff {
			delay = overloadHoldoff
		}
		if err := p.wal.Fail(rec.Seq, true, "", p.clk.Now().Add(delay)); err != nil {
			return 0, err
		}
		return delay, nil

	default: // StatusRetry and anything unknown
		delay := p.bo.next()
		if err := p.wal.Fail(rec.Seq, true, "", p.clk.Now().Add(delay)); err != nil {
			return 0, err
		}
		return delay, nil
	}
}
