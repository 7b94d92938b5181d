// Package wal implements the agent's write-ahead log: every observed event
// is made durable locally before any publish attempt, so bus outages and
// agent crashes never lose acknowledged-to-collector events. A separate
// publish loop drains the log in enqueue order.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/amoskys/amoskys/internal/config"
	"github.com/amoskys/amoskys/internal/envelope"
	"github.com/amoskys/amoskys/internal/logging"
	"github.com/amoskys/amoskys/internal/metrics"
)

var (
	bucketRecords    = []byte("records")     // 8-byte big-endian seq -> JSON record
	bucketDeadLetter = []byte("dead_letter") // 8-byte big-endian seq -> JSON dead record
	bucketMeta       = []byte("meta")
)

var keyLastSeq = []byte("last_seq")

// Record states.
const (
	StatePending        = "PENDING"
	StateInFlight       = "IN_FLIGHT"
	StateAckedPurgeable = "ACKED_PURGEABLE"
)

// purgeBatch is how many acked records may accumulate before a purge pass.
const purgeBatch = 256

// ErrFull is returned by Enqueue under the drop policy when the log is at
// its high-water mark.
var ErrFull = errors.New("wal is at high-water mark")

// Record is one durably logged event. NextAttemptAt carries the publish
// loop's backoff deadline across restarts; the zero value means the
// record is immediately eligible.
type Record struct {
	Seq           uint64    `json:"seq"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	Wire          []byte    `json:"wire"`
}

// DeadRecord is a record that was abandoned as unpublishable.
type DeadRecord struct {
	Record
	Reason string    `json:"reason"`
	DeadAt time.Time `json:"dead_at"`
}

// Options bound the log and select the behavior at the bound.
type Options struct {
	HighWaterBytes   int64
	HighWaterRecords int
	Backpressure     config.BackpressurePolicy
}

// WAL is a BoltDB-backed write-ahead log. Enqueue, NextReady, Ack, and
// Fail are safe for concurrent use; NextReady hands out records in strict
// enqueue order.
type WAL struct {
	db   *bolt.DB
	log  *logging.Logger
	opts Options

	mu      sync.Mutex
	space   *sync.Cond // signaled when depth or bytes shrink
	depth   int
	bytes   int64
	acked   int
	closed  bool
}

// Open creates or opens the log at path. Records left IN_FLIGHT by a
// crash are returned to PENDING so the publish loop retries them.
func Open(path string, opts Options, log *logging.Logger) (*WAL, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	w := &WAL{db: db, log: log, opts: opts}
	w.space = sync.NewCond(&w.mu)

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRecords, bucketDeadLetter, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		recovered := 0
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %x: %w", k, err)
			}
			if rec.State == StateInFlight {
				rec.State = StatePending
				val, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				if err := tx.Bucket(bucketRecords).Put(k, val); err != nil {
					return err
				}
				recovered++
			}
			if rec.State != StateAckedPurgeable {
				w.depth++
				w.bytes += int64(len(rec.Wire))
			} else {
				w.acked++
			}
		}
		if recovered > 0 {
			log.Info("recovered in-flight wal records", "count", recovered)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	w.publishGauges()
	return w, nil
}

// Close wakes any blocked Enqueue and closes the database.
func (w *WAL) Close() error {
	w.mu.Lock()
	w.closed = true
	w.space.Broadcast()
	w.mu.Unlock()
	return w.db.Close()
}

func (w *WAL) publishGauges() {
	metrics.WALDepth.Set(float64(w.depth))
	metrics.WALBytes.Set(float64(w.bytes))
}

func (w *WAL) atHighWater() bool {
	return w.depth >= w.opts.HighWaterRecords || w.bytes >= w.opts.HighWaterBytes
}

// Enqueue durably appends an envelope. At the high-water mark the block
// policy waits for the publish loop to free space; the drop policy drops
// the new event and returns ErrFull.
func (w *WAL) Enqueue(e *envelope.Envelope) error {
	wire := envelope.Marshal(e)

	w.mu.Lock()
	for w.atHighWater() && !w.closed {
		if w.opts.Backpressure == config.BackpressureDrop {
			w.mu.Unlock()
			metrics.WALDropped.Inc()
			w.log.Warn("wal at high-water mark, dropping event", "event_id", e.EventID)
			return ErrFull
		}
		w.space.Wait()
	}
	if w.closed {
		w.mu.Unlock()
		return errors.New("wal is closed")
	}
	w.depth++
	w.bytes += int64(len(wire))
	w.publishGauges()
	w.mu.Unlock()

	err := w.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		seq := nextSeq(meta)
		if err := meta.Put(keyLastSeq, seqKey(seq)); err != nil {
			return err
		}
		rec := Record{
			Seq:        seq,
			State:      StatePending,
			EnqueuedAt: time.Now().UTC(),
			Wire:       wire,
		}
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRecords).Put(seqKey(seq), val)
	})
	if err != nil {
		w.mu.Lock()
		w.depth--
		w.bytes -= int64(len(wire))
		w.publishGauges()
		w.space.Signal()
		w.mu.Unlock()
		return fmt.Errorf("wal append: %w", err)
	}
	return nil
}

// NextReady marks the lowest-sequence PENDING record IN_FLIGHT and
// returns it, or nil when nothing is ready.
func (w *WAL) NextReady() (*Record, error) {
	var out *Record
	err := w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %x: %w", k, err)
			}
			if rec.State != StatePending {
				continue
			}
			rec.State = StateInFlight
			rec.Attempts++
			val, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(k, val); err != nil {
				return err
			}
			out = &rec
			return nil
		}
		return nil
	})
	return out, err
}

// Ack marks a record purgeable and frees its space accounting. The record
// body is deleted lazily once enough acked records accumulate.
func (w *WAL) Ack(seq uint64) error {
	var freed int64
	err := w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		v := b.Get(seqKey(seq))
		if v == nil {
			return fmt.Errorf("ack unknown seq %d", seq)
		}
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		freed = int64(len(rec.Wire))
		rec.State = StateAckedPurgeable
		rec.Wire = nil
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), val)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.depth--
	w.bytes -= freed
	w.acked++
	needPurge := w.acked >= purgeBatch
	if needPurge {
		w.acked = 0
	}
	w.publishGauges()
	w.space.Signal()
	w.mu.Unlock()

	if needPurge {
		if err := w.purgeAcked(); err != nil {
			w.log.Warn("wal purge failed", "err", err)
		}
	}
	return nil
}

// Fail returns an in-flight record to PENDING when retryable, recording
// retryAt as its next-attempt deadline, or moves it to the dead-letter
// bucket when the failure is terminal.
func (w *WAL) Fail(seq uint64, retryable bool, reason string, retryAt time.Time) error {
	var freed int64
	err := w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		v := b.Get(seqKey(seq))
		if v == nil {
			return fmt.Errorf("fail unknown seq %d", seq)
		}
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		if retryable {
			rec.State = StatePending
			rec.NextAttemptAt = retryAt
			val, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			return b.Put(seqKey(seq), val)
		}

		freed = int64(len(rec.Wire))
		dead := DeadRecord{Record: rec, Reason: reason, DeadAt: time.Now().UTC()}
		val, err := json.Marshal(dead)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDeadLetter).Put(seqKey(seq), val); err != nil {
			return err
		}
		return b.Delete(seqKey(seq))
	})
	if err != nil {
		return err
	}

	if !retryable {
		metrics.DeadLetter.WithLabelValues(reason).Inc()
		w.mu.Lock()
		w.depth--
		w.bytes -= freed
		w.publishGauges()
		w.space.Signal()
		w.mu.Unlock()
	}
	return nil
}

// purgeAcked deletes all acked record bodies.
func (w *WAL) purgeAcked() error {
	return w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		c := b.Cursor()
		var purge [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.State == StateAckedPurgeable {
				purge = append(purge, append([]byte(nil), k...))
			}
		}
		for _, k := range purge {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Depth returns the number of records awaiting publish.
func (w *WAL) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.depth
}

// Bytes returns the approximate envelope bytes awaiting publish.
func (w *WAL) Bytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes
}

// DeadLetters returns all dead-lettered records in sequence order.
func (w *WAL) DeadLetters() ([]DeadRecord, error) {
	var out []DeadRecord
	err := w.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeadLetter).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dead DeadRecord
			if err := json.Unmarshal(v, &dead); err != nil {
				return err
			}
			out = append(out, dead)
		}
		return nil
	})
	return out, err
}

func nextSeq(meta *bolt.Bucket) uint64 {
	if v := meta.Get(keyLastSeq); len(v) == 8 {
		return binary.BigEndian.Uint64(v) + 1
	}
	return 1
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
