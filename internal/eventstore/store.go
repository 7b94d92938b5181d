// Package eventstore persists accepted envelopes on the bus host. The store
// is append-oriented: envelopes are immutable once written, deduplicated by
// event_id, and indexed both by ingest order (for feed consumers) and by
// device and timestamp (for per-device queries).
package eventstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/amoskys/amoskys/internal/envelope"
)

var (
	bucketEvents      = []byte("events")       // event_id -> JSON record
	bucketIngestOrder = []byte("ingest_order") // 8-byte big-endian seq -> event_id
	bucketDeviceTime  = []byte("device_time")  // "{device}::{timestamp_ns %020d}::{event_id}" -> event_id
	bucketMeta        = []byte("meta")
)

var keyLastSeq = []byte("last_seq")

// StoredEvent is an accepted envelope plus its ingest metadata.
type StoredEvent struct {
	Seq        uint64             `json:"seq"`
	ReceivedAt time.Time          `json:"received_at"`
	Envelope   *envelope.Envelope `json:"envelope"`
}

type record struct {
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
	Wire       []byte    `json:"wire"`
}

// Store wraps a BoltDB database holding the event log.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the event database at path and ensures all
// required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketIngestOrder, bucketDeviceTime, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores an envelope. If an event with the same event_id already
// exists, the write is a no-op and inserted is false. Returns the ingest
// sequence number assigned (or already held) by the event.
func (s *Store) Put(e *envelope.Envelope, receivedAt time.Time) (inserted bool, seq uint64, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		key := []byte(e.EventID)

		if existing := events.Get(key); existing != nil {
			var rec record
			if err := json.Unmarshal(existing, &rec); err != nil {
				return fmt.Errorf("decode existing record: %w", err)
			}
			seq = rec.Seq
			return nil
		}

		meta := tx.Bucket(bucketMeta)
		seq = nextSeq(meta)
		if err := putSeq(meta, seq); err != nil {
			return err
		}

		rec := record{Seq: seq, ReceivedAt: receivedAt.UTC(), Wire: envelope.Marshal(e)}
		val, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := events.Put(key, val); err != nil {
			return err
		}

		if err := tx.Bucket(bucketIngestOrder).Put(seqKey(seq), key); err != nil {
			return err
		}

		// Zero-padded nanoseconds keep lexicographic order chronological.
		idx := []byte(fmt.Sprintf("%s::%020d::%s", e.SourceAgentID, e.TimestampNS, e.EventID))
		if err := tx.Bucket(bucketDeviceTime).Put(idx, key); err != nil {
			return err
		}

		inserted = true
		return nil
	})
	return inserted, seq, err
}

// Has reports whether an event with the given id is already stored.
func (s *Store) Has(eventID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketEvents).Get([]byte(eventID)) != nil
		return nil
	})
	return found, err
}

// Get returns the stored event with the given id, or nil if absent.
func (s *Store) Get(eventID string) (*StoredEvent, error) {
	var out *StoredEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketEvents).Get([]byte(eventID))
		if val == nil {
			return nil
		}
		ev, err := decodeRecord(val)
		if err != nil {
			return err
		}
		out = ev
		return nil
	})
	return out, err
}

// ListSince returns up to limit events with ingest sequence strictly
// greater than since, in ingest order. Feed consumers page through the log
// by passing the last sequence they saw.
func (s *Store) ListSince(since uint64, limit int) ([]StoredEvent, error) {
	var out []StoredEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		c := tx.Bucket(bucketIngestOrder).Cursor()
		for k, id := c.Seek(seqKey(since + 1)); k != nil; k, id = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			val := events.Get(id)
			if val == nil {
				return fmt.Errorf("ingest index points at missing event %q", id)
			}
			ev, err := decodeRecord(val)
			if err != nil {
				return err
			}
			out = append(out, *ev)
		}
		return nil
	})
	return out, err
}

// ListByDevice returns the device's events with event timestamps in
// [from, to], ordered by timestamp.
func (s *Store) ListByDevice(device string, from, to time.Time) ([]StoredEvent, error) {
	var out []StoredEvent
	prefix := []byte(device + "::")
	lo := []byte(fmt.Sprintf("%s::%020d", device, from.UnixNano()))
	// Exclusive bound one nanosecond past to, so every event_id suffix at
	// timestamp to still falls inside the range.
	hi := []byte(fmt.Sprintf("%s::%020d", device, to.UnixNano()+1))

	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		c := tx.Bucket(bucketDeviceTime).Cursor()
		for k, id := c.Seek(lo); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			if bytes.Compare(k, hi) >= 0 {
				break
			}
			val := events.Get(id)
			if val == nil {
				return fmt.Errorf("device index points at missing event %q", id)
			}
			ev, err := decodeRecord(val)
			if err != nil {
				return err
			}
			out = append(out, *ev)
		}
		return nil
	})
	return out, err
}

// LastSeq returns the highest ingest sequence assigned so far.
func (s *Store) LastSeq() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyLastSeq); len(v) == 8 {
			seq = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return seq, err
}

// Ping performs a write probe so readiness checks fail when the disk is
// full or the database is wedged.
func (s *Store) Ping() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte("probe"), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

func decodeRecord(val []byte) (*StoredEvent, error) {
	var rec record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	e, err := envelope.Unmarshal(rec.Wire)
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &StoredEvent{Seq: rec.Seq, ReceivedAt: rec.ReceivedAt, Envelope: e}, nil
}

func nextSeq(meta *bolt.Bucket) uint64 {
	if v := meta.Get(keyLastSeq); len(v) == 8 {
		return binary.BigEndian.Uint64(v) + 1
	}
	return 1
}

func putSeq(meta *bolt.Bucket, seq uint64) error {
	return meta.Put(keyLastSeq, seqKey(seq))
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
