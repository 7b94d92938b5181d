package fusion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIncidents     = []byte("incidents")      // incident_id -> JSON
	bucketIncidentTime  = []byte("incident_time")  // "{device}::{created_at ns %020d}::{incident_id}" -> incident_id
	bucketIncidentOrder = []byte("incident_order") // "{created_at ns %020d}::{incident_id}" -> incident_id
	bucketDeviceRisk    = []byte("device_risk")    // device_id -> JSON
	bucketMeta          = []byte("meta")
)

// Store persists incidents (append-only) and device risk snapshots
// (latest wins) in a BoltDB database.
type Store struct {
	db *bolt.DB
}

// OpenStore creates or opens the fusion database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketIncidents, bucketIncidentTime, bucketIncidentOrder, bucketDeviceRisk, bucketMeta} {
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

// Ping performs a write probe so readiness checks fail when the disk is
// full or the database is wedged.
func (s *Store) Ping() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte("probe"), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

// PutIncident appends an incident. An existing incident_id makes the
// write a no-op and returns inserted=false; incidents are never mutated.
func (s *Store) PutIncident(inc Incident) (inserted bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIncidents)
		key := []byte(inc.IncidentID)
		if b.Get(key) != nil {
			return nil
		}
		val, err := json.Marshal(inc)
		if err != nil {
			return err
		}
		if err := b.Put(key, val); err != nil {
			return err
		}
		idx := []byte(fmt.Sprintf("%s::%020d::%s", inc.DeviceID, inc.CreatedAt.UnixNano(), inc.IncidentID))
		if err := tx.Bucket(bucketIncidentTime).Put(idx, key); err != nil {
			return err
		}
		ord := []byte(fmt.Sprintf("%020d::%s", inc.CreatedAt.UnixNano(), inc.IncidentID))
		if err := tx.Bucket(bucketIncidentOrder).Put(ord, key); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// GetIncident returns the incident with the given id, or nil.
func (s *Store) GetIncident(id string) (*Incident, error) {
	var out *Incident
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketIncidents).Get([]byte(id))
		if val == nil {
			return nil
		}
		var inc Incident
		if err := json.Unmarshal(val, &inc); err != nil {
			return err
		}
		out = &inc
		return nil
	})
	return out, err
}

// RecentIncidents returns up to limit incidents, newest first. An empty
// device matches all devices. The per-device index sorts by device before
// time, so the all-devices path walks the global time index instead.
func (s *Store) RecentIncidents(device string, limit int) ([]Incident, error) {
	var out []Incident
	err := s.db.View(func(tx *bolt.Tx) error {
		incidents := tx.Bucket(bucketIncidents)
		collect := func(id []byte) error {
			val := incidents.Get(id)
			if val == nil {
				return fmt.Errorf("incident index points at missing incident %q", id)
			}
			var inc Incident
			if err := json.Unmarshal(val, &inc); err != nil {
				return err
			}
			out = append(out, inc)
			return nil
		}

		if device == "" {
			c := tx.Bucket(bucketIncidentOrder).Cursor()
			for k, id := c.Last(); k != nil; k, id = c.Prev() {
				if limit > 0 && len(out) >= limit {
					break
				}
				if err := collect(id); err != nil {
					return err
				}
			}
			return nil
		}

		c := tx.Bucket(bucketIncidentTime).Cursor()
		prefix := []byte(device + "::")
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			if err := collect(id); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// PutRisk upserts a device risk snapshot.
func (s *Store) PutRisk(snap DeviceRiskSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		val, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDeviceRisk).Put([]byte(snap.DeviceID), val)
	})
}

// DeviceRisk returns the device's latest risk snapshot, or nil when the
// device has never been evaluated.
func (s *Store) DeviceRisk(device string) (*DeviceRiskSnapshot, error) {
	var out *DeviceRiskSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketDeviceRisk).Get([]byte(device))
		if val == nil {
			return nil
		}
		var snap DeviceRiskSnapshot
		if err := json.Unmarshal(val, &snap); err != nil {
			return err
		}
		out = &snap
		return nil
	})
	return out, err
}
