// Package trust maintains the bus's map of trusted agents: each agent's
// ed25519 public key, its client certificate fingerprint, and an expiry.
// The map is loaded from a YAML file and hot-reloaded on change, so agents
// can be enrolled or revoked without restarting the bus.
package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/amoskys/amoskys/internal/logging"
)

// Agent is one trusted-agent entry.
type Agent struct {
	PublicKey       ed25519.PublicKey
	CertFingerprint string
	ValidUntil      time.Time
}

// Map is an immutable snapshot of the trust file.
type Map struct {
	agents map[string]Agent
}

// Lookup returns the entry for agentID and whether one exists.
func (m *Map) Lookup(agentID string) (Agent, bool) {
	a, ok := m.agents[agentID]
	return a, ok
}

// Len returns the number of trusted agents.
func (m *Map) Len() int { return len(m.agents) }

type fileAgent struct {
	PublicKey       string `yaml:"public_key"` // base64 raw ed25519 public key
	CertFingerprint string `yaml:"cert_fingerprint,omitempty"`
	ValidUntil      string `yaml:"valid_until,omitempty"` // RFC 3339; empty = no expiry
}

type fileRoot struct {
	Agents map[string]fileAgent `yaml:"agents"`
}

// Load parses a trust map file.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust map: %w", err)
	}
	var root fileRoot
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse trust map: %w", err)
	}
	if len(root.Agents) == 0 {
		return nil, errors.New("trust map has no agents")
	}

	agents := make(map[string]Agent, len(root.Agents))
	for id, fa := range root.Agents {
		key, err := base64.StdEncoding.DecodeString(fa.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("agent %s: decode public_key: %w", id, err)
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("agent %s: public_key is %d bytes, want %d", id, len(key), ed25519.PublicKeySize)
		}
		a := Agent{PublicKey: key, CertFingerprint: fa.CertFingerprint}
		if fa.ValidUntil != "" {
			ts, err := time.Parse(time.RFC3339, fa.ValidUntil)
			if err != nil {
				return nil, fmt.Errorf("agent %s: parse valid_until: %w", id, err)
			}
			a.ValidUntil = ts
		}
		agents[id] = a
	}
	return &Map{agents: agents}, nil
}

// Store holds the current trust map and reloads it when the backing file
// changes. A reload that fails to parse keeps the previous map in place.
type Store struct {
	path    string
	log     *logging.Logger
	current atomic.Pointer[Map]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore loads path and returns a store serving its contents.
func NewStore(path string, log *logging.Logger) (*Store, error) {
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, log: log, done: make(chan struct{})}
	s.current.Store(m)
	return s, nil
}

// Current returns the active trust map snapshot.
func (s *Store) Current() *Map {
	return s.current.Load()
}

// Watch starts reloading on file changes. Editors and config pushers
// typically replace the file via rename, so the watch is on the parent
// directory and filtered to our path.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("trust watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("trust watcher: %w", err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				s.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("trust watcher error", "err", err)
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

func (s *Store) reload() {
	m, err := Load(s.path)
	if err != nil {
		s.log.Warn("trust map reload failed, keeping previous map", "path", s.path, "err", err)
		return
	}
	s.current.Store(m)
	s.log.Info("trust map reloaded", "path", s.path, "agents", m.Len())
}

// Close stops the watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Expired reports whether the entry has an expiry in the past relative to now.
func (a Agent) Expired(now time.Time) bool {
	return !a.ValidUntil.IsZero() && now.After(a.ValidUntil)
}
