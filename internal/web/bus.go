package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/amoskys/amoskys/internal/events"
	"github.com/amoskys/amoskys/internal/eventstore"
	"github.com/amoskys/amoskys/internal/logging"
)

// defaultFeedLimit is the page size when the client does not ask for one.
const defaultFeedLimit = 500

// maxFeedLimit caps the page size a client may request.
const maxFeedLimit = 5000

// EventFeed is the slice of the event store the feed endpoints need.
type EventFeed interface {
	ListSince(since uint64, limit int) ([]eventstore.StoredEvent, error)
	ListByDevice(device string, from, to time.Time) ([]eventstore.StoredEvent, error)
	LastSeq() (uint64, error)
}

// BusDependencies defines what the bus read API needs from the daemon.
type BusDependencies struct {
	Feed   EventFeed
	Stream *events.Bus
	Ready  func() error
	Log    *logging.Logger
}

type busServer struct {
	*Server
	deps BusDependencies
}

// NewBusServer creates the bus daemon's read API server with all routes
// registered: the sequence-ordered event feed, the per-device time-range
// query, the SSE stream, and health.
func NewBusServer(deps BusDependencies) *Server {
	s := &busServer{Server: newServer(deps.Log), deps: deps}
	s.mux.HandleFunc("GET /events", s.apiEvents)
	s.mux.HandleFunc("GET /devices/{device}/events", s.apiDeviceEvents)
	s.mux.HandleFunc("GET /stream", s.apiStream)
	s.registerHealth(deps.Ready)
	return s.Server
}

// apiEvents serves the sequence-ordered feed: all stored events with
// seq > since, up to limit, oldest first.
func (s *busServer) apiEvents(w http.ResponseWriter, r *http.Request) {
	since, err := parseUintParam(r, "since", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseIntParam(r, "limit", defaultFeedLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit <= 0 || limit > maxFeedLimit {
		limit = defaultFeedLimit
	}

	page, err := s.deps.Feed.ListSince(since, limit)
	if err != nil {
		s.log.Error("event feed query failed", "since", since, "err", err)
		writeError(w, http.StatusInternalServerError, "event feed query failed")
		return
	}
	if page == nil {
		page = []eventstore.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, page)
}

// apiDeviceEvents serves one device's events inside [from, to], both
// RFC 3339. Missing bounds default to the last hour.
func (s *busServer) apiDeviceEvents(w http.ResponseWriter, r *http.Request) {
	device := r.PathValue("device")
	to := time.Now().UTC()
	from := to.Add(-time.Hour)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("bad from: %v", err))
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("bad to: %v", err))
			return
		}
	}

	page, err := s.deps.Feed.ListByDevice(device, from, to)
	if err != nil {
		s.log.Error("device event query failed", "device", device, "err", err)
		writeError(w, http.StatusInternalServerError, "device event query failed")
		return
	}
	if page == nil {
		page = []eventstore.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, page)
}

func parseUintParam(r *http.Request, name string, def uint64) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s: %v", name, err)
	}
	return n, nil
}

func parseIntParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("bad %s: %v", name, err)
	}
	return n, nil
}
