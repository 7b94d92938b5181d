package web

import (
	"net/http"

	"github.com/amoskys/amoskys/internal/fusion"
	"github.com/amoskys/amoskys/internal/logging"
)

// defaultIncidentLimit is how many incidents /incidents returns unless
// the client asks for more.
const defaultIncidentLimit = 100

// IncidentReader is the slice of the fusion engine the read API needs.
type IncidentReader interface {
	RecentIncidents(device string, limit int) ([]fusion.Incident, error)
	DeviceRisk(device string) (*fusion.DeviceRiskSnapshot, error)
}

// FusionDependencies defines what the fusion read API needs from the daemon.
type FusionDependencies struct {
	Incidents IncidentReader
	Ready     func() error
	Log       *logging.Logger
}

type fusionServer struct {
	*Server
	deps FusionDependencies
}

// NewFusionServer creates the fusion daemon's read API server: recent
// incidents, per-device risk, and health.
func NewFusionServer(deps FusionDependencies) *Server {
	s := &fusionServer{Server: newServer(deps.Log), deps: deps}
	s.mux.HandleFunc("GET /incidents", s.apiIncidents)
	s.mux.HandleFunc("GET /risk/{device}", s.apiRisk)
	s.registerHealth(deps.Ready)
	return s.Server
}

// apiIncidents serves stored incidents, newest first. An optional device
// query parameter filters to one device.
func (s *fusionServer) apiIncidents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r, "limit", defaultIncidentLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit <= 0 {
		limit = defaultIncidentLimit
	}
	device := r.URL.Query().Get("device")

	incs, err := s.deps.Incidents.RecentIncidents(device, limit)
	if err != nil {
		s.log.Error("incident query failed", "device", device, "err", err)
		writeError(w, http.StatusInternalServerError, "incident query failed")
		return
	}
	if incs == nil {
		incs = []fusion.Incident{}
	}
	writeJSON(w, http.StatusOK, incs)
}

// apiRisk serves a device's latest risk snapshot.
func (s *fusionServer) apiRisk(w http.ResponseWriter, r *http.Request) {
	device := r.PathValue("device")
	snap, err := s.deps.Incidents.DeviceRisk(device)
	if err != nil {
		s.log.Error("risk query failed", "device", device, "err", err)
		writeError(w, http.StatusInternalServerError, "risk query failed")
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "device has no risk snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
