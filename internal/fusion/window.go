package fusion

import (
	"sort"
	"time"

	"github.com/amoskys/amoskys/internal/metrics"
)

// deviceState is everything the engine holds per device: the sliding
// window, long-lived memory feeding the risk model, and activity tracking
// for the driver's "only evaluate active devices" rule. Owned by the
// driver goroutine; never accessed concurrently.
type deviceState struct {
	id     string
	events []TelemetryEventView // ordered by Timestamp

	// Device memory that outlives the window.
	knownIPs map[string]struct{}

	// Incidents whose terminal event may still be inside the window;
	// they keep contributing to the risk score until they age out.
	activeIncidents []Incident

	lastContribAt time.Time // newest event timestamp that affected risk
	dirty         bool      // activity since the last evaluation tick
}

func newDeviceState(id string) *deviceState {
	return &deviceState{
		id:       id,
		knownIPs: make(map[string]struct{}),
	}
}

// add inserts an event, keeps the window ordered by event timestamp, and
// enforces the window duration and the per-device cap.
func (d *deviceState) add(v TelemetryEventView, now time.Time, window time.Duration, cap int) {
	// Events usually arrive roughly in order; insert from the back.
	i := len(d.events)
	for i > 0 && d.events[i-1].Timestamp.After(v.Timestamp) {
		i--
	}
	d.events = append(d.events, TelemetryEventView{})
	copy(d.events[i+1:], d.events[i:])
	d.events[i] = v
	d.dirty = true

	d.trim(now, window)
	for len(d.events) > cap {
		d.events = d.events[1:]
		metrics.WindowDropped.Inc()
	}
	metrics.WindowSize.WithLabelValues(d.id).Set(float64(len(d.events)))
}

// trim drops events older than the window.
func (d *deviceState) trim(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := sort.Search(len(d.events), func(i int) bool {
		return !d.events[i].Timestamp.Before(cutoff)
	})
	if i > 0 {
		d.events = d.events[i:]
	}
	// Incidents age out of the risk model with their end timestamp.
	kept := d.activeIncidents[:0]
	for _, inc := range d.activeIncidents {
		if !inc.EndTS.Before(cutoff) {
			kept = append(kept, inc)
		}
	}
	d.activeIncidents = kept
	metrics.WindowSize.WithLabelValues(d.id).Set(float64(len(d.events)))
}
