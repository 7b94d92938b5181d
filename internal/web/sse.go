package web

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// apiStream streams accepted events to the client as server-sent events.
// The connection stays open until the client disconnects or the server
// shuts down.
func (s *busServer) apiStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel := s.deps.Stream.Subscribe()
	defer cancel()

	// Initial connected event so the client knows the stream is live.
	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.log.Warn("failed to marshal SSE event", "seq", evt.Seq, "err", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Envelope.PayloadKind(), data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
