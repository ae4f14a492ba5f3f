package realtime

import (
	"encoding/json"
	"net/http"
)

// SnapshotHandler serves the current participants, locks and cursors as JSON.
// It is read-only and intended for dashboards and debugging.
func (g *WSGateway) SnapshotHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		snap, err := g.ws.Snapshot(r.Context())
		if err != nil {
			g.log.Warn("http.snapshot.fail", "err", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(snapshotPayload(snap))
	})
}
