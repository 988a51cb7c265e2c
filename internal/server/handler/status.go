package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the backend status for the dashboard.
type StatusHandler struct {
	Mode      string
	ChainID   uint64
	StartedAt time.Time
	Snapshots SnapshotSource
	// Clients reports connected websocket clients; may be nil.
	Clients func() int
}

// GetStatus responds with the mode, uptime and freshness of the data.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.Mode,
		"chainId":        h.ChainID,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	}
	if h.Clients != nil {
		resp["ws_clients"] = h.Clients()
	}
	if h.Snapshots != nil {
		if snap, err := h.Snapshots.Current(r.Context()); err == nil {
			resp["seq"] = snap.Seq
			resp["connected"] = snap.Connected
			resp["isLoading"] = snap.IsLoading
			if !snap.SettledAt.IsZero() {
				resp["settledAt"] = snap.SettledAt.UTC().Format(time.RFC3339)
			}
			if snap.Error != "" {
				resp["error"] = snap.Error
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
