package handlers

import (
	"net/http"
	"time"
)

// GetStats summarizes admission activity over the trailing 24 hours.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	since := h.clock.Now().Add(-24 * time.Hour)

	stats, err := h.storage.GetStats(r.Context(), since)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
