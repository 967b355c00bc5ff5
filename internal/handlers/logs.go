package handlers

import (
	"net/http"
)

// ListRequestLogs returns recent request dispositions, newest first.
func (h *Handlers) ListRequestLogs(w http.ResponseWriter, r *http.Request) {
	page, limit, offset := parsePagination(r)

	logs, total, err := h.storage.ListRequestLogs(r.Context(), limit, offset)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":       logs,
		"pagination": paginationResponse(page, limit, total),
	})
}
