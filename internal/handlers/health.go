package handlers

import (
	"net/http"
)

// Health reports storage and cache connectivity. Unauthenticated; used by
// load balancers and orchestration probes.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	components := map[string]string{}

	if err := h.storage.Health(); err != nil {
		components["storage"] = "unhealthy: " + err.Error()
		status = http.StatusServiceUnavailable
	} else {
		components["storage"] = "healthy"
	}

	if h.redis != nil {
		if err := h.redis.Health(); err != nil {
			// Degraded, not down: block decisions fall back to the
			// durable store.
			components["redis"] = "unhealthy: " + err.Error()
		} else {
			components["redis"] = "healthy"
		}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}

	writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}
