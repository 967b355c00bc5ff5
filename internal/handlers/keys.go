package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"api-guard/internal/common/logging"
)

type createKeyRequest struct {
	Name string `json:"name" validate:"required,min=2,max=100"`
	Tier string `json:"tier" validate:"required,oneof=free elevated"`
}

// CreateAPIKey issues a new credential. The clear key appears in this
// response only; afterwards the store holds just its hash.
func (h *Handlers) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeAppError(w, err)
		return
	}

	record, clearKey, err := h.resolver.CreateKey(r.Context(), req.Name, req.Tier)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	h.logger.Info("API key issued",
		logging.String("operator", r.Header.Get("X-Operator")),
		logging.String("key_id", record.ID),
		logging.String("tier", record.Tier))

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":    record,
		"secret": clearKey,
	})
}

// ListAPIKeys returns all key records; hashes are never serialized.
func (h *Handlers) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.storage.ListAPIKeys(r.Context())
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

// DeactivateAPIKey revokes a credential. Requests presenting it fall back
// to anonymous treatment after rejection.
func (h *Handlers) DeactivateAPIKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.storage.DeactivateAPIKey(r.Context(), id); err != nil {
		h.writeAppError(w, err)
		return
	}

	h.logger.Info("API key deactivated",
		logging.String("operator", r.Header.Get("X-Operator")),
		logging.String("key_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated", "id": id})
}
