package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "api-guard/internal/common/errors"
	"api-guard/internal/common/logging"
	"api-guard/internal/storage"
)

// ListBlocks returns currently effective blocks, paginated.
func (h *Handlers) ListBlocks(w http.ResponseWriter, r *http.Request) {
	page, limit, offset := parsePagination(r)

	blocks, total, err := h.storage.ListActiveBlocks(r.Context(), h.clock.Now(), limit, offset)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blocks":     blocks,
		"pagination": paginationResponse(page, limit, total),
	})
}

// GetBlock returns one block row by ID, active or not.
func (h *Handlers) GetBlock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	block, err := h.storage.GetBlock(r.Context(), id)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	if block == nil {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}

	writeJSON(w, http.StatusOK, block)
}

type createBlockRequest struct {
	IPAddress       string `json:"ip_address" validate:"required,ip"`
	Reason          string `json:"reason" validate:"required,min=3,max=500"`
	BlockLevel      string `json:"block_level" validate:"required,oneof=app firewall"`
	DurationMinutes *int   `json:"duration_minutes" validate:"omitempty,min=1,max=525600"`
}

// CreateBlock creates an operator-initiated block.
func (h *Handlers) CreateBlock(w http.ResponseWriter, r *http.Request) {
	var req createBlockRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeAppError(w, err)
		return
	}

	level := storage.BlockLevel(req.BlockLevel)
	if level == storage.BlockLevelFirewall && req.DurationMinutes != nil {
		h.writeAppError(w, apperrors.ValidationError("firewall blocks do not expire; omit duration_minutes"))
		return
	}

	var duration *time.Duration
	if req.DurationMinutes != nil {
		d := time.Duration(*req.DurationMinutes) * time.Minute
		duration = &d
	}

	block, err := h.escalation.BlockManually(r.Context(), req.IPAddress, req.Reason, level, duration)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	h.logger.Info("operator created block",
		logging.String("operator", r.Header.Get("X-Operator")),
		logging.String("ip", req.IPAddress))
	writeJSON(w, http.StatusCreated, block)
}

type removeBlockRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// RemoveBlock lifts a block. This is the only path that lifts a
// firewall-level block.
func (h *Handlers) RemoveBlock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	reason := "removed by operator"
	if r.Body != nil && r.ContentLength > 0 {
		var req removeBlockRequest
		if err := h.decodeAndValidate(r, &req); err != nil {
			h.writeAppError(w, err)
			return
		}
		if req.Reason != "" {
			reason = req.Reason
		}
	}

	if err := h.escalation.RemoveBlock(r.Context(), id, reason); err != nil {
		h.writeAppError(w, err)
		return
	}

	h.logger.Info("operator removed block",
		logging.String("operator", r.Header.Get("X-Operator")),
		logging.String("block_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id})
}
