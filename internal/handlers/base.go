// Package handlers implements the admin API: block management, request
// logs, traffic stats, API keys and health. All endpoints except /health
// and token issuance sit behind operator JWT auth.
package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"api-guard/internal/abuse"
	"api-guard/internal/auth"
	"api-guard/internal/clock"
	apperrors "api-guard/internal/common/errors"
	"api-guard/internal/common/logging"
	"api-guard/internal/identity"
	"api-guard/internal/redis"
	"api-guard/internal/storage"
)

type Handlers struct {
	storage    storage.Storage
	escalation *abuse.Manager
	resolver   *identity.Resolver
	auth       *auth.Auth
	redis      *redis.Client

	adminPassword string

	validate *validator.Validate
	clock    clock.Clock
	logger   logging.Logger
}

// New wires the admin handlers. redisClient may be nil when the shared
// cache is disabled; adminPassword may be empty to disable token issuance.
func New(store storage.Storage, escalation *abuse.Manager,
	resolver *identity.Resolver, authLayer *auth.Auth, redisClient *redis.Client,
	adminPassword string, clk clock.Clock) *Handlers {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Handlers{
		storage:       store,
		escalation:    escalation,
		resolver:      resolver,
		auth:          authLayer,
		redis:         redisClient,
		adminPassword: adminPassword,
		validate:      validator.New(),
		clock:         clk,
		logger:        logging.GetGlobalLogger().WithFields(logging.String("component", "admin")),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps error taxonomy to HTTP status.
func (h *Handlers) writeAppError(w http.ResponseWriter, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch apperrors.GetType(err) {
	case apperrors.ErrTypeValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case apperrors.ErrTypeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case apperrors.ErrTypeAuth:
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		h.logger.Error("admin request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeAndValidate unmarshals the request body into dst and runs
// struct validation.
func (h *Handlers) decodeAndValidate(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if err := h.validate.Struct(dst); err != nil {
		return apperrors.ValidationError(err.Error())
	}
	return nil
}

func parsePagination(r *http.Request) (page, limit, offset int) {
	page = 1
	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}

	limit = 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	return page, limit, (page - 1) * limit
}

func paginationResponse(page, limit, total int) map[string]interface{} {
	totalPages := (total + limit - 1) / limit
	if totalPages == 0 {
		totalPages = 1
	}

	return map[string]interface{}{
		"page":        page,
		"limit":       limit,
		"total":       total,
		"total_pages": totalPages,
		"has_next":    page < totalPages,
		"has_prev":    page > 1,
	}
}
