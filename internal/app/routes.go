package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"api-guard/internal/handlers"
	"api-guard/internal/middleware"
)

// SetupRoutes configures the HTTP surface. The admin API and health probe
// bypass the admission gate; everything else goes through it.
func SetupRoutes(router *mux.Router, h *handlers.Handlers, gate *middleware.Gate,
	authMiddleware func(http.Handler) http.Handler, protected http.Handler) {
	// Health check (no auth, no admission)
	router.HandleFunc("/health", h.Health).Methods("GET")

	// Operator token issuance (no auth; password-gated inside)
	router.HandleFunc("/api/auth/token", h.IssueToken).Methods("POST")

	// Admin API (operator JWT required)
	api := router.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware)

	api.HandleFunc("/blocks", h.ListBlocks).Methods("GET")
	api.HandleFunc("/blocks", h.CreateBlock).Methods("POST")
	api.HandleFunc("/blocks/{id}", h.GetBlock).Methods("GET")
	api.HandleFunc("/blocks/{id}", h.RemoveBlock).Methods("DELETE")

	api.HandleFunc("/logs", h.ListRequestLogs).Methods("GET")
	api.HandleFunc("/stats", h.GetStats).Methods("GET")

	api.HandleFunc("/keys", h.ListAPIKeys).Methods("GET")
	api.HandleFunc("/keys", h.CreateAPIKey).Methods("POST")
	api.HandleFunc("/keys/{id}", h.DeactivateAPIKey).Methods("DELETE")

	// Everything else is guarded traffic.
	router.PathPrefix("/").Handler(gate.Middleware(protected))
}
