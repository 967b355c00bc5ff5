package handlers

import (
	"crypto/subtle"
	"net/http"
)

type tokenRequest struct {
	Operator string `json:"operator" validate:"required,min=2,max=64"`
	Password string `json:"password" validate:"required"`
}

// IssueToken exchanges the admin password for an operator JWT. Disabled
// when no admin password is configured.
func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	if h.adminPassword == "" {
		writeError(w, http.StatusNotFound, "token issuance is disabled")
		return
	}

	var req tokenRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeAppError(w, err)
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.adminPassword)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.auth.IssueToken(req.Operator)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
