package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/skiffworks/skiff/internal/repository"
	"github.com/skiffworks/skiff/internal/service/auth"
	"github.com/skiffworks/skiff/internal/service/deploy"
	"github.com/skiffworks/skiff/internal/service/domains"
	"github.com/skiffworks/skiff/internal/service/project"
	"github.com/skiffworks/skiff/internal/service/webhook"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, project.ErrNotOwner):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, deploy.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, webhook.ErrSignatureMismatch), errors.Is(err, webhook.ErrWebhooksDisabled):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domains.ErrInvalidHostname):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
