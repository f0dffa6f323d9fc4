package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Donniedarko45/RenderLite/internal/domain"
	"github.com/Donniedarko45/RenderLite/internal/queue"
	"github.com/Donniedarko45/RenderLite/internal/repository"
	"github.com/Donniedarko45/RenderLite/internal/service/deploy"
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

// respondError maps service errors onto HTTP statuses. Unexpected errors are
// logged and hidden behind a generic 500 message.
func (r *Router) respondError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, deploy.ErrBadSignature):
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, queue.ErrJobExists), errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
