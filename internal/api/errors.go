package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/filebarn/filebarn/internal/drive"
	"github.com/filebarn/filebarn/internal/signedurl"
)

// errorResponse is the JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the storage error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, drive.ErrValidation),
		errors.Is(err, drive.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, drive.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, drive.ErrCircularReference):
		return http.StatusConflict
	case errors.Is(err, drive.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, drive.ErrIntegrityMismatch),
		errors.Is(err, drive.ErrMaxDepthExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, signedurl.ErrInvalidToken),
		errors.Is(err, signedurl.ErrExpired):
		return http.StatusForbidden
	case errors.Is(err, drive.ErrTransientBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders an error as JSON with the mapped status. Internal
// errors are logged with their full chain but surfaced generically.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", msg),
		)

		msg = "internal error"
	}

	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Encoding failure past the header write is unrecoverable; ignore.
	_ = json.NewEncoder(w).Encode(v)
}
