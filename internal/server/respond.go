package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aristath/finpulse/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps an apperr.Kind to an HTTP status and emits a structured
// {detail} body; the UI never sees a raw error dump.
func writeError(w http.ResponseWriter, err error) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindInvariant:
		status = http.StatusUnprocessableEntity
	case apperr.KindProviderError:
		status = http.StatusBadGateway
	case apperr.KindProcessingErr:
		status = http.StatusInternalServerError
	}

	var appErr *apperr.Error
	detail := err.Error()
	if errors.As(err, &appErr) {
		detail = appErr.Message
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
