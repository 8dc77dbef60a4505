package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/jobpipe/internal/fault"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeErrorBody(w, code, errType, "", fmt.Sprintf(format, args...))
}

func writeErrorBody(w http.ResponseWriter, status int, errType, code, msg string) {
	body := map[string]any{
		"message": msg,
		"type":    errType,
	}
	if code != "" {
		body["code"] = code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": body})
}

// notReadyCodes are validation failures caused by entity state rather than
// by the request itself.
var notReadyCodes = map[string]bool{
	"not_ready":        true,
	"summary_required": true,
	"invalid_state":    true,
}

// writeFault maps a classified error onto a response. Unclassified errors
// are logged and reported as a bare 500.
func writeFault(w http.ResponseWriter, logger *slog.Logger, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		logger.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
		return
	}
	switch fe.Kind {
	case fault.Validation:
		if notReadyCodes[fe.Code] {
			writeErrorBody(w, http.StatusConflict, "conflict_error", fe.Code, fe.Message)
			return
		}
		writeErrorBody(w, http.StatusBadRequest, "invalid_request_error", fe.Code, fe.Message)
	case fault.NotFound:
		writeErrorBody(w, http.StatusNotFound, "not_found_error", "not_found", "not found")
	case fault.Conflict:
		writeErrorBody(w, http.StatusConflict, "conflict_error", fe.Code, fe.Message)
	case fault.Transient:
		logger.Warn("dependency unavailable", "error", err)
		writeErrorBody(w, http.StatusServiceUnavailable, "api_error", fe.Code, "service temporarily unavailable")
	default:
		logger.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
