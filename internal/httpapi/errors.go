package httpapi

import (
	"encoding/json"
	"net/http"

	"tensord/internal/devices"
	"tensord/internal/dryrun"
	"tensord/internal/session"
	"tensord/pkg/types"
)

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeError maps a typed domain error onto its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case devices.IsConflict(err):
		return http.StatusConflict
	case dryrun.IsIncompatible(err):
		return http.StatusConflict
	case session.IsInvalidArgument(err) || dryrun.IsInvalidArgument(err):
		return http.StatusBadRequest
	case session.IsNotFound(err):
		return http.StatusNotFound
	default:
		// worker start failures, channel-closed, remote errors
		return http.StatusInternalServerError
	}
}
