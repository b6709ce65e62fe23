package api

import (
	"encoding/json"
	"net/http"

	"github.com/juju/errors"
)

const errAccessDenied = errors.ConstError("access denied")

type errorResponse struct {
	Detail string `json:"detail"`
}

// writeError maps err onto a status code and a client safe detail.
func writeError(w http.ResponseWriter, err error) {
	status, detail := http.StatusInternalServerError, "internal server error"
	switch {
	case errors.IsUnauthorized(err):
		status, detail = http.StatusUnauthorized, "Could not validate credentials"
	case errors.Is(err, errAccessDenied):
		status, detail = http.StatusForbidden, "Access denied"
	case errors.IsNotFound(err):
		status, detail = http.StatusNotFound, "Conversation not found"
	case errors.IsNotValid(err):
		status, detail = http.StatusBadRequest, err.Error()
	default:
		logger.Errorf("request failed: %v", errors.ErrorStack(err))
	}
	if status != http.StatusInternalServerError {
		logger.Debugf("request rejected: %v", err)
	}
	writeJSON(w, status, errorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugf("writing response: %v", err)
	}
}
