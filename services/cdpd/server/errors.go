package server

import (
	"encoding/json"
	"net/http"

	"cdpledger/native/cdp"
)

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// statusForReason maps engine rejection codes onto HTTP statuses.
func statusForReason(reason string) int {
	switch reason {
	case "USELESS_TX", "INVALID_AMOUNT", "EXCESS_REPAYMENT", "INSUFFICIENT_COLLATERAL":
		return http.StatusBadRequest
	case "UNDERCOLLATERALIZED", "STILL_COLLATERALIZED", "SPAWNED_POSITION_EXISTS", "DEBT_CEILING_EXCEEDED":
		return http.StatusConflict
	case "TRANSFER_FROM_FAILED", "STALE_OR_INVALID_PROOF":
		return http.StatusUnprocessableEntity
	case "UNSUPPORTED_ASSET", "UNKNOWN_ASSET":
		return http.StatusNotFound
	case "PAUSED":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	reason := cdp.Reason(err)
	status := statusForReason(reason)
	message := err.Error()
	if status >= http.StatusInternalServerError && reason != "PAUSED" {
		s.logger.ErrorContext(r.Context(), "cdpd request failed",
			"route", r.URL.Path,
			"reason", reason,
			"error", err.Error())
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: message, Reason: reason})
}
