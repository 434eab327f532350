package gateway

import (
	"encoding/json"
	"net/http"
)

// Error codes returned in the error envelope.
const (
	CodeInvalidInput = "INVALID_INPUT"
	CodeInternal     = "INTERNAL_ERROR"
	CodeUnavailable  = "UNAVAILABLE"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Status string    `json:"status"`
	Error  errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Status: "error", Error: errorBody{Code: code, Message: message}})
}
