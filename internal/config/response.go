package config

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of every error produced by the server core
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// RespondJSON is a helper function to send JSON responses
func RespondJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// RespondError sends {"error": message, "code": statusCode}. An empty
// message falls back to the status text.
func RespondError(w http.ResponseWriter, statusCode int, message string) {
	if message == "" {
		message = http.StatusText(statusCode)
	}
	_ = RespondJSON(w, statusCode, ErrorResponse{Error: message, Code: statusCode})
}
