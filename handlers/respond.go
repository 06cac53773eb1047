package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"vaultgate/guard"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeRetryError is the 429 shape for guard denials: machine-readable
// retry hint in both the header and the body.
func writeRetryError(w http.ResponseWriter, dec guard.Decision) {
	secs := dec.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":               "too many requests",
		"retry_after_seconds": secs,
	})
}
