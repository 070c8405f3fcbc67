// ABOUTME: JSON response helpers shared by the scan HTTP handlers.
// ABOUTME: Writes status codes, optional pretty printing and error bodies.

package server

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// StatusResponse is the body of scan control responses and errors
type StatusResponse struct {
	Status  string `json:"status"`
	ScanID  string `json:"scan_id,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger *logrus.Entry, code int, body interface{}, pretty bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	encoder := json.NewEncoder(w)
	if pretty {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(body); err != nil {
		logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func wantsPretty(r *http.Request) bool {
	return r.URL.Query().Get("pretty") != ""
}
