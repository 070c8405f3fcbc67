// ABOUTME: HTTP handlers for starting, cancelling and observing scans.
// ABOUTME: Maps scanner outcomes onto accepted, cached and already_running responses.

package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/jfeddern/KubeScan/internal/engine"
	"github.com/jfeddern/KubeScan/internal/status"
	"github.com/jfeddern/KubeScan/internal/types"

	"github.com/sirupsen/logrus"
)

type ScanController interface {
	StartScan(ctx context.Context, force bool) (*engine.Ticket, error)
	Cancel() bool
	GetStatus() types.ScanStatus
}

type ScanHandler struct {
	scanner ScanController
	logger  *logrus.Logger
}

func NewScanHandler(scanner ScanController, logger *logrus.Logger) *ScanHandler {
	return &ScanHandler{
		scanner: scanner,
		logger:  logger,
	}
}

// ServeHTTP handles /scan: POST starts a scan, DELETE cancels the running one
func (h *ScanHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.start(w, r)
	case http.MethodDelete:
		h.cancel(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ScanHandler) start(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.WithField("endpoint", "/scan")
	pretty := wantsPretty(r)

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "Invalid force parameter. Must be true or false", http.StatusBadRequest)
			return
		}
		force = parsed
	}

	ticket, err := h.scanner.StartScan(r.Context(), force)
	if err != nil {
		if errors.Is(err, status.ErrAlreadyRunning) {
			current := h.scanner.GetStatus()
			writeJSON(w, logger, http.StatusConflict, StatusResponse{
				Status:  "already_running",
				ScanID:  current.ScanID,
				Message: current.Message,
			}, pretty)
			return
		}
		logger.WithError(err).Error("Failed to start scan")
		writeJSON(w, logger, http.StatusInternalServerError, StatusResponse{Status: "error", Message: err.Error()}, pretty)
		return
	}

	if ticket.Cached {
		logger.WithField("scan_id", ticket.ScanID).Debug("Scan request answered from cache")
		writeJSON(w, logger, http.StatusOK, StatusResponse{
			Status:  "cached",
			ScanID:  ticket.ScanID,
			Message: "A recent scan result is available",
		}, pretty)
		return
	}

	logger.WithField("scan_id", ticket.ScanID).Info("Scan accepted")
	writeJSON(w, logger, http.StatusAccepted, StatusResponse{
		Status:  "accepted",
		ScanID:  ticket.ScanID,
		Message: "Scan started",
	}, pretty)
}

func (h *ScanHandler) cancel(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.WithField("endpoint", "/scan")
	pretty := wantsPretty(r)

	current := h.scanner.GetStatus()
	if !h.scanner.Cancel() {
		writeJSON(w, logger, http.StatusConflict, StatusResponse{Status: "not_running", Message: "No scan in progress"}, pretty)
		return
	}

	logger.WithField("scan_id", current.ScanID).Info("Scan cancellation requested")
	writeJSON(w, logger, http.StatusOK, StatusResponse{Status: "cancelling", ScanID: current.ScanID}, pretty)
}

// StatusHandler serves GET /scan/status
func (h *ScanHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.WithField("endpoint", "/scan/status")
	writeJSON(w, logger, http.StatusOK, h.scanner.GetStatus(), wantsPretty(r))
}

// CreateScanHandler creates a standard HTTP handler for /scan
func CreateScanHandler(scanner ScanController, logger *logrus.Logger) http.HandlerFunc {
	handler := NewScanHandler(scanner, logger)
	return handler.ServeHTTP
}

// CreateStatusHandler creates a standard HTTP handler for /scan/status
func CreateStatusHandler(scanner ScanController, logger *logrus.Logger) http.HandlerFunc {
	handler := NewScanHandler(scanner, logger)
	return handler.StatusHandler
}
