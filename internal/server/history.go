// ABOUTME: HTTP handler for scan results persisted to the results directory.
// ABOUTME: Lists stored scan ids and serves a stored report by id.

package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jfeddern/KubeScan/internal/store"
	"github.com/jfeddern/KubeScan/internal/types"

	"github.com/sirupsen/logrus"
)

// ResultArchive reads persisted scan results
type ResultArchive interface {
	List() ([]string, error)
	Load(scanID string) (*types.ScanResult, error)
}

type HistoryHandler struct {
	archive ResultArchive
	logger  *logrus.Logger
}

// HistoryResponse lists the stored scan ids in lexical order
type HistoryResponse struct {
	ScanIDs []string `json:"scan_ids"`
	Count   int      `json:"count"`
}

func NewHistoryHandler(archive ResultArchive, logger *logrus.Logger) *HistoryHandler {
	return &HistoryHandler{
		archive: archive,
		logger:  logger,
	}
}

// ServeHTTP handles /scan/history. With scan_id set it returns that stored report.
func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.WithField("endpoint", "/scan/history")
	pretty := wantsPretty(r)

	scanID := strings.TrimSpace(r.URL.Query().Get("scan_id"))
	if scanID == "" {
		ids, err := h.archive.List()
		if err != nil {
			logger.WithError(err).Error("Failed to list stored scan results")
			writeJSON(w, logger, http.StatusInternalServerError, StatusResponse{Status: "error", Message: err.Error()}, pretty)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, logger, http.StatusOK, HistoryResponse{ScanIDs: ids, Count: len(ids)}, pretty)
		return
	}

	// Scan ids are uuids; anything with path separators cannot name a stored file
	if len(scanID) > 64 || strings.ContainsAny(scanID, `/\.`) {
		http.Error(w, "Invalid scan_id parameter", http.StatusBadRequest)
		return
	}

	result, err := h.archive.Load(scanID)
	if err != nil {
		if errors.Is(err, store.ErrResultNotFound) {
			writeJSON(w, logger, http.StatusNotFound, StatusResponse{Status: "not_found", ScanID: scanID}, pretty)
			return
		}
		logger.WithError(err).WithField("scan_id", scanID).Error("Failed to load stored scan result")
		writeJSON(w, logger, http.StatusInternalServerError, StatusResponse{Status: "error", ScanID: scanID, Message: err.Error()}, pretty)
		return
	}

	logger.WithField("scan_id", scanID).Debug("Served stored scan result")
	writeJSON(w, logger, http.StatusOK, result, pretty)
}

// CreateHistoryHandler creates a standard HTTP handler
func CreateHistoryHandler(archive ResultArchive, logger *logrus.Logger) http.HandlerFunc {
	handler := NewHistoryHandler(archive, logger)
	return handler.ServeHTTP
}
