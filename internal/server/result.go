// ABOUTME: HTTP handler for the latest scan result endpoint.
// ABOUTME: Serves the cached report with severity, namespace and limit filtering.

package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jfeddern/KubeScan/internal/engine"
	"github.com/jfeddern/KubeScan/internal/types"

	"github.com/sirupsen/logrus"
)

// DefaultResultWait bounds how long a result request waits for a scan to finish
const DefaultResultWait = 8 * time.Second

type ResultProvider interface {
	GetLatestResult(ctx context.Context) (*types.ScanResult, error)
}

type ResultHandler struct {
	scanner ResultProvider
	wait    time.Duration
	logger  *logrus.Logger
}

type ResultResponse struct {
	ScanID          string                      `json:"scan_id"`
	CompletedAt     string                      `json:"completed_at"`
	Vulnerabilities map[types.Severity][]string `json:"vulnerabilities"`
	CVEs            []types.CVERecord           `json:"cves"`
	UnresolvedCVEs  []string                    `json:"unresolved_cves"`
	Pods            []types.TargetReport        `json:"pods"`
	TopCVEs         []CVESummary                `json:"top_cves"`
	Summary         types.Summary               `json:"summary"`
}

type CVESummary struct {
	ID          string         `json:"id"`
	Severity    types.Severity `json:"severity"`
	PodCount    int            `json:"pod_count"`
	Description string         `json:"description,omitempty"`
}

func NewResultHandler(scanner ResultProvider, wait time.Duration, logger *logrus.Logger) *ResultHandler {
	if wait <= 0 {
		wait = DefaultResultWait
	}
	return &ResultHandler{
		scanner: scanner,
		wait:    wait,
		logger:  logger,
	}
}

func (h *ResultHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.WithField("endpoint", "/scan/result")
	pretty := wantsPretty(r)

	// Check for query parameters for filtering
	namespaceFilter := strings.TrimSpace(r.URL.Query().Get("namespace"))
	severityFilter := types.Severity(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("severity"))))
	limitParam := strings.TrimSpace(r.URL.Query().Get("limit"))

	if severityFilter != "" && !severityFilter.Valid() {
		http.Error(w, "Invalid severity filter. Must be one of: CRITICAL, HIGH, MEDIUM, LOW", http.StatusBadRequest)
		return
	}

	var limit int = 0 // No limit by default
	if limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid limit parameter. Must be a positive integer", http.StatusBadRequest)
			return
		}
		if parsed > 10000 {
			http.Error(w, "Limit parameter too large. Maximum allowed is 10000", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	// Kubernetes namespace names are at most 63 characters
	if len(namespaceFilter) > 63 {
		http.Error(w, "Namespace filter too long. Maximum allowed is 63 characters", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.wait)
	defer cancel()

	result, err := h.scanner.GetLatestResult(ctx)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrNoResult):
			writeJSON(w, logger, http.StatusNotFound, StatusResponse{Status: "not_found", Message: err.Error()}, pretty)
		case errors.Is(err, context.DeadlineExceeded):
			w.Header().Set("Retry-After", "5")
			writeJSON(w, logger, http.StatusServiceUnavailable, StatusResponse{
				Status:  "scan_in_progress",
				Message: "Scan still running, retry later",
			}, pretty)
		default:
			logger.WithError(err).Error("Failed to get scan result")
			writeJSON(w, logger, http.StatusInternalServerError, StatusResponse{Status: "error", Message: err.Error()}, pretty)
		}
		return
	}

	logger.WithFields(logrus.Fields{
		"scan_id":          result.ScanID,
		"namespace_filter": namespaceFilter,
		"severity_filter":  severityFilter,
		"limit":            limit,
	}).Debug("Processing result request")

	response := buildResponse(result, namespaceFilter, severityFilter, limit)
	writeJSON(w, logger, http.StatusOK, response, pretty)

	logger.WithFields(logrus.Fields{
		"scan_id":       result.ScanID,
		"filtered_pods": len(response.Pods),
		"top_cves":      len(response.TopCVEs),
	}).Info("Served scan result")
}

func buildResponse(result *types.ScanResult, namespaceFilter string, severityFilter types.Severity, limit int) ResultResponse {
	pods := make([]types.TargetReport, 0, len(result.Targets))
	podCounts := make(map[string]int)

	for _, report := range result.TargetsByName() {
		// Track CVE occurrences across all pods
		for _, id := range report.CVEs {
			podCounts[id]++
		}

		if namespaceFilter != "" && report.Target.Namespace != namespaceFilter {
			continue
		}

		if severityFilter != "" {
			var filtered []types.Finding
			for _, f := range report.Findings {
				if f.Severity == severityFilter {
					filtered = append(filtered, f)
				}
			}
			if len(filtered) == 0 {
				continue
			}
			report.Findings = filtered
			report.CVEs = findingCVEs(filtered)
		}

		pods = append(pods, report)
	}

	if limit > 0 && len(pods) > limit {
		pods = pods[:limit]
	}

	vulnerabilities := result.FindingsBySeverity
	if severityFilter != "" {
		vulnerabilities = map[types.Severity][]string{severityFilter: result.FindingsBySeverity[severityFilter]}
	}

	return ResultResponse{
		ScanID:          result.ScanID,
		CompletedAt:     result.CompletedAt.UTC().Format(time.RFC3339),
		Vulnerabilities: vulnerabilities,
		CVEs:            result.CVEs,
		UnresolvedCVEs:  result.UnresolvedCVEs,
		Pods:            pods,
		TopCVEs:         topCVEs(result, podCounts),
		Summary:         result.Summary,
	}
}

func findingCVEs(findings []types.Finding) []string {
	seen := make(map[string]bool)
	ids := []string{}
	for _, f := range findings {
		for _, id := range f.CVEs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// topCVEs ranks CVE ids by the number of pods referencing them
func topCVEs(result *types.ScanResult, podCounts map[string]int) []CVESummary {
	bucketOf := make(map[string]types.Severity)
	for severity, ids := range result.FindingsBySeverity {
		for _, id := range ids {
			bucketOf[id] = severity
		}
	}

	top := make([]CVESummary, 0, len(podCounts))
	for id, count := range podCounts {
		summary := CVESummary{ID: id, Severity: bucketOf[id], PodCount: count}
		if record, ok := result.CVE(id); ok {
			summary.Description = record.Description
		}
		top = append(top, summary)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].PodCount != top[j].PodCount {
			return top[i].PodCount > top[j].PodCount
		}
		// Secondary sort by severity priority, then id for a stable order
		if top[i].Severity.Rank() != top[j].Severity.Rank() {
			return top[i].Severity.Rank() > top[j].Severity.Rank()
		}
		return top[i].ID < top[j].ID
	})

	// Limit top CVEs to 10
	if len(top) > 10 {
		top = top[:10]
	}
	return top
}

// CreateResultHandler creates a standard HTTP handler
func CreateResultHandler(scanner ResultProvider, wait time.Duration, logger *logrus.Logger) http.HandlerFunc {
	handler := NewResultHandler(scanner, wait, logger)
	return handler.ServeHTTP
}
