// ABOUTME: Prometheus metrics exposition for scan status and the latest scan result.
// ABOUTME: Defines metrics structure and provides HTTP handler for /metrics endpoint.

package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/jfeddern/KubeScan/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type ScanDataProvider interface {
	GetStatus() types.ScanStatus
	CachedResult() (*types.ScanResult, time.Time, bool)
}

type MetricsHandler struct {
	scanner ScanDataProvider
	logger  *logrus.Logger

	// Scan lifecycle metrics
	scanPhase     *prometheus.GaugeVec
	scanProgress  *prometheus.GaugeVec
	scanSummary   *prometheus.GaugeVec
	findingsCount *prometheus.GaugeVec
	cveCount      *prometheus.GaugeVec

	// Detailed result metrics
	targetFindings *prometheus.GaugeVec
	cveInfo        *prometheus.GaugeVec
	unresolvedCVE  *prometheus.GaugeVec
}

func NewMetricsHandler(scanner ScanDataProvider, logger *logrus.Logger) *MetricsHandler {
	return &MetricsHandler{
		scanner: scanner,
		logger:  logger,

		scanPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kubescan_scan_phase",
				Help: "Current scan phase (1 for the active phase, 0 otherwise)",
			},
			[]string{"phase"},
		),

		scanProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kubescan_scan_progress_percent",
				Help: "Progress of the current or last scan in percent",
			},
			[]string{"scan_id"},
		),

		scanSummary: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kubescan_scan_summary",
				Help: "Summary counts and timestamps of the latest completed scan",
			},
			[]string{"info_type"},
		),

		findingsCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kubescan_findings_count",
				Help: "Number of findings in the latest completed scan by finding severity",
			},
			[]string{"severity"},
		),

		cveCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kubescan_unique_cves",
				Help: "Number of unique CVE ids in the latest completed scan by severity bucket",
			},
			[]string{"severity"},
		),

		targetFindings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kubescan_target_findings",
				Help: "Number of findings per scanned pod by severity",
			},
			[]string{"namespace", "pod", "severity"},
		),

		cveInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kubescan_cve_info",
				Help: "Resolved CVE records referenced by the latest scan (value is the CVSS score, 1 when unscored)",
			},
			[]string{"cve_id", "severity", "attack_vector", "fix_version", "description"},
		),

		unresolvedCVE: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kubescan_unresolved_cve",
				Help: "CVE ids referenced by findings without a known record",
			},
			[]string{"cve_id"},
		),
	}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Create a new registry for this request to avoid conflicts
	registry := prometheus.NewRegistry()

	collectors := []*prometheus.GaugeVec{
		m.scanPhase, m.scanProgress, m.scanSummary, m.findingsCount,
		m.cveCount, m.targetFindings, m.cveInfo, m.unresolvedCVE,
	}
	for _, c := range collectors {
		registry.MustRegister(c)
		// Reset all metrics to avoid stale data
		c.Reset()
	}

	status := m.scanner.GetStatus()
	for _, phase := range []types.Phase{types.PhaseIdle, types.PhaseRunning, types.PhaseCompleted, types.PhaseError} {
		value := float64(0)
		if status.Phase == phase {
			value = 1
		}
		m.scanPhase.WithLabelValues(string(phase)).Set(value)
	}
	if status.ScanID != "" {
		m.scanProgress.WithLabelValues(status.ScanID).Set(float64(status.Progress))
	}

	if result, capturedAt, ok := m.scanner.CachedResult(); ok {
		m.populateResult(result, capturedAt)
	} else {
		m.logger.Debug("No completed scan to expose")
	}

	// Serve metrics
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	handler.ServeHTTP(w, r)
}

func (m *MetricsHandler) populateResult(result *types.ScanResult, capturedAt time.Time) {
	summary := result.Summary
	m.scanSummary.WithLabelValues("total_targets").Set(float64(summary.TotalTargets))
	m.scanSummary.WithLabelValues("scanned_targets").Set(float64(summary.ScannedTargets))
	m.scanSummary.WithLabelValues("failed_targets").Set(float64(summary.FailedTargets))
	m.scanSummary.WithLabelValues("vulnerable_targets").Set(float64(summary.VulnerableTargets))
	m.scanSummary.WithLabelValues("total_unique_cves").Set(float64(summary.TotalUniqueCVEs))
	m.scanSummary.WithLabelValues("completed_timestamp").Set(float64(result.CompletedAt.Unix()))
	m.scanSummary.WithLabelValues("cached_timestamp").Set(float64(capturedAt.Unix()))

	for _, severity := range types.Severities {
		m.findingsCount.WithLabelValues(string(severity)).Set(float64(summary.FindingsCount[severity]))
		m.cveCount.WithLabelValues(string(severity)).Set(float64(len(result.FindingsBySeverity[severity])))
	}

	for _, report := range result.Targets {
		counts := make(map[types.Severity]int, len(types.Severities))
		for _, f := range report.Findings {
			counts[f.Severity]++
		}
		for severity, n := range counts {
			m.targetFindings.WithLabelValues(report.Target.Namespace, report.Target.Name, string(severity)).Set(float64(n))
		}
	}

	for _, record := range result.CVEs {
		score := record.Score
		if score == 0 {
			score = 1
		}
		m.cveInfo.WithLabelValues(
			record.ID,
			string(record.Severity),
			sanitizeLabelValue(record.AttackVector),
			sanitizeLabelValue(record.FixVersion),
			sanitizeLabelValue(record.Description),
		).Set(score)
	}

	for _, id := range result.UnresolvedCVEs {
		m.unresolvedCVE.WithLabelValues(sanitizeLabelValue(id)).Set(1)
	}
}

// sanitizeLabelValue cleans strings for use as Prometheus labels
func sanitizeLabelValue(value string) string {
	if value == "" {
		return "unknown"
	}

	// Remove newlines and carriage returns
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\t", " ")

	// Limit length to prevent excessive label sizes
	if len(value) > 200 {
		value = value[:200] + "..."
	}

	// Remove any leading/trailing whitespace
	return strings.TrimSpace(value)
}

// CreateMetricsHandler creates a standard HTTP handler that can be used with http.ServeMux
func CreateMetricsHandler(scanner ScanDataProvider, logger *logrus.Logger) http.HandlerFunc {
	metricsHandler := NewMetricsHandler(scanner, logger)
	return metricsHandler.ServeHTTP
}
