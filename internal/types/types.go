// ABOUTME: Common types shared across the KubeScan system.
// ABOUTME: Defines scan targets, findings, CVE records, scan status and aggregated results.

package types

import (
	"sort"
	"time"
)

// Severity is the ordinal classification used for bucketing findings
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Severities lists every severity from most to least severe
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Rank orders severities, higher is more severe. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Valid reports whether s is one of the four known severities
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ContainerSpec describes a single container of a scan target
type ContainerSpec struct {
	Name                     string            `json:"name"`
	Image                    string            `json:"image"`
	Limits                   map[string]string `json:"limits,omitempty"` // resource name -> quantity
	Privileged               *bool             `json:"privileged,omitempty"`
	AllowPrivilegeEscalation *bool             `json:"allow_privilege_escalation,omitempty"`
	ReadOnlyRootFilesystem   *bool             `json:"read_only_root_filesystem,omitempty"`
	RunAsNonRoot             *bool             `json:"run_as_non_root,omitempty"`
	CapabilitiesAdd          []string          `json:"capabilities_add,omitempty"`
}

// ScanTarget is an immutable snapshot of one workload unit taken at inventory time
type ScanTarget struct {
	Namespace    string          `json:"namespace"`
	Name         string          `json:"name"`
	RunAsNonRoot *bool           `json:"run_as_non_root,omitempty"` // pod-level security context
	HostNetwork  bool            `json:"host_network,omitempty"`
	HostPID      bool            `json:"host_pid,omitempty"`
	HostIPC      bool            `json:"host_ipc,omitempty"`
	HostPaths    []string        `json:"host_paths,omitempty"`
	Containers   []ContainerSpec `json:"containers"`
}

// Key returns the namespace/name identifier of the target
func (t ScanTarget) Key() string {
	return t.Namespace + "/" + t.Name
}

// Finding is one detected issue on a target
type Finding struct {
	RuleID           string   `json:"rule_id"`
	Severity         Severity `json:"severity"`
	Description      string   `json:"description"`
	AffectedResource string   `json:"affected_resource"`
	Recommendation   string   `json:"recommendation"`
	CVEs             []string `json:"cves,omitempty"`
}

// CVERecord is a uniquely identified known vulnerability
type CVERecord struct {
	ID                 string    `json:"id"`
	Severity           Severity  `json:"severity"`
	Description        string    `json:"description"`
	AffectedComponents []string  `json:"affected_components"`
	FixVersion         string    `json:"fix_version"`
	PublishedDate      time.Time `json:"published_date"`
	AttackVector       string    `json:"attack_vector"`
	Mitigation         string    `json:"mitigation,omitempty"`
	CVSSVector         string    `json:"cvss_vector,omitempty"`
	Score              float64   `json:"score,omitempty"`
	Link               string    `json:"link"`
}

// Phase is the scan lifecycle state
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// ScanStatus is a point-in-time copy of the scanner status
type ScanStatus struct {
	ScanID          string     `json:"scan_id,omitempty"`
	Phase           Phase      `json:"status"`
	Progress        int        `json:"progress"`
	Message         string     `json:"message,omitempty"`
	Error           string     `json:"error,omitempty"`
	TotalTargets    int        `json:"total_targets"`
	ScannedTargets  int        `json:"scanned_targets"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastCompletedAt *time.Time `json:"last_scan,omitempty"`
}

// TargetReport holds the findings of one successfully scanned target
type TargetReport struct {
	Target   ScanTarget `json:"target"`
	Findings []Finding  `json:"findings"`
	CVEs     []string   `json:"cves"`
}

// Summary holds the counts computed once a scan completes
type Summary struct {
	TotalTargets      int              `json:"total_targets"`
	ScannedTargets    int              `json:"scanned_targets"`
	FailedTargets     int              `json:"failed_targets"`
	VulnerableTargets int              `json:"vulnerable_targets"`
	TotalUniqueCVEs   int              `json:"total_unique_cves"`
	FindingsCount     map[Severity]int `json:"findings_count"`
}

// ScanResult is the aggregated report of one completed scan
type ScanResult struct {
	ScanID             string                `json:"scan_id"`
	CompletedAt        time.Time             `json:"completed_at"`
	FindingsBySeverity map[Severity][]string `json:"vulnerabilities"` // severity -> sorted unique CVE ids
	CVEs               []CVERecord           `json:"cves"`            // sorted by id
	UnresolvedCVEs     []string              `json:"unresolved_cves"` // ids without a record
	Targets            []TargetReport        `json:"pods"`
	Summary            Summary               `json:"summary"`
}

// TargetsByName returns a copy of the per-target reports ordered by namespace and name
func (r *ScanResult) TargetsByName() []TargetReport {
	sorted := make([]TargetReport, len(r.Targets))
	copy(sorted, r.Targets)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Target.Namespace != sorted[j].Target.Namespace {
			return sorted[i].Target.Namespace < sorted[j].Target.Namespace
		}
		return sorted[i].Target.Name < sorted[j].Target.Name
	})
	return sorted
}

// CVE returns the resolved record for id, if any
func (r *ScanResult) CVE(id string) (CVERecord, bool) {
	i := sort.Search(len(r.CVEs), func(i int) bool { return r.CVEs[i].ID >= id })
	if i < len(r.CVEs) && r.CVEs[i].ID == id {
		return r.CVEs[i], true
	}
	return CVERecord{}, false
}
