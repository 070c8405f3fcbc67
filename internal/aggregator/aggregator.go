// ABOUTME: Folds per-target findings into a single deduplicated scan report.
// ABOUTME: Aggregation is order independent so completion order never changes the result.

package aggregator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/jfeddern/KubeScan/internal/cve"
	"github.com/jfeddern/KubeScan/internal/types"
)

// ErrAggregation signals an internal invariant violation in the accumulator
var ErrAggregation = errors.New("aggregation invariant violated")

// Entry is the outcome of scanning one target, with its CVE ids already resolved
type Entry struct {
	Target   types.ScanTarget
	Findings []types.Finding
	// Records holds the resolved CVE records; ids missing here are unresolved
	Records map[string]types.CVERecord
}

// Resolve looks up every CVE id referenced by findings.
// Ids that fail to resolve are left out of Records and tracked as unresolved when folded.
func Resolve(ctx context.Context, lookup cve.Lookup, target types.ScanTarget, findings []types.Finding) (Entry, error) {
	entry := Entry{
		Target:   target,
		Findings: findings,
		Records:  make(map[string]types.CVERecord),
	}
	if lookup == nil {
		return entry, nil
	}

	for _, f := range findings {
		for _, id := range f.CVEs {
			if _, done := entry.Records[id]; done {
				continue
			}
			record, err := lookup.Resolve(ctx, id)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return entry, ctxErr
				}
				continue
			}
			entry.Records[id] = *record
		}
	}
	return entry, nil
}

// Accumulator holds set-based aggregation state. It is not safe for concurrent use.
type Accumulator struct {
	buckets  map[types.Severity]map[string]struct{}
	records  map[string]types.CVERecord
	referred map[string]struct{}
	targets  map[string]types.TargetReport
	findings map[types.Severity]int
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	buckets := make(map[types.Severity]map[string]struct{}, len(types.Severities))
	for _, s := range types.Severities {
		buckets[s] = make(map[string]struct{})
	}
	return &Accumulator{
		buckets:  buckets,
		records:  make(map[string]types.CVERecord),
		referred: make(map[string]struct{}),
		targets:  make(map[string]types.TargetReport),
		findings: make(map[types.Severity]int),
	}
}

// Fold adds one target's outcome to the accumulator
func (a *Accumulator) Fold(entry Entry) error {
	key := entry.Target.Key()
	if _, exists := a.targets[key]; exists {
		return fmt.Errorf("%w: target %s folded twice", ErrAggregation, key)
	}

	for id, record := range entry.Records {
		if err := a.addRecord(id, record); err != nil {
			return err
		}
	}

	report := types.TargetReport{
		Target:   entry.Target,
		Findings: entry.Findings,
		CVEs:     []string{},
	}
	targetCVEs := make(map[string]struct{})

	for _, f := range entry.Findings {
		a.findings[f.Severity]++
		for _, id := range f.CVEs {
			targetCVEs[id] = struct{}{}
			a.referred[id] = struct{}{}

			severity := f.Severity
			if record, ok := entry.Records[id]; ok {
				severity = record.Severity
			}
			bucket, ok := a.buckets[severity]
			if !ok {
				return fmt.Errorf("%w: unknown severity %q for %s", ErrAggregation, severity, id)
			}
			bucket[id] = struct{}{}
		}
	}

	report.CVEs = sortedKeys(targetCVEs)
	a.targets[key] = report
	return nil
}

// Merge folds another accumulator into this one
func (a *Accumulator) Merge(other *Accumulator) error {
	for key := range other.targets {
		if _, exists := a.targets[key]; exists {
			return fmt.Errorf("%w: target %s present in both accumulators", ErrAggregation, key)
		}
	}
	for id, record := range other.records {
		if err := a.addRecord(id, record); err != nil {
			return err
		}
	}
	for severity, ids := range other.buckets {
		for id := range ids {
			a.buckets[severity][id] = struct{}{}
		}
	}
	for id := range other.referred {
		a.referred[id] = struct{}{}
	}
	for severity, n := range other.findings {
		a.findings[severity] += n
	}
	for key, report := range other.targets {
		a.targets[key] = report
	}
	return nil
}

func (a *Accumulator) addRecord(id string, record types.CVERecord) error {
	if record.ID != id {
		return fmt.Errorf("%w: record keyed %s carries id %s", ErrAggregation, id, record.ID)
	}
	if existing, ok := a.records[id]; ok {
		if !reflect.DeepEqual(existing, record) {
			return fmt.Errorf("%w: conflicting records for %s", ErrAggregation, id)
		}
		return nil
	}
	a.records[id] = record
	return nil
}

// Result builds the immutable scan report. Summary counts are computed here, once.
func (a *Accumulator) Result(scanID string, totalTargets, failedTargets int, completedAt time.Time) *types.ScanResult {
	result := &types.ScanResult{
		ScanID:             scanID,
		CompletedAt:        completedAt,
		FindingsBySeverity: make(map[types.Severity][]string, len(a.buckets)),
		CVEs:               make([]types.CVERecord, 0, len(a.records)),
		UnresolvedCVEs:     []string{},
		Targets:            make([]types.TargetReport, 0, len(a.targets)),
	}

	for severity, ids := range a.buckets {
		result.FindingsBySeverity[severity] = sortedKeys(ids)
	}
	for _, record := range a.records {
		result.CVEs = append(result.CVEs, record)
	}
	sort.Slice(result.CVEs, func(i, j int) bool { return result.CVEs[i].ID < result.CVEs[j].ID })

	for id := range a.referred {
		if _, ok := a.records[id]; !ok {
			result.UnresolvedCVEs = append(result.UnresolvedCVEs, id)
		}
	}
	sort.Strings(result.UnresolvedCVEs)

	vulnerable := 0
	for _, report := range a.targets {
		result.Targets = append(result.Targets, report)
		if len(report.Findings) > 0 {
			vulnerable++
		}
	}

	findingsCount := make(map[types.Severity]int, len(types.Severities))
	for _, s := range types.Severities {
		findingsCount[s] = a.findings[s]
	}

	result.Summary = types.Summary{
		TotalTargets:      totalTargets,
		ScannedTargets:    len(a.targets),
		FailedTargets:     failedTargets,
		VulnerableTargets: vulnerable,
		TotalUniqueCVEs:   len(a.referred),
		FindingsCount:     findingsCount,
	}
	return result
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
