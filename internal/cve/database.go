// ABOUTME: CVE lookup backed by an in-memory record database.
// ABOUTME: Ships built-in records and loads additional records from JSON files.

package cve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goark/go-cvss/v3/metric"
	"github.com/hashicorp/go-multierror"
	"github.com/jfeddern/KubeScan/internal/types"
)

// ErrNotFound is returned when an id has no known record
var ErrNotFound = errors.New("cve not found")

// Lookup resolves CVE ids to records. Resolving the same id always yields the same record.
type Lookup interface {
	Resolve(ctx context.Context, id string) (*types.CVERecord, error)
}

// Database is a read-mostly in-memory Lookup
type Database struct {
	mutex   sync.RWMutex
	records map[string]types.CVERecord
}

// NewDatabase creates a database holding the given records
func NewDatabase(records ...types.CVERecord) *Database {
	db := &Database{records: make(map[string]types.CVERecord, len(records))}
	for _, r := range records {
		db.records[r.ID] = Score(r)
	}
	return db
}

// NewBuiltinDatabase creates a database seeded with the built-in records
func NewBuiltinDatabase() *Database {
	return NewDatabase(BuiltinRecords()...)
}

// Resolve returns a copy of the record for id
func (d *Database) Resolve(ctx context.Context, id string) (*types.CVERecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mutex.RLock()
	record, ok := d.records[id]
	d.mutex.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &record, nil
}

// Len returns the number of records
func (d *Database) Len() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return len(d.records)
}

// LoadFile merges the records of a JSON file into the database.
// The file holds an array of records; invalid records reject the whole file.
func (d *Database) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read cve database file '%s': %w", path, err)
	}

	var records []types.CVERecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse cve database JSON: %w", err)
	}

	if err := validate(records); err != nil {
		return fmt.Errorf("invalid cve database '%s': %w", path, err)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	for _, r := range records {
		d.records[r.ID] = Score(r)
	}
	return nil
}

func validate(records []types.CVERecord) error {
	var result error
	seen := make(map[string]bool, len(records))
	for i, r := range records {
		if r.ID == "" {
			result = multierror.Append(result, fmt.Errorf("record #%d: id is missing", i))
			continue
		}
		if seen[r.ID] {
			result = multierror.Append(result, fmt.Errorf("record %s: duplicate id", r.ID))
		}
		seen[r.ID] = true
		if r.Severity == "" && r.CVSSVector == "" {
			result = multierror.Append(result, fmt.Errorf("record %s: severity or cvss_vector is required", r.ID))
		}
		if r.Severity != "" && !r.Severity.Valid() {
			result = multierror.Append(result, fmt.Errorf("record %s: unknown severity %q", r.ID, r.Severity))
		}
		if r.CVSSVector != "" {
			if _, err := metric.NewBase().Decode(r.CVSSVector); err != nil {
				result = multierror.Append(result, fmt.Errorf("record %s: invalid cvss vector: %v", r.ID, err))
			}
		}
	}
	return result
}

// Score fills the CVSS score, and the severity when absent, from the record's vector
func Score(r types.CVERecord) types.CVERecord {
	if r.CVSSVector == "" {
		return r
	}
	bm, err := metric.NewBase().Decode(r.CVSSVector)
	if err != nil {
		return r
	}
	r.Score = bm.Score()
	if r.Severity == "" {
		severity := types.Severity(strings.ToUpper(bm.Severity().String()))
		if severity.Valid() {
			r.Severity = severity
		} else {
			r.Severity = types.SeverityLow
		}
	}
	return r
}

func published(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nvdLink(id string) string {
	return "https://nvd.nist.gov/vuln/detail/" + id
}

// BuiltinRecords returns the records referenced by the built-in rules
func BuiltinRecords() []types.CVERecord {
	return []types.CVERecord{
		{
			ID:                 "CVE-2024-0001",
			Severity:           types.SeverityCritical,
			Description:        "Remote code execution in the container runtime lets attackers escape container isolation and run commands on the host.",
			AffectedComponents: []string{"containerd", "docker"},
			FixVersion:         "1.2.3",
			PublishedDate:      published("2024-01-15T00:00:00Z"),
			AttackVector:       "Network",
			Mitigation:         "Update the container runtime and apply security patches",
			CVSSVector:         "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:C/C:H/I:H/A:H",
			Link:               nvdLink("CVE-2024-0001"),
		},
		{
			ID:                 "CVE-2024-0002",
			Severity:           types.SeverityCritical,
			Description:        "Buffer overflow in kubelet allows privilege escalation from a compromised pod to root on the worker node.",
			AffectedComponents: []string{"kubelet"},
			FixVersion:         "1.29.1",
			PublishedDate:      published("2024-01-18T00:00:00Z"),
			AttackVector:       "Local",
			Mitigation:         "Upgrade kubelet to 1.29.1 or later",
			CVSSVector:         "CVSS:3.1/AV:L/AC:L/PR:N/UI:N/S:C/C:H/I:H/A:H",
			Link:               nvdLink("CVE-2024-0002"),
		},
		{
			ID:                 "CVE-2024-9012",
			Severity:           types.SeverityMedium,
			Description:        "Memory leak in the orchestration layer leads to resource exhaustion and potential denial of service.",
			AffectedComponents: []string{"kubernetes"},
			FixVersion:         "1.0.1",
			PublishedDate:      published("2024-01-30T00:00:00Z"),
			AttackVector:       "Local",
			Mitigation:         "Apply resource limits and restart containers regularly",
			Link:               nvdLink("CVE-2024-9012"),
		},
		{
			ID:                 "CVE-2024-7777",
			Severity:           types.SeverityMedium,
			Description:        "Insecure permissions on configuration files expose sensitive information to unauthorized users.",
			AffectedComponents: []string{"config-manager"},
			FixVersion:         "3.0.2",
			PublishedDate:      published("2024-01-24T00:00:00Z"),
			AttackVector:       "Local",
			Mitigation:         "Tighten file permissions and access controls",
			Link:               nvdLink("CVE-2024-7777"),
		},
	}
}
