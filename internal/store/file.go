// ABOUTME: File-backed result sink writing one JSON document per scan.
// ABOUTME: Writes atomically through a temp file and reads reports back by scan id.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jfeddern/KubeScan/internal/types"
	"github.com/sirupsen/logrus"
)

// ErrResultNotFound is returned when no stored report has the requested id
var ErrResultNotFound = errors.New("stored scan result not found")

// FileSink stores reports under <dir>/scans/scan_<id>.json
type FileSink struct {
	dir    string
	logger *logrus.Logger
}

// NewFileSink creates the scans directory and returns a sink writing into it
func NewFileSink(dir string, logger *logrus.Logger) (*FileSink, error) {
	scansDir := filepath.Join(dir, "scans")
	if err := os.MkdirAll(scansDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scans directory: %w", err)
	}
	return &FileSink{dir: scansDir, logger: logger}, nil
}

// Name returns the sink name
func (f *FileSink) Name() string {
	return "file"
}

// Save writes result to disk, replacing any earlier report with the same id
func (f *FileSink) Save(ctx context.Context, result *types.ScanResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(result)
	if err != nil {
		return err
	}

	path := filepath.Join(f.dir, objectName(result.ScanID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scan result: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move scan result into place: %w", err)
	}

	f.logger.WithFields(logrus.Fields{
		"scan_id": result.ScanID,
		"path":    path,
	}).Debug("Saved scan result to disk")
	return nil
}

// Load reads a stored report by scan id
func (f *FileSink) Load(scanID string) (*types.ScanResult, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, objectName(scanID)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrResultNotFound, scanID)
		}
		return nil, fmt.Errorf("failed to read scan result: %w", err)
	}

	var result types.ScanResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse scan result %s: %w", scanID, err)
	}
	return &result, nil
}

// List returns the ids of all stored reports in lexical order
func (f *FileSink) List() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "scan_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, "scan_"), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
