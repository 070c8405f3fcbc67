// ABOUTME: Result sinks that persist completed scan reports.
// ABOUTME: Defines the Sink contract and fans a report out to several sinks.

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/jfeddern/KubeScan/internal/types"
)

// Sink persists a completed scan result
type Sink interface {
	Name() string
	Save(ctx context.Context, result *types.ScanResult) error
}

// MultiSink saves to every sink and reports all failures together
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that forwards to sinks in order
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Name returns the sink name
func (m *MultiSink) Name() string {
	return "multi"
}

// Save writes result to every sink, continuing past failures
func (m *MultiSink) Save(ctx context.Context, result *types.ScanResult) error {
	var errs *multierror.Error
	for _, sink := range m.sinks {
		if err := sink.Save(ctx, result); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to save to %s sink: %w", sink.Name(), err))
		}
	}
	return errs.ErrorOrNil()
}

// Len returns the number of wrapped sinks
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

func objectName(scanID string) string {
	return fmt.Sprintf("scan_%s.json", scanID)
}

func encode(result *types.ScanResult) ([]byte, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scan result: %w", err)
	}
	return data, nil
}
