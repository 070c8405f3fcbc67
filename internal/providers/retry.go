// ABOUTME: Retrying wrapper for inventory sources with bounded exponential backoff.
// ABOUTME: Only connectivity errors are retried; every other error is returned at once.

package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jfeddern/KubeScan/internal/types"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

// DefaultBackoff allows four attempts, sleeping 200ms, 400ms and 800ms in between
var DefaultBackoff = wait.Backoff{
	Steps:    4,
	Duration: 200 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

// RetryingSource retries ListTargets on connectivity errors
type RetryingSource struct {
	source  InventorySource
	backoff wait.Backoff
	clock   clock.Clock
	logger  *logrus.Logger
}

// NewRetryingSource wraps source. A zero backoff uses DefaultBackoff.
func NewRetryingSource(source InventorySource, backoff wait.Backoff, clk clock.Clock, logger *logrus.Logger) *RetryingSource {
	if backoff.Steps <= 0 {
		backoff = DefaultBackoff
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RetryingSource{
		source:  source,
		backoff: backoff,
		clock:   clk,
		logger:  logger,
	}
}

// Name returns the wrapped source name
func (r *RetryingSource) Name() string {
	return r.source.Name()
}

// ListTargets calls the wrapped source until it succeeds, returns a
// non-connectivity error, the backoff is exhausted or ctx is done.
func (r *RetryingSource) ListTargets(ctx context.Context) ([]types.ScanTarget, error) {
	logger := r.logger.WithFields(logrus.Fields{
		"operation": "list_targets",
		"source":    r.source.Name(),
	})

	backoff := r.backoff
	for attempt := 1; ; attempt++ {
		targets, err := r.source.ListTargets(ctx)
		if err == nil {
			return targets, nil
		}
		if !errors.Is(err, types.ErrConnectivity) {
			return nil, err
		}
		if backoff.Steps <= 1 {
			return nil, fmt.Errorf("failed to list targets after %d attempts: %w", attempt, err)
		}

		sleep := backoff.Step()
		logger.WithError(err).WithFields(logrus.Fields{
			"attempt":     attempt,
			"retry_after": sleep,
		}).Warn("Inventory fetch failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to list targets: %w", ctx.Err())
		case <-r.clock.After(sleep):
		}
	}
}
