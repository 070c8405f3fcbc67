// ABOUTME: Provider interfaces for workload inventory sources.
// ABOUTME: Defines the contract shared by cluster, local and mock inventories.

package providers

import (
	"context"

	"github.com/jfeddern/KubeScan/internal/types"
)

// InventorySource lists the workload units to scan. Failures that mean the
// inventory was unreachable wrap types.ErrConnectivity.
type InventorySource interface {
	Name() string
	ListTargets(ctx context.Context) ([]types.ScanTarget, error)
}
