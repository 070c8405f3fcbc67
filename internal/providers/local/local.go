// ABOUTME: Local file-based inventory source for development and testing purposes.
// ABOUTME: Reads scan targets from JSON files without cluster API dependencies.

package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jfeddern/KubeScan/internal/types"
	"github.com/sirupsen/logrus"
)

// defaultNamespace is assigned to targets that do not name one
const defaultNamespace = "local"

// FileSource implements the inventory source for a local JSON file
type FileSource struct {
	inventoryFile string
	logger        *logrus.Logger
}

// NewFileSource creates a new local file-based inventory source
func NewFileSource(inventoryFile string, logger *logrus.Logger) *FileSource {
	return &FileSource{
		inventoryFile: inventoryFile,
		logger:        logger,
	}
}

// Name returns the source name
func (l *FileSource) Name() string {
	return "local"
}

// ListTargets reads scan targets from a JSON file.
// The file is re-read on every call so edits show up in the next scan.
func (l *FileSource) ListTargets(ctx context.Context) ([]types.ScanTarget, error) {
	logger := l.logger.WithField("operation", "list_targets_local")

	data, err := os.ReadFile(l.inventoryFile)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read inventory file '%s': %v", types.ErrConnectivity, l.inventoryFile, err)
	}

	var targets []types.ScanTarget
	if err := json.Unmarshal(data, &targets); err != nil {
		return nil, fmt.Errorf("%w: failed to parse inventory JSON: %v", types.ErrConnectivity, err)
	}

	for i := range targets {
		if targets[i].Namespace == "" {
			targets[i].Namespace = defaultNamespace
		}
	}

	logger.WithField("target_count", len(targets)).Info("Local inventory completed")
	return targets, nil
}
