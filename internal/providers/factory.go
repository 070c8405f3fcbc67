// ABOUTME: Factory for creating inventory sources, CVE lookups and result sinks.
// ABOUTME: Centralizes provider instantiation and configuration logic.

package providers

import (
	"context"
	"fmt"

	"github.com/jfeddern/KubeScan/internal/cve"
	"github.com/jfeddern/KubeScan/internal/providers/cluster"
	"github.com/jfeddern/KubeScan/internal/providers/local"
	"github.com/jfeddern/KubeScan/internal/providers/mock"
	"github.com/jfeddern/KubeScan/internal/store"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ProviderConfig holds configuration for creating providers
type ProviderConfig struct {
	Mode            string
	Namespace       string
	InventoryFile   string
	CVEDatabaseFile string
	ResultsDir      string
	S3              store.S3Config
	Backoff         wait.Backoff // zero value uses DefaultBackoff
	MockMode        bool         // Enable mock inventory for local testing
}

// CreateInventorySource creates an inventory source based on configuration.
// Cluster and local sources are wrapped so connectivity errors are retried.
func CreateInventorySource(config *ProviderConfig, logger *logrus.Logger) (InventorySource, error) {
	// Check for mock mode first
	if config.MockMode {
		logger.Info("Using mock inventory source for testing")
		return mock.NewInventorySource(logger), nil
	}

	var source InventorySource
	switch config.Mode {
	case "cluster":
		podSource, err := cluster.NewPodSource(config.Namespace, logger)
		if err != nil {
			return nil, err
		}
		source = podSource
	case "local":
		if config.InventoryFile == "" {
			return nil, fmt.Errorf("local mode requires an inventory file")
		}
		source = local.NewFileSource(config.InventoryFile, logger)
	default:
		return nil, fmt.Errorf("unsupported mode: %s", config.Mode)
	}

	return NewRetryingSource(source, config.Backoff, nil, logger), nil
}

// CreateCVELookup creates the CVE database from the built-in records plus an optional file
func CreateCVELookup(config *ProviderConfig, logger *logrus.Logger) (*cve.Database, error) {
	db := cve.NewBuiltinDatabase()
	if config.CVEDatabaseFile == "" {
		return db, nil
	}

	if err := db.LoadFile(config.CVEDatabaseFile); err != nil {
		return nil, fmt.Errorf("failed to load CVE database: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"file":         config.CVEDatabaseFile,
		"record_count": db.Len(),
	}).Info("Loaded CVE database")
	return db, nil
}

// CreateSink creates the result sinks that are configured. It returns nil when none are.
func CreateSink(ctx context.Context, config *ProviderConfig, logger *logrus.Logger) (store.Sink, error) {
	var sinks []store.Sink

	if config.ResultsDir != "" {
		fileSink, err := store.NewFileSink(config.ResultsDir, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fileSink)
	}

	if config.S3.Bucket != "" {
		s3Sink, err := store.NewS3Sink(ctx, config.S3, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s3Sink)
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		multi := store.NewMultiSink(sinks...)
		logger.WithField("sink_count", multi.Len()).Info("Persisting scan results to multiple sinks")
		return multi, nil
	}
}
