// ABOUTME: Configuration for the scan engine and the service around it.
// ABOUTME: Holds defaults and validation shared by the command line and the scanner.

package engine

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	DefaultConcurrency = 10
	DefaultTaskTimeout = 30 * time.Second
	DefaultCacheTTL    = 300 * time.Second
)

// Config holds configuration for the scan engine
type Config struct {
	Mode            string
	Port            int
	Namespace       string // empty scans all namespaces
	InventoryFile   string
	CVEDatabaseFile string
	Concurrency     int
	TaskTimeout     time.Duration
	CacheTTL        time.Duration
	ScanInterval    time.Duration // zero scans on demand only
	ResultsDir      string
	S3Bucket        string
	S3Prefix        string
	S3Region        string
	S3AssumeRoleARN string
	MockMode        bool // Enable mock providers for local testing
}

// DefaultConfig returns a configuration with the engine defaults applied
func DefaultConfig() *Config {
	return &Config{
		Mode:        "cluster",
		Port:        9090,
		Concurrency: DefaultConcurrency,
		TaskTimeout: DefaultTaskTimeout,
		CacheTTL:    DefaultCacheTTL,
	}
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var result error

	if c.Mode != "cluster" && c.Mode != "local" {
		result = multierror.Append(result, fmt.Errorf("unsupported mode %q (expected cluster or local)", c.Mode))
	}
	if c.Mode == "local" && !c.MockMode && c.InventoryFile == "" {
		result = multierror.Append(result, fmt.Errorf("inventory file is required for local mode (unless using mock mode)"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.Concurrency <= 0 {
		result = multierror.Append(result, fmt.Errorf("concurrency must be positive, got %d", c.Concurrency))
	}
	if c.TaskTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("task timeout must be positive, got %s", c.TaskTimeout))
	}
	if c.CacheTTL <= 0 {
		result = multierror.Append(result, fmt.Errorf("cache ttl must be positive, got %s", c.CacheTTL))
	}
	if c.ScanInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("scan interval must not be negative, got %s", c.ScanInterval))
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		result = multierror.Append(result, fmt.Errorf("s3 region is required when an s3 bucket is set"))
	}

	return result
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Concurrency <= 0 {
		out.Concurrency = DefaultConcurrency
	}
	if out.TaskTimeout <= 0 {
		out.TaskTimeout = DefaultTaskTimeout
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = DefaultCacheTTL
	}
	return out
}
