// ABOUTME: Entry point for the KubeScan security scan service.
// ABOUTME: Handles initialization, configuration parsing, and starts the HTTP server.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jfeddern/KubeScan/internal/checks"
	"github.com/jfeddern/KubeScan/internal/engine"
	"github.com/jfeddern/KubeScan/internal/metrics"
	"github.com/jfeddern/KubeScan/internal/providers"
	"github.com/jfeddern/KubeScan/internal/server"
	"github.com/jfeddern/KubeScan/internal/store"

	"github.com/sirupsen/logrus"
)

func main() {
	// Set up structured logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Set debug level if requested
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}

	config, err := parseConfig(os.Args[1:], os.Getenv, logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	// Start the exporter
	exporter, err := NewExporter(ctx, config, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create exporter")
	}

	if err := exporter.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start exporter")
	}
}

// parseConfig reads flags from args, then lets environment variables override them
func parseConfig(args []string, getenv func(string) string, logger *logrus.Logger) (*engine.Config, error) {
	config := engine.DefaultConfig()

	flags := flag.NewFlagSet("kubescan", flag.ContinueOnError)
	flags.StringVar(&config.Mode, "mode", config.Mode, "Operation mode: cluster or local")
	flags.IntVar(&config.Port, "port", config.Port, "Port to expose the HTTP API on")
	flags.StringVar(&config.Namespace, "namespace", "", "Namespace to scan (empty scans all namespaces)")
	flags.StringVar(&config.InventoryFile, "inventory-file", "", "Path to JSON file with scan targets (required for local mode)")
	flags.StringVar(&config.CVEDatabaseFile, "cve-db-file", "", "Path to JSON file with additional CVE records")
	flags.IntVar(&config.Concurrency, "concurrency", config.Concurrency, "Number of targets checked in parallel")
	flags.DurationVar(&config.TaskTimeout, "task-timeout", config.TaskTimeout, "Time limit for checking one target")
	flags.DurationVar(&config.CacheTTL, "cache-ttl", config.CacheTTL, "How long a scan result is served from cache")
	flags.DurationVar(&config.ScanInterval, "scan-interval", 0, "Interval between periodic scans (0 scans on demand only)")
	flags.StringVar(&config.ResultsDir, "results-dir", "", "Directory to persist completed scan results in")
	flags.StringVar(&config.S3Bucket, "s3-bucket", "", "S3 bucket to upload completed scan results to")
	flags.StringVar(&config.S3Prefix, "s3-prefix", "", "Key prefix for uploaded scan results")
	flags.StringVar(&config.S3Region, "s3-region", "", "AWS region of the S3 bucket")
	flags.StringVar(&config.S3AssumeRoleARN, "s3-assume-role-arn", "", "IAM role to assume for S3 uploads")
	flags.BoolVar(&config.MockMode, "mock", false, "Enable mock mode for local testing (no external API calls)")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	// Override with environment variables if set
	stringEnv := map[string]*string{
		"MODE":                    &config.Mode,
		"NAMESPACE":               &config.Namespace,
		"INVENTORY_FILE":          &config.InventoryFile,
		"CVE_DB_FILE":             &config.CVEDatabaseFile,
		"RESULTS_DIR":             &config.ResultsDir,
		"S3_BUCKET":               &config.S3Bucket,
		"S3_PREFIX":               &config.S3Prefix,
		"S3_REGION":               &config.S3Region,
		"AWS_IAM_ASSUME_ROLE_ARN": &config.S3AssumeRoleARN,
	}
	for key, target := range stringEnv {
		if value := getenv(key); value != "" {
			*target = value
		}
	}

	intEnv := map[string]*int{
		"PORT":             &config.Port,
		"SCAN_CONCURRENCY": &config.Concurrency,
	}
	for key, target := range intEnv {
		if value := getenv(key); value != "" {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				logger.WithFields(logrus.Fields{"variable": key, "value": value}).Warn("Ignoring invalid environment variable")
				continue
			}
			*target = parsed
		}
	}

	durationEnv := map[string]*time.Duration{
		"TASK_TIMEOUT":  &config.TaskTimeout,
		"CACHE_TTL":     &config.CacheTTL,
		"SCAN_INTERVAL": &config.ScanInterval,
	}
	for key, target := range durationEnv {
		if value := getenv(key); value != "" {
			parsed, err := time.ParseDuration(value)
			if err != nil {
				logger.WithFields(logrus.Fields{"variable": key, "value": value}).Warn("Ignoring invalid environment variable")
				continue
			}
			*target = parsed
		}
	}

	if envMock := getenv("MOCK_MODE"); envMock == "true" || envMock == "1" {
		config.MockMode = true
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

type Exporter struct {
	config  *engine.Config
	logger  *logrus.Logger
	scanner *engine.Scanner
	archive *store.FileSink // nil unless a results directory is configured
}

func NewExporter(ctx context.Context, config *engine.Config, logger *logrus.Logger) (*Exporter, error) {
	logger.WithFields(logrus.Fields{
		"mode":          config.Mode,
		"port":          config.Port,
		"namespace":     config.Namespace,
		"concurrency":   config.Concurrency,
		"cache_ttl":     config.CacheTTL,
		"scan_interval": config.ScanInterval,
		"mock":          config.MockMode,
	}).Info("Initializing KubeScan")

	// Create providers using factory
	providerConfig := &providers.ProviderConfig{
		Mode:            config.Mode,
		Namespace:       config.Namespace,
		InventoryFile:   config.InventoryFile,
		CVEDatabaseFile: config.CVEDatabaseFile,
		ResultsDir:      config.ResultsDir,
		S3: store.S3Config{
			Bucket:        config.S3Bucket,
			Prefix:        config.S3Prefix,
			Region:        config.S3Region,
			AssumeRoleARN: config.S3AssumeRoleARN,
		},
		MockMode: config.MockMode,
	}

	source, err := providers.CreateInventorySource(providerConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create inventory source: %w", err)
	}

	lookup, err := providers.CreateCVELookup(providerConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create CVE lookup: %w", err)
	}

	sink, err := providers.CreateSink(ctx, providerConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create result sink: %w", err)
	}

	var opts []engine.Option
	if sink != nil {
		opts = append(opts, engine.WithSink(sink))
	}

	checker := checks.NewDefaultEngine()
	logger.WithField("rules", checker.Rules()).Info("Loaded check rules")

	var archive *store.FileSink
	if config.ResultsDir != "" {
		archive, err = store.NewFileSink(config.ResultsDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open results directory: %w", err)
		}
	}

	scanner := engine.NewScanner(source, checker, lookup, config, logger, opts...)

	return &Exporter{
		config:  config,
		logger:  logger,
		scanner: scanner,
		archive: archive,
	}, nil
}

// Handler builds the HTTP routes of the service
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", e.securityMiddleware(metrics.CreateMetricsHandler(e.scanner, e.logger)))
	mux.HandleFunc("/scan", e.securityMiddleware(server.CreateScanHandler(e.scanner, e.logger), http.MethodPost, http.MethodDelete))
	mux.HandleFunc("/scan/status", e.securityMiddleware(server.CreateStatusHandler(e.scanner, e.logger)))
	mux.HandleFunc("/scan/result", e.securityMiddleware(server.CreateResultHandler(e.scanner, server.DefaultResultWait, e.logger)))
	if e.archive != nil {
		mux.HandleFunc("/scan/history", e.securityMiddleware(server.CreateHistoryHandler(e.archive, e.logger)))
	}
	mux.HandleFunc("/health", e.securityMiddleware(e.healthHandler))
	return mux
}

func (e *Exporter) Start(ctx context.Context) error {
	// Start the scan engine
	go e.scanner.Start(ctx)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", e.config.Port),
		Handler:           e.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		<-ctx.Done()
		e.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			e.logger.WithError(err).Warn("HTTP server shutdown did not complete")
		}
	}()

	e.logger.WithFields(logrus.Fields{
		"port": e.config.Port,
		"mode": e.config.Mode,
	}).Info("Starting HTTP server")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	return nil
}

// securityMiddleware sets security headers and rejects methods outside allowed.
// With no methods given only GET and HEAD are allowed.
func (e *Exporter) securityMiddleware(next http.HandlerFunc, allowed ...string) http.HandlerFunc {
	if len(allowed) == 0 {
		allowed = []string{http.MethodGet, http.MethodHead}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		// Security headers
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'none'; object-src 'none'; frame-ancestors 'none'")

		// Only allow specific HTTP methods
		permitted := false
		for _, method := range allowed {
			if r.Method == method {
				permitted = true
				break
			}
		}
		if !permitted {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Log the request
		e.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"remote_ip":  r.RemoteAddr,
			"user_agent": r.UserAgent(),
		}).Debug("HTTP request received")

		next(w, r)
	}
}

func (e *Exporter) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok"}`)
}
