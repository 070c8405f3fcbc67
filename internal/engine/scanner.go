// ABOUTME: Scan orchestration engine that fans checks out over the workload inventory.
// ABOUTME: Enforces one scan at a time, tracks progress and caches the latest result.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jfeddern/KubeScan/internal/aggregator"
	"github.com/jfeddern/KubeScan/internal/cache"
	"github.com/jfeddern/KubeScan/internal/cve"
	"github.com/jfeddern/KubeScan/internal/status"
	"github.com/jfeddern/KubeScan/internal/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

var (
	// ErrNoResult is returned when no completed scan result can be served
	ErrNoResult = errors.New("no scan result available")
	// ErrScanCancelled is the terminal error of a scan stopped through Cancel or its context
	ErrScanCancelled = errors.New("scan cancelled")
)

// InventorySource lists the workload units to scan
type InventorySource interface {
	Name() string
	ListTargets(ctx context.Context) ([]types.ScanTarget, error)
}

// Checker evaluates one target. It must be safe for concurrent use.
type Checker interface {
	Evaluate(target types.ScanTarget) ([]types.Finding, error)
}

// Sink persists completed scan results
type Sink interface {
	Name() string
	Save(ctx context.Context, result *types.ScanResult) error
}

// TargetError is a non-fatal failure scanning one target
type TargetError struct {
	Target string
	Err    error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("failed to scan target %s: %v", e.Target, e.Err)
}

func (e *TargetError) Unwrap() error {
	return e.Err
}

// Ticket tracks one scan request
type Ticket struct {
	ScanID string
	// Cached is set when the request was answered from the result cache
	Cached bool

	done   chan struct{}
	result *types.ScanResult
	err    error
}

// Done is closed once the scan has finished
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the scan finishes or ctx is done
func (t *Ticket) Wait(ctx context.Context) (*types.ScanResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Ticket) finish(result *types.ScanResult, err error) {
	t.result = result
	t.err = err
	close(t.done)
}

// Option configures optional Scanner collaborators
type Option func(*Scanner)

// WithSink hands every completed result to sink
func WithSink(sink Sink) Option {
	return func(s *Scanner) {
		s.sink = sink
	}
}

// WithClock replaces the real clock. Its ticker drives periodic scans.
func WithClock(clk clock.WithTicker) Option {
	return func(s *Scanner) {
		s.clock = clk
	}
}

// Scanner owns the scan status, the result cache and the worker pool
type Scanner struct {
	inventory InventorySource
	checker   Checker
	lookup    cve.Lookup
	sink      Sink
	config    Config
	clock     clock.WithTicker
	logger    *logrus.Logger

	tracker *status.Tracker
	cache   *cache.ResultCache

	mutex   sync.Mutex
	current *Ticket
	cancel  context.CancelFunc
}

// NewScanner creates a scanner. lookup may be nil, leaving every CVE id unresolved.
func NewScanner(inventory InventorySource, checker Checker, lookup cve.Lookup, config *Config, logger *logrus.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		inventory: inventory,
		checker:   checker,
		lookup:    lookup,
		config:    config.withDefaults(),
		clock:     clock.RealClock{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tracker = status.NewTracker(s.clock)
	s.cache = cache.NewResultCache(s.config.CacheTTL, s.clock, logger)
	return s
}

// Start runs a scan immediately and then every ScanInterval until ctx is done.
// With no interval configured it only waits for ctx.
func (s *Scanner) Start(ctx context.Context) {
	logger := s.logger.WithField("component", "scan_engine")

	if s.config.ScanInterval <= 0 {
		logger.Info("Periodic scanning disabled, scans run on demand")
		<-ctx.Done()
		s.Cancel()
		return
	}

	s.startPeriodic(ctx, logger)

	ticker := s.clock.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	logger.WithField("interval", s.config.ScanInterval).Info("Starting periodic scans")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Scan engine stopping")
			s.Cancel()
			return
		case <-ticker.C():
			s.startPeriodic(ctx, logger)
		}
	}
}

func (s *Scanner) startPeriodic(ctx context.Context, logger *logrus.Entry) {
	if _, err := s.StartScan(ctx, true); err != nil {
		if errors.Is(err, status.ErrAlreadyRunning) {
			logger.Debug("Skipping periodic scan, previous scan still running")
			return
		}
		logger.WithError(err).Error("Failed to start periodic scan")
	}
}

// StartScan starts a scan in the background. Unless force is set, a fresh
// cached result answers the request without any scan work. A request made
// while a scan is in flight fails with status.ErrAlreadyRunning.
func (s *Scanner) StartScan(ctx context.Context, force bool) (*Ticket, error) {
	if !force {
		if result, ok := s.cache.Get(); ok {
			return cachedTicket(result), nil
		}
	}

	scanID := uuid.NewString()

	s.mutex.Lock()
	// A scan may have completed since the cache was checked
	if !force {
		if result, ok := s.cache.Get(); ok {
			s.mutex.Unlock()
			return cachedTicket(result), nil
		}
	}
	if err := s.tracker.Begin(scanID); err != nil {
		s.mutex.Unlock()
		return nil, err
	}
	// The scan outlives the request that started it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ticket := &Ticket{ScanID: scanID, done: make(chan struct{})}
	s.current = ticket
	s.cancel = cancel
	s.mutex.Unlock()

	go func() {
		defer cancel()
		result, err := s.run(runCtx, scanID)
		ticket.finish(result, err)
	}()

	return ticket, nil
}

func cachedTicket(result *types.ScanResult) *Ticket {
	ticket := &Ticket{ScanID: result.ScanID, Cached: true, done: make(chan struct{})}
	ticket.finish(result, nil)
	return ticket
}

// Scan runs a scan and waits for its result
func (s *Scanner) Scan(ctx context.Context, force bool) (*types.ScanResult, error) {
	ticket, err := s.StartScan(ctx, force)
	if err != nil {
		return nil, err
	}
	return ticket.Wait(ctx)
}

// Cancel stops the scan in flight. It reports whether there was one.
func (s *Scanner) Cancel() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cancel == nil || !s.tracker.Running() {
		return false
	}
	s.cancel()
	return true
}

// GetStatus returns a snapshot of the scan status
func (s *Scanner) GetStatus() types.ScanStatus {
	return s.tracker.Snapshot()
}

// GetLatestResult serves the cached result while it is fresh. Otherwise it
// runs a new scan, or joins the one in flight, and waits for it.
func (s *Scanner) GetLatestResult(ctx context.Context) (*types.ScanResult, error) {
	if result, ok := s.cache.Get(); ok {
		return result, nil
	}
	if present, age := s.cache.Stats(); present {
		s.logger.WithFields(logrus.Fields{
			"age": age,
			"ttl": s.cache.TTL(),
		}).Debug("Cached result expired, rescanning")
	}

	ticket, err := s.StartScan(ctx, false)
	if errors.Is(err, status.ErrAlreadyRunning) {
		s.mutex.Lock()
		ticket = s.current
		s.mutex.Unlock()
		err = nil
	}
	if err != nil {
		return nil, err
	}

	result, err := ticket.Wait(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrNoResult, err)
	}
	return result, nil
}

// CachedResult returns the most recent completed result regardless of age
func (s *Scanner) CachedResult() (*types.ScanResult, time.Time, bool) {
	entry, ok := s.cache.Peek()
	if !ok {
		return nil, time.Time{}, false
	}
	return entry.Result, entry.CapturedAt, true
}

type outcome struct {
	entry aggregator.Entry
	err   error
}

func (s *Scanner) run(ctx context.Context, scanID string) (*types.ScanResult, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"operation": "scan",
		"scan_id":   scanID,
	})
	startTime := s.clock.Now()

	logger.WithField("source", s.inventory.Name()).Info("Starting scan")

	targets, err := s.inventory.ListTargets(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.fail(logger, "Scan cancelled", ErrScanCancelled)
		}
		return s.fail(logger, "Inventory fetch failed", err)
	}

	s.tracker.SetTotal(len(targets))
	logger.WithField("target_count", len(targets)).Info("Listed scan targets")

	acc := aggregator.NewAccumulator()
	var aggErr error
	var targetErrs *multierror.Error

	for o := range s.dispatch(ctx, targets) {
		if o.err != nil {
			targetErrs = multierror.Append(targetErrs, o.err)
			logger.WithError(o.err).Warn("Target scan failed")
		} else if aggErr == nil {
			if err := acc.Fold(o.entry); err != nil {
				aggErr = err
				s.cancelCurrent()
			}
		}
		s.tracker.Advance()
	}

	if aggErr != nil {
		return s.fail(logger, "Aggregation failed", aggErr)
	}
	if ctx.Err() != nil {
		return s.fail(logger, "Scan cancelled", ErrScanCancelled)
	}

	failed := 0
	if targetErrs != nil {
		failed = len(targetErrs.Errors)
		logger.WithError(targetErrs.ErrorOrNil()).WithField("failed_targets", failed).Warn("Some targets could not be scanned")
	}

	result := acc.Result(scanID, len(targets), failed, s.clock.Now())
	// Cache and status change together so StartScan sees either a running scan or its result
	s.mutex.Lock()
	s.cache.Put(result)
	s.tracker.Complete(fmt.Sprintf("Scan completed: %d of %d targets scanned, %d unique CVEs",
		result.Summary.ScannedTargets, result.Summary.TotalTargets, result.Summary.TotalUniqueCVEs))
	s.mutex.Unlock()

	logger.WithFields(logrus.Fields{
		"duration":           s.clock.Since(startTime),
		"targets_scanned":    result.Summary.ScannedTargets,
		"targets_failed":     failed,
		"vulnerable_targets": result.Summary.VulnerableTargets,
		"unique_cves":        result.Summary.TotalUniqueCVEs,
	}).Info("Scan completed")

	s.persist(ctx, logger, result)
	return result, nil
}

func (s *Scanner) fail(logger *logrus.Entry, message string, err error) (*types.ScanResult, error) {
	logger.WithError(err).Error(message)
	s.tracker.Fail(message, err)
	return nil, fmt.Errorf("%s: %w", message, err)
}

func (s *Scanner) cancelCurrent() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// dispatch feeds targets through a bounded queue to Concurrency workers and
// streams their outcomes in completion order. The channel is closed once every
// worker has returned.
func (s *Scanner) dispatch(ctx context.Context, targets []types.ScanTarget) <-chan outcome {
	queue := make(chan types.ScanTarget, s.config.Concurrency)
	outcomes := make(chan outcome, s.config.Concurrency)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, target := range targets {
			select {
			case queue <- target:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < s.config.Concurrency; i++ {
		g.Go(func() error {
			for target := range queue {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				outcomes <- s.scanTarget(gctx, target)
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(outcomes)
	}()

	return outcomes
}

// scanTarget evaluates one target and resolves its CVE ids within TaskTimeout.
// A check that panics or overruns the timeout becomes a TargetError.
func (s *Scanner) scanTarget(ctx context.Context, target types.ScanTarget) outcome {
	taskCtx, cancel := context.WithTimeout(ctx, s.config.TaskTimeout)
	defer cancel()

	key := target.Key()
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &TargetError{Target: key, Err: fmt.Errorf("check panicked: %v", r)}}
			}
		}()

		findings, err := s.checker.Evaluate(target)
		if err != nil {
			done <- outcome{err: &TargetError{Target: key, Err: err}}
			return
		}

		entry, err := aggregator.Resolve(taskCtx, s.lookup, target, findings)
		if err != nil {
			done <- outcome{err: &TargetError{Target: key, Err: fmt.Errorf("failed to resolve CVEs: %w", err)}}
			return
		}
		done <- outcome{entry: entry}
	}()

	select {
	case o := <-done:
		return o
	case <-taskCtx.Done():
		return outcome{err: &TargetError{Target: key, Err: fmt.Errorf("check did not finish: %w", taskCtx.Err())}}
	}
}

func (s *Scanner) persist(ctx context.Context, logger *logrus.Entry, result *types.ScanResult) {
	if s.sink == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, s.config.TaskTimeout)
	defer cancel()

	if err := s.sink.Save(saveCtx, result); err != nil {
		logger.WithError(err).WithField("sink", s.sink.Name()).Error("Failed to persist scan result")
	}
}
