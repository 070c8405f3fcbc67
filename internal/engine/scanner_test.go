// ABOUTME: Comprehensive tests for the scan orchestration engine.
// ABOUTME: Tests mutual exclusion, caching, partial failures, progress, cancellation and timeouts.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jfeddern/KubeScan/internal/checks"
	"github.com/jfeddern/KubeScan/internal/cve"
	"github.com/jfeddern/KubeScan/internal/status"
	"github.com/jfeddern/KubeScan/internal/types"
	"github.com/sirupsen/logrus"
	clocktesting "k8s.io/utils/clock/testing"
)

// Mock implementations for testing
type MockInventorySource struct {
	targets []types.ScanTarget
	err     error
	gate    chan struct{} // when set, ListTargets blocks until it is closed
	calls   atomic.Int32
}

func (m *MockInventorySource) Name() string {
	return "mock-inventory"
}

func (m *MockInventorySource) ListTargets(ctx context.Context) ([]types.ScanTarget, error) {
	m.calls.Add(1)
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.targets, nil
}

// MockChecker delegates to the default rules and misbehaves for selected targets
type MockChecker struct {
	engine  *checks.Engine
	panics  map[string]bool
	hangs   map[string]bool
	release chan struct{}
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (m *MockChecker) Evaluate(target types.ScanTarget) ([]types.Finding, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		peak := m.maxInFlight.Load()
		if n <= peak || m.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	if m.panics[target.Name] {
		panic("rule exploded")
	}
	if m.hangs[target.Name] {
		<-m.release
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.engine.Evaluate(target)
}

func boolPtr(b bool) *bool {
	return &b
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func hardenedTarget(name string) types.ScanTarget {
	return types.ScanTarget{
		Namespace:    "default",
		Name:         name,
		RunAsNonRoot: boolPtr(true),
		Containers: []types.ContainerSpec{{
			Name:                   "app",
			Image:                  "app:1.0.0",
			Limits:                 map[string]string{"cpu": "500m"},
			ReadOnlyRootFilesystem: boolPtr(true),
		}},
	}
}

func privilegedTarget(name string) types.ScanTarget {
	target := hardenedTarget(name)
	target.Containers[0].Privileged = boolPtr(true)
	return target
}

func manyTargets(n int) []types.ScanTarget {
	targets := make([]types.ScanTarget, 0, n)
	for i := 0; i < n; i++ {
		targets = append(targets, privilegedTarget(fmt.Sprintf("pod-%03d", i)))
	}
	return targets
}

func newTestScanner(inventory InventorySource, checker Checker, config *Config, opts ...Option) *Scanner {
	if checker == nil {
		checker = checks.NewDefaultEngine()
	}
	if config == nil {
		config = DefaultConfig()
	}
	return NewScanner(inventory, checker, cve.NewBuiltinDatabase(), config, testLogger(), opts...)
}

func waitTicket(t *testing.T, ticket *Ticket) (*types.ScanResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := ticket.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatal("Timed out waiting for scan to finish")
	}
	return result, err
}

func TestNewScanner(t *testing.T) {
	inventory := &MockInventorySource{}
	scanner := NewScanner(inventory, checks.NewDefaultEngine(), nil, &Config{}, testLogger())

	if scanner.inventory != inventory {
		t.Error("NewScanner() did not set inventory correctly")
	}
	if scanner.config.Concurrency != DefaultConcurrency {
		t.Errorf("Expected default concurrency %d, got %d", DefaultConcurrency, scanner.config.Concurrency)
	}
	if scanner.config.TaskTimeout != DefaultTaskTimeout {
		t.Errorf("Expected default task timeout %s, got %s", DefaultTaskTimeout, scanner.config.TaskTimeout)
	}
	if scanner.cache.TTL() != DefaultCacheTTL {
		t.Errorf("Expected default cache TTL %s, got %s", DefaultCacheTTL, scanner.cache.TTL())
	}

	snapshot := scanner.GetStatus()
	if snapshot.Phase != types.PhaseIdle {
		t.Errorf("Expected idle status before any scan, got %s", snapshot.Phase)
	}
}

func TestScannerScan(t *testing.T) {
	inventory := &MockInventorySource{
		targets: []types.ScanTarget{
			hardenedTarget("clean"),
			privilegedTarget("privileged"),
			{
				Namespace: "default",
				Name:      "root",
				Containers: []types.ContainerSpec{{
					Name:   "app",
					Image:  "app:1.0.0",
					Limits: map[string]string{"memory": "128Mi"},
				}},
			},
		},
	}
	scanner := newTestScanner(inventory, nil, nil)

	result, err := scanner.Scan(context.Background(), false)
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}

	if result.Summary.TotalTargets != 3 || result.Summary.ScannedTargets != 3 {
		t.Errorf("Expected 3 total and scanned targets, got %+v", result.Summary)
	}
	if result.Summary.VulnerableTargets != 2 {
		t.Errorf("Expected 2 vulnerable targets, got %d", result.Summary.VulnerableTargets)
	}
	// privileged -> CVE-2024-0002, root -> CVE-2024-0001 and CVE-2024-7777
	if result.Summary.TotalUniqueCVEs != 3 {
		t.Errorf("Expected 3 unique CVEs, got %d", result.Summary.TotalUniqueCVEs)
	}
	// buckets follow the record severity, so the HIGH run-as-root finding lands in CRITICAL
	if got := result.FindingsBySeverity[types.SeverityCritical]; len(got) != 2 || got[0] != "CVE-2024-0001" || got[1] != "CVE-2024-0002" {
		t.Errorf("Expected CRITICAL bucket [CVE-2024-0001 CVE-2024-0002], got %v", got)
	}
	if got := result.FindingsBySeverity[types.SeverityMedium]; len(got) != 1 || got[0] != "CVE-2024-7777" {
		t.Errorf("Expected MEDIUM bucket [CVE-2024-7777], got %v", got)
	}
	if len(result.UnresolvedCVEs) != 0 {
		t.Errorf("Expected every CVE to resolve, got unresolved %v", result.UnresolvedCVEs)
	}

	snapshot := scanner.GetStatus()
	if snapshot.Phase != types.PhaseCompleted || snapshot.Progress != 100 {
		t.Errorf("Expected completed at 100%%, got %s at %d", snapshot.Phase, snapshot.Progress)
	}
	if snapshot.ScanID != result.ScanID {
		t.Errorf("Status scan id %s does not match result %s", snapshot.ScanID, result.ScanID)
	}
	if snapshot.LastCompletedAt == nil {
		t.Error("Expected last completion time to be set")
	}
}

func TestScannerRejectsConcurrentStart(t *testing.T) {
	inventory := &MockInventorySource{
		targets: []types.ScanTarget{hardenedTarget("web")},
		gate:    make(chan struct{}),
	}
	scanner := newTestScanner(inventory, nil, nil)

	const callers = 8
	var wg sync.WaitGroup
	var accepted atomic.Int32
	var rejected atomic.Int32
	tickets := make(chan *Ticket, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := scanner.StartScan(context.Background(), true)
			switch {
			case err == nil:
				accepted.Add(1)
				tickets <- ticket
			case errors.Is(err, status.ErrAlreadyRunning):
				rejected.Add(1)
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(inventory.gate)
	close(tickets)

	if accepted.Load() != 1 {
		t.Fatalf("Expected exactly one accepted scan, got %d", accepted.Load())
	}
	if rejected.Load() != callers-1 {
		t.Errorf("Expected %d rejected scans, got %d", callers-1, rejected.Load())
	}

	if _, err := waitTicket(t, <-tickets); err != nil {
		t.Fatalf("Accepted scan failed: %v", err)
	}
	if inventory.calls.Load() != 1 {
		t.Errorf("Expected one inventory fetch, got %d", inventory.calls.Load())
	}
}

func TestScannerInventoryFailureKeepsCache(t *testing.T) {
	inventory := &MockInventorySource{targets: []types.ScanTarget{privilegedTarget("web")}}
	scanner := newTestScanner(inventory, nil, nil)

	first, err := scanner.Scan(context.Background(), false)
	if err != nil {
		t.Fatalf("First scan failed: %v", err)
	}

	inventory.err = fmt.Errorf("%w: connection refused", types.ErrConnectivity)
	_, err = scanner.Scan(context.Background(), true)
	if !errors.Is(err, types.ErrConnectivity) {
		t.Fatalf("Expected connectivity error, got %v", err)
	}

	snapshot := scanner.GetStatus()
	if snapshot.Phase != types.PhaseError {
		t.Errorf("Expected error phase, got %s", snapshot.Phase)
	}
	if snapshot.Error == "" {
		t.Error("Expected status error to be set")
	}

	latest, err := scanner.GetLatestResult(context.Background())
	if err != nil {
		t.Fatalf("GetLatestResult() failed: %v", err)
	}
	if latest != first {
		t.Error("Expected the earlier cached result to remain servable")
	}
	if inventory.calls.Load() != 2 {
		t.Errorf("Expected 2 inventory fetches, got %d", inventory.calls.Load())
	}
}

func TestScannerInventoryFailureWithoutCache(t *testing.T) {
	inventory := &MockInventorySource{err: fmt.Errorf("%w: no route to host", types.ErrConnectivity)}
	scanner := newTestScanner(inventory, nil, nil)

	_, err := scanner.GetLatestResult(context.Background())
	if !errors.Is(err, ErrNoResult) {
		t.Errorf("Expected ErrNoResult, got %v", err)
	}
	if _, _, ok := scanner.CachedResult(); ok {
		t.Error("Failed scan must not populate the cache")
	}
}

func TestScannerGetLatestResultCaching(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))
	inventory := &MockInventorySource{targets: []types.ScanTarget{privilegedTarget("web")}}
	scanner := newTestScanner(inventory, nil, nil, WithClock(fakeClock))

	first, err := scanner.GetLatestResult(context.Background())
	if err != nil {
		t.Fatalf("GetLatestResult() failed: %v", err)
	}

	fakeClock.Step(DefaultCacheTTL / 2)
	second, err := scanner.GetLatestResult(context.Background())
	if err != nil {
		t.Fatalf("GetLatestResult() failed: %v", err)
	}
	if second != first {
		t.Error("Expected identical result within TTL")
	}
	if inventory.calls.Load() != 1 {
		t.Errorf("Expected a single inventory fetch within TTL, got %d", inventory.calls.Load())
	}

	ticket, err := scanner.StartScan(context.Background(), false)
	if err != nil {
		t.Fatalf("StartScan() failed: %v", err)
	}
	if !ticket.Cached || ticket.ScanID != first.ScanID {
		t.Error("Expected StartScan to be answered from cache within TTL")
	}

	fakeClock.Step(DefaultCacheTTL)
	third, err := scanner.GetLatestResult(context.Background())
	if err != nil {
		t.Fatalf("GetLatestResult() failed: %v", err)
	}
	if third.ScanID == first.ScanID {
		t.Error("Expected a fresh scan after TTL expiry")
	}
	if inventory.calls.Load() != 2 {
		t.Errorf("Expected 2 inventory fetches after expiry, got %d", inventory.calls.Load())
	}
}

func TestScannerGetLatestResultJoinsRunningScan(t *testing.T) {
	inventory := &MockInventorySource{
		targets: []types.ScanTarget{privilegedTarget("web")},
		gate:    make(chan struct{}),
	}
	scanner := newTestScanner(inventory, nil, nil)

	ticket, err := scanner.StartScan(context.Background(), true)
	if err != nil {
		t.Fatalf("StartScan() failed: %v", err)
	}

	results := make(chan *types.ScanResult, 1)
	go func() {
		result, err := scanner.GetLatestResult(context.Background())
		if err != nil {
			t.Errorf("GetLatestResult() failed: %v", err)
		}
		results <- result
	}()

	close(inventory.gate)
	result := <-results
	if result == nil || result.ScanID != ticket.ScanID {
		t.Error("Expected GetLatestResult to return the running scan's result")
	}
	if inventory.calls.Load() != 1 {
		t.Errorf("Expected one inventory fetch, got %d", inventory.calls.Load())
	}
}

func TestScannerPartialFailure(t *testing.T) {
	malformed := types.ScanTarget{Namespace: "default", Name: "broken"}
	inventory := &MockInventorySource{
		targets: []types.ScanTarget{privilegedTarget("a"), malformed, hardenedTarget("c")},
	}
	scanner := newTestScanner(inventory, nil, nil)

	result, err := scanner.Scan(context.Background(), false)
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}

	if len(result.Targets) != 2 {
		t.Errorf("Expected 2 target reports, got %d", len(result.Targets))
	}
	if result.Summary.TotalTargets != 3 {
		t.Errorf("Expected 3 total targets, got %d", result.Summary.TotalTargets)
	}
	if result.Summary.FailedTargets != 1 {
		t.Errorf("Expected 1 failed target, got %d", result.Summary.FailedTargets)
	}
	if result.Summary.VulnerableTargets != 1 {
		t.Errorf("Expected 1 vulnerable target, got %d", result.Summary.VulnerableTargets)
	}
	for _, report := range result.Targets {
		if report.Target.Name == "broken" {
			t.Error("Failed target must be omitted from the report")
		}
	}

	snapshot := scanner.GetStatus()
	if snapshot.Phase != types.PhaseCompleted {
		t.Errorf("Expected completed phase, got %s", snapshot.Phase)
	}
	if snapshot.Error != "" {
		t.Errorf("Per-target failures must not set status error, got %q", snapshot.Error)
	}
}

func TestScannerRecoversCheckPanic(t *testing.T) {
	checker := &MockChecker{engine: checks.NewDefaultEngine(), panics: map[string]bool{"bad": true}}
	inventory := &MockInventorySource{targets: []types.ScanTarget{hardenedTarget("good"), hardenedTarget("bad")}}
	scanner := newTestScanner(inventory, checker, nil)

	result, err := scanner.Scan(context.Background(), false)
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if result.Summary.ScannedTargets != 1 || result.Summary.FailedTargets != 1 {
		t.Errorf("Expected 1 scanned and 1 failed target, got %+v", result.Summary)
	}
}

func TestScannerTaskTimeout(t *testing.T) {
	checker := &MockChecker{
		engine:  checks.NewDefaultEngine(),
		hangs:   map[string]bool{"slow": true},
		release: make(chan struct{}),
	}
	defer close(checker.release)

	inventory := &MockInventorySource{targets: []types.ScanTarget{hardenedTarget("fast"), hardenedTarget("slow")}}
	config := DefaultConfig()
	config.TaskTimeout = 50 * time.Millisecond
	scanner := newTestScanner(inventory, checker, config)

	result, err := scanner.Scan(context.Background(), false)
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if result.Summary.FailedTargets != 1 {
		t.Errorf("Expected the slow target to time out, got %+v", result.Summary)
	}
	if scanner.GetStatus().Phase != types.PhaseCompleted {
		t.Error("A timed out target must not fail the scan")
	}
}

func TestScannerCancel(t *testing.T) {
	checker := &MockChecker{
		engine:  checks.NewDefaultEngine(),
		hangs:   map[string]bool{"pod-000": true},
		release: make(chan struct{}),
	}
	defer close(checker.release)

	inventory := &MockInventorySource{targets: manyTargets(20)}
	scanner := newTestScanner(inventory, checker, nil)

	if scanner.Cancel() {
		t.Error("Cancel() should report false with no scan in flight")
	}

	ticket, err := scanner.StartScan(context.Background(), false)
	if err != nil {
		t.Fatalf("StartScan() failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for scanner.GetStatus().ScannedTargets < 19 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if !scanner.Cancel() {
		t.Error("Cancel() should report true while a scan is running")
	}

	_, err = waitTicket(t, ticket)
	if !errors.Is(err, ErrScanCancelled) {
		t.Errorf("Expected ErrScanCancelled, got %v", err)
	}
	if scanner.GetStatus().Phase != types.PhaseError {
		t.Errorf("Expected error phase after cancel, got %s", scanner.GetStatus().Phase)
	}
	if _, _, ok := scanner.CachedResult(); ok {
		t.Error("Cancelled scan must not populate the cache")
	}
}

func TestScannerBoundsConcurrency(t *testing.T) {
	checker := &MockChecker{engine: checks.NewDefaultEngine(), delay: 5 * time.Millisecond}
	inventory := &MockInventorySource{targets: manyTargets(30)}
	config := DefaultConfig()
	config.Concurrency = 3
	scanner := newTestScanner(inventory, checker, config)

	result, err := scanner.Scan(context.Background(), false)
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if result.Summary.ScannedTargets != 30 {
		t.Errorf("Expected 30 scanned targets, got %d", result.Summary.ScannedTargets)
	}
	if peak := checker.maxInFlight.Load(); peak > 3 {
		t.Errorf("Expected at most 3 concurrent checks, observed %d", peak)
	}
}

func TestScannerProgressIsMonotonic(t *testing.T) {
	checker := &MockChecker{engine: checks.NewDefaultEngine(), delay: time.Millisecond}
	inventory := &MockInventorySource{targets: manyTargets(60)}
	scanner := newTestScanner(inventory, checker, nil)

	ticket, err := scanner.StartScan(context.Background(), false)
	if err != nil {
		t.Fatalf("StartScan() failed: %v", err)
	}

	last := 0
	for {
		snapshot := scanner.GetStatus()
		if snapshot.Progress < last {
			t.Fatalf("Progress decreased from %d to %d", last, snapshot.Progress)
		}
		if (snapshot.Progress == 100) != (snapshot.Phase == types.PhaseCompleted) {
			t.Fatalf("Progress %d observed in phase %s", snapshot.Progress, snapshot.Phase)
		}
		last = snapshot.Progress
		if snapshot.Phase != types.PhaseRunning {
			break
		}
	}

	if _, err := waitTicket(t, ticket); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if last != 100 {
		t.Errorf("Expected final progress 100, got %d", last)
	}
}

type MockSink struct {
	mutex   sync.Mutex
	results []*types.ScanResult
	err     error
}

func (m *MockSink) Name() string {
	return "mock-sink"
}

func (m *MockSink) Save(ctx context.Context, result *types.ScanResult) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.results = append(m.results, result)
	return m.err
}

func TestScannerPersistsResults(t *testing.T) {
	sink := &MockSink{err: errors.New("disk full")}
	inventory := &MockInventorySource{targets: []types.ScanTarget{privilegedTarget("web")}}
	scanner := newTestScanner(inventory, nil, nil, WithSink(sink))

	result, err := scanner.Scan(context.Background(), false)
	if err != nil {
		t.Fatalf("Sink failures must not fail the scan: %v", err)
	}

	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	if len(sink.results) != 1 || sink.results[0] != result {
		t.Errorf("Expected the result to be handed to the sink once, got %d", len(sink.results))
	}
}

func TestScannerStartPeriodic(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))
	inventory := &MockInventorySource{targets: []types.ScanTarget{hardenedTarget("web")}}
	config := DefaultConfig()
	config.ScanInterval = time.Minute
	scanner := newTestScanner(inventory, nil, config, WithClock(fakeClock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scanner.Start(ctx)
		close(done)
	}()

	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("Timed out waiting for %s", what)
			}
			time.Sleep(time.Millisecond)
		}
	}

	// The initial scan runs before the ticker is armed
	waitFor("initial scan", func() bool {
		return inventory.calls.Load() == 1 && scanner.GetStatus().Phase == types.PhaseCompleted
	})
	waitFor("ticker", fakeClock.HasWaiters)
	first := scanner.GetStatus().ScanID

	fakeClock.Step(config.ScanInterval)
	waitFor("periodic scan", func() bool {
		snapshot := scanner.GetStatus()
		return snapshot.Phase == types.PhaseCompleted && snapshot.ScanID != first
	})

	cancel()
	<-done

	if calls := inventory.calls.Load(); calls != 2 {
		t.Errorf("Expected 2 scans after one interval, got %d", calls)
	}
}

func TestScannerStartScanDuringCompletion(t *testing.T) {
	inventory := &MockInventorySource{
		targets: manyTargets(20),
		gate:    make(chan struct{}),
	}
	scanner := newTestScanner(inventory, nil, nil)

	ticket, err := scanner.StartScan(context.Background(), true)
	if err != nil {
		t.Fatalf("StartScan() failed: %v", err)
	}

	const callers = 8
	var redundant atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				next, err := scanner.StartScan(context.Background(), false)
				if errors.Is(err, status.ErrAlreadyRunning) {
					continue
				}
				if err != nil {
					t.Errorf("StartScan() failed: %v", err)
					return
				}
				if !next.Cached {
					redundant.Add(1)
				}
				return
			}
			t.Error("Timed out waiting for the cached result")
		}()
	}

	close(inventory.gate)
	if _, err := waitTicket(t, ticket); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	wg.Wait()

	if n := redundant.Load(); n != 0 {
		t.Errorf("Expected every request to be answered by the running scan or its result, %d started a new scan", n)
	}
	if calls := inventory.calls.Load(); calls != 1 {
		t.Errorf("Expected one inventory fetch, got %d", calls)
	}
}

func TestScanTargetErrorUnwraps(t *testing.T) {
	scanner := newTestScanner(&MockInventorySource{}, nil, nil)

	o := scanner.scanTarget(context.Background(), types.ScanTarget{Namespace: "default", Name: "empty"})

	var targetErr *TargetError
	if !errors.As(o.err, &targetErr) {
		t.Fatalf("Expected TargetError, got %v", o.err)
	}
	if targetErr.Target != "default/empty" {
		t.Errorf("Expected target default/empty, got %s", targetErr.Target)
	}
	if !errors.Is(o.err, checks.ErrMalformedTarget) {
		t.Errorf("Expected TargetError to unwrap to ErrMalformedTarget, got %v", o.err)
	}
}
