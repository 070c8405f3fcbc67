// ABOUTME: Thread-safe tracker for the single live scan status.
// ABOUTME: Guards phase transitions and progress under one lock and hands out value copies.

package status

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jfeddern/KubeScan/internal/types"
	"k8s.io/utils/clock"
)

// ErrAlreadyRunning is returned when a scan is requested while one is in flight
var ErrAlreadyRunning = errors.New("scan already running")

// Tracker owns one mutable ScanStatus. The lock is only held for in-memory updates.
type Tracker struct {
	mutex     sync.Mutex
	clock     clock.PassiveClock
	status    types.ScanStatus
	completed int
}

// NewTracker creates an idle tracker
func NewTracker(clk clock.PassiveClock) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Tracker{
		clock:  clk,
		status: types.ScanStatus{Phase: types.PhaseIdle, Message: "No scan has run yet"},
	}
}

// Begin moves the tracker into the running phase for a new scan.
// It fails with ErrAlreadyRunning if a scan is in flight.
func (t *Tracker) Begin(scanID string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.status.Phase == types.PhaseRunning {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, t.status.ScanID)
	}

	now := t.clock.Now()
	t.completed = 0
	t.status = types.ScanStatus{
		ScanID:          scanID,
		Phase:           types.PhaseRunning,
		Message:         "Fetching inventory",
		StartedAt:       &now,
		LastCompletedAt: t.status.LastCompletedAt,
	}
	return nil
}

// SetTotal records the number of targets dispatched for the running scan
func (t *Tracker) SetTotal(total int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.status.Phase != types.PhaseRunning {
		return
	}
	t.status.TotalTargets = total
	t.status.Message = fmt.Sprintf("Scanning %d targets", total)
}

// Advance counts one finished target and recomputes progress.
// Progress stays below 100 until Complete is called.
func (t *Tracker) Advance() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.status.Phase != types.PhaseRunning {
		return t.status.Progress
	}

	t.completed++
	t.status.ScannedTargets = t.completed
	progress := 99
	if t.status.TotalTargets > 0 {
		progress = t.completed * 100 / t.status.TotalTargets
	}
	if progress > 99 {
		progress = 99
	}
	if progress > t.status.Progress {
		t.status.Progress = progress
	}
	t.status.Message = fmt.Sprintf("Scanned %d of %d targets", t.completed, t.status.TotalTargets)
	return t.status.Progress
}

// Complete marks the running scan as completed
func (t *Tracker) Complete(message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.status.Phase != types.PhaseRunning {
		return
	}
	now := t.clock.Now()
	t.status.Phase = types.PhaseCompleted
	t.status.Progress = 100
	t.status.Message = message
	t.status.Error = ""
	t.status.LastCompletedAt = &now
}

// Fail marks the running scan as failed. Progress is left where it was.
func (t *Tracker) Fail(message string, err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.status.Phase != types.PhaseRunning {
		return
	}
	t.status.Phase = types.PhaseError
	t.status.Message = message
	if err != nil {
		t.status.Error = err.Error()
	}
}

// Snapshot returns a copy of the current status
func (t *Tracker) Snapshot() types.ScanStatus {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	snapshot := t.status
	if t.status.StartedAt != nil {
		started := *t.status.StartedAt
		snapshot.StartedAt = &started
	}
	if t.status.LastCompletedAt != nil {
		last := *t.status.LastCompletedAt
		snapshot.LastCompletedAt = &last
	}
	return snapshot
}

// Running reports whether a scan is in flight
func (t *Tracker) Running() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.status.Phase == types.PhaseRunning
}
