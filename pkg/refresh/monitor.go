package refresh

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ViewMonitor tracks refresh health for a single derived view.
type ViewMonitor struct {
	clock      clockwork.Clock
	staleAfter time.Duration

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastDuration      time.Duration
	consecutiveErrors int
	lastError         string
}

// NewViewMonitor creates a monitor that considers the view unhealthy once no
// refresh has succeeded for staleAfter.
func NewViewMonitor(clock clockwork.Clock, staleAfter time.Duration) *ViewMonitor {
	return &ViewMonitor{clock: clock, staleAfter: staleAfter}
}

// RecordSuccess records a successful refresh.
func (vm *ViewMonitor) RecordSuccess(d time.Duration) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	now := vm.clock.Now()
	vm.lastSuccess = now
	vm.lastAttempt = now
	vm.lastDuration = d
	vm.consecutiveErrors = 0
	vm.lastError = ""
}

// RecordFailure records a failed refresh.
func (vm *ViewMonitor) RecordFailure(err error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.lastAttempt = vm.clock.Now()
	vm.consecutiveErrors++
	if err != nil {
		vm.lastError = err.Error()
	}
}

// LastSuccess returns when the view last refreshed successfully.
func (vm *ViewMonitor) LastSuccess() time.Time {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.lastSuccess
}

// IsHealthy returns true if refreshes are working properly.
// Unhealthy conditions:
//   - Never succeeded
//   - No success within the staleness window
//   - More than 3 consecutive failures
func (vm *ViewMonitor) IsHealthy() bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	if vm.lastSuccess.IsZero() {
		return false
	}
	if vm.clock.Since(vm.lastSuccess) > vm.staleAfter {
		return false
	}
	if vm.consecutiveErrors > 3 {
		return false
	}
	return true
}

// ViewStatus is the refresh state of one view, for health checks and the
// status endpoint.
type ViewStatus struct {
	Healthy           bool    `json:"healthy"`
	Stale             bool    `json:"stale"`
	LagSeconds        float64 `json:"lag_seconds"`
	TargetLagSeconds  float64 `json:"target_lag_seconds"`
	LastSuccess       string  `json:"last_success,omitempty"`
	LastAttempt       string  `json:"last_attempt,omitempty"`
	LastDuration      string  `json:"last_duration,omitempty"`
	ConsecutiveErrors int     `json:"consecutive_errors,omitempty"`
	LastError         string  `json:"last_error,omitempty"`
}

// Status reports the view's current refresh state. Lag is measured against
// the last successful refresh; a view that never succeeded reports as stale
// with zero lag.
func (vm *ViewMonitor) Status(targetLag time.Duration) ViewStatus {
	healthy := vm.IsHealthy()

	vm.mu.RLock()
	defer vm.mu.RUnlock()

	status := ViewStatus{
		Healthy:          healthy,
		Stale:            true,
		TargetLagSeconds: targetLag.Seconds(),
	}

	if !vm.lastSuccess.IsZero() {
		lag := vm.clock.Since(vm.lastSuccess)
		status.LagSeconds = lag.Seconds()
		status.Stale = lag > targetLag
		status.LastSuccess = vm.lastSuccess.Format(time.RFC3339)
	}
	if !vm.lastAttempt.IsZero() {
		status.LastAttempt = vm.lastAttempt.Format(time.RFC3339)
	}
	if vm.lastDuration > 0 {
		status.LastDuration = vm.lastDuration.Round(time.Millisecond).String()
	}
	if vm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = vm.consecutiveErrors
		status.LastError = vm.lastError
	}
	return status
}
