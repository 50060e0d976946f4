package connection

import (
	"context"
	"sync"
	"time"

	"restlink/internal/restaurant"
)

// State represents the state of a source connection handle
type State string

const (
	// StateDisconnected indicates no session has been established yet, or a reconnect was forced
	StateDisconnected State = "disconnected"
	// StateConnecting indicates a dial is in progress
	StateConnecting State = "connecting"
	// StateReady indicates the handle can serve calls
	StateReady State = "ready"
	// StateDegraded indicates the source is reachable but recent calls failed
	StateDegraded State = "degraded"
	// StateFailed indicates the last reconnect exhausted its retries
	StateFailed State = "failed"
)

// Dialer establishes the channel to a source
type Dialer interface {
	Dial(ctx context.Context) error
}

// Pinger is implemented by dialers that support a cheap liveness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handle is the single channel to one source. It is owned by the Manager;
// callers borrow it between Acquire and Release.
type Handle struct {
	// SourceID is the source this handle serves
	SourceID restaurant.SourceID

	dialer Dialer

	// token has capacity one; holding it is holding the handle
	token chan struct{}

	// mu protects the fields below
	mu sync.RWMutex

	state State

	// lastErr is the most recent dial or call failure
	lastErr error

	// consecutiveDegraded counts invalidations since the last clean borrow
	consecutiveDegraded int

	// restartCount counts reconnect sequences
	restartCount int

	// nextDialAt gates redial of a FAILED handle when a cooldown is configured
	nextDialAt time.Time

	lastUsed time.Time

	borrowed bool
	reported bool
}

func newHandle(id restaurant.SourceID, d Dialer) *Handle {
	h := &Handle{
		SourceID: id,
		dialer:   d,
		token:    make(chan struct{}, 1),
		state:    StateDisconnected,
	}
	h.token <- struct{}{}
	return h
}

// State returns the current state (thread-safe)
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// LastError returns the most recent recorded failure
func (h *Handle) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// ConsecutiveDegraded returns the number of invalidations since the last clean borrow
func (h *Handle) ConsecutiveDegraded() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.consecutiveDegraded
}

// RestartCount returns how many reconnect sequences ran
func (h *Handle) RestartCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.restartCount
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// recordDialFailure moves the handle to FAILED with err as the last error
func (h *Handle) recordDialFailure(err error) {
	h.mu.Lock()
	h.state = StateFailed
	h.lastErr = err
	h.mu.Unlock()
}

func (h *Handle) markConnected() {
	h.mu.Lock()
	h.state = StateReady
	h.consecutiveDegraded = 0
	h.lastErr = nil
	h.nextDialAt = time.Time{}
	h.mu.Unlock()
}

// tryLock takes the token without blocking
func (h *Handle) tryLock() bool {
	select {
	case <-h.token:
		return true
	default:
		return false
	}
}

func (h *Handle) unlock() {
	h.token <- struct{}{}
}
