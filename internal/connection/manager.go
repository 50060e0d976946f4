// Package connection owns one handle per source and applies bounded reconnect and
// retry policy around every source call.
package connection

import (
	"context"
	goerrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"restlink/internal/config"
	"restlink/internal/errors"
	"restlink/internal/logging"
	"restlink/internal/restaurant"
)

// Defaults for Options
const (
	DefaultMaxAttempts            = 3
	DefaultBaseDelay              = time.Second
	DefaultMaxDelay               = 8 * time.Second
	DefaultMaxElapsed             = 30 * time.Second
	DefaultDegradedReconnectAfter = 3
	DefaultCallTimeout            = 15 * time.Second
)

// Options configures reconnect and retry policy
type Options struct {
	// MaxAttempts bounds both dial attempts per reconnect and call attempts per Call
	MaxAttempts int

	// BaseDelay is the first backoff interval; it doubles up to MaxDelay
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxElapsed bounds the total time of one backoff sequence
	MaxElapsed time.Duration

	// DegradedReconnectAfter forces a reconnect after this many invalidations in a row
	DegradedReconnectAfter int

	// FailedCooldown, when set, makes Acquire fail fast on a FAILED handle until it passes
	FailedCooldown time.Duration

	// HealthCheckInterval, when set, starts a background ping loop
	HealthCheckInterval time.Duration

	// CallTimeout bounds a single dial or call attempt
	CallTimeout time.Duration
}

// DefaultOptions returns the default policy
func DefaultOptions() Options {
	return Options{
		MaxAttempts:            DefaultMaxAttempts,
		BaseDelay:              DefaultBaseDelay,
		MaxDelay:               DefaultMaxDelay,
		MaxElapsed:             DefaultMaxElapsed,
		DegradedReconnectAfter: DefaultDegradedReconnectAfter,
		CallTimeout:            DefaultCallTimeout,
	}
}

// OptionsFromConfig maps the connection and batch config sections
func OptionsFromConfig(cfg *config.Config) Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Options{
		MaxAttempts:            cfg.Connection.RetryMaxAttempts,
		BaseDelay:              ms(cfg.Connection.RetryBaseDelayMs),
		MaxDelay:               ms(cfg.Connection.RetryBackoffCeilingMs),
		MaxElapsed:             ms(cfg.Connection.RetryMaxElapsedMs),
		DegradedReconnectAfter: cfg.Connection.DegradedReconnectAfter,
		FailedCooldown:         ms(cfg.Connection.FailedCooldownMs),
		HealthCheckInterval:    ms(cfg.Connection.HealthCheckIntervalMs),
		CallTimeout:            ms(cfg.Batch.PerCallTimeoutMs),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = d.MaxElapsed
	}
	if o.DegradedReconnectAfter <= 0 {
		o.DegradedReconnectAfter = d.DegradedReconnectAfter
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = d.CallTimeout
	}
	return o
}

// Manager owns the handles of every registered source
type Manager struct {
	opts   Options
	logger *logging.Logger

	mu      sync.RWMutex
	handles map[restaurant.SourceID]*Handle

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewManager creates a manager and starts the health-check loop when configured
func NewManager(opts Options, logger *logging.Logger) *Manager {
	m := &Manager{
		opts:    opts.withDefaults(),
		logger:  logger.WithFields(map[string]interface{}{"component": "connection"}),
		handles: make(map[restaurant.SourceID]*Handle),
		done:    make(chan struct{}),
	}

	if m.opts.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go m.healthCheckLoop()
	}
	return m
}

// Register adds a source. Registering an ID again replaces its handle.
func (m *Manager) Register(id restaurant.SourceID, d Dialer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[id] = newHandle(id, d)
}

// Sources returns the registered source IDs in sorted order
func (m *Manager) Sources() []restaurant.SourceID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]restaurant.SourceID, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) handle(id restaurant.SourceID) (*Handle, error) {
	m.mu.RLock()
	h, ok := m.handles[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.SourceNotRegistered, string(id), "no adapter registered", nil)
	}
	return h, nil
}

// Acquire borrows the handle for id, reconnecting it first when needed.
// Only one borrower holds a handle at a time; others block until Release or ctx is done.
func (m *Manager) Acquire(ctx context.Context, id restaurant.SourceID) (*Handle, error) {
	h, err := m.handle(id)
	if err != nil {
		return nil, err
	}

	select {
	case <-h.token:
	case <-ctx.Done():
		return nil, errors.New(errors.CodeOf(ctx.Err()), string(id), "gave up waiting for handle", ctx.Err())
	}

	if err := m.ensureReady(ctx, h); err != nil {
		h.unlock()
		return nil, err
	}

	h.mu.Lock()
	h.borrowed = true
	h.reported = false
	h.mu.Unlock()
	return h, nil
}

// Release returns a borrowed handle. A borrow with no reported failure restores a
// DEGRADED handle to READY.
func (m *Manager) Release(h *Handle) {
	h.mu.Lock()
	if !h.borrowed {
		h.mu.Unlock()
		return
	}
	if !h.reported && h.state == StateDegraded {
		h.state = StateReady
		h.consecutiveDegraded = 0
	}
	h.borrowed = false
	h.reported = false
	h.lastUsed = time.Now()
	h.mu.Unlock()

	h.unlock()
}

// Invalidate records a failure attributed to the channel. The handle becomes DEGRADED;
// once the configured number of invalidations in a row is reached, the next Acquire reconnects.
func (m *Manager) Invalidate(h *Handle, cause error) {
	h.mu.Lock()
	h.consecutiveDegraded++
	h.lastErr = cause
	h.reported = true
	count := h.consecutiveDegraded
	forceReconnect := count >= m.opts.DegradedReconnectAfter
	if forceReconnect {
		h.state = StateDisconnected
	} else {
		h.state = StateDegraded
	}
	h.mu.Unlock()

	fields := map[string]interface{}{
		"source":              string(h.SourceID),
		"consecutiveDegraded": count,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	if forceReconnect {
		m.logger.Warn("Handle degraded repeatedly, forcing reconnect", fields)
	} else {
		m.logger.Debug("Handle degraded", fields)
	}
}

func (m *Manager) ensureReady(ctx context.Context, h *Handle) error {
	h.mu.RLock()
	state := h.state
	nextDialAt := h.nextDialAt
	lastErr := h.lastErr
	h.mu.RUnlock()

	switch state {
	case StateReady, StateDegraded:
		return nil
	case StateFailed:
		if wait := time.Until(nextDialAt); wait > 0 {
			return errors.Connection(string(h.SourceID),
				fmt.Sprintf("source in cooldown, retry in %v", wait.Round(time.Millisecond)), lastErr)
		}
	}
	return m.connect(ctx, h)
}

// connect runs one bounded reconnect sequence. The handle ends READY or FAILED,
// or DISCONNECTED when ctx is canceled; never CONNECTING.
func (m *Manager) connect(ctx context.Context, h *Handle) (err error) {
	h.mu.Lock()
	h.state = StateConnecting
	h.restartCount++
	restartCount := h.restartCount
	h.mu.Unlock()

	defer func() {
		if h.State() == StateConnecting {
			h.setState(StateDisconnected)
		}
	}()

	m.logger.Info("Connecting to source", map[string]interface{}{
		"source":       string(h.SourceID),
		"restartCount": restartCount,
	})

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		h.setState(StateConnecting)

		dialCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		dialErr := h.dialer.Dial(dialCtx)
		cancel()
		if dialErr == nil {
			return struct{}{}, nil
		}

		if ctx.Err() != nil {
			h.setState(StateDisconnected)
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		h.recordDialFailure(dialErr)
		switch errors.CodeOf(dialErr) {
		case errors.InvalidInput, errors.RequestRejected:
			return struct{}{}, backoff.Permanent(dialErr)
		}
		return struct{}{}, dialErr
	}, m.retryOptions(h.SourceID, "dial")...)

	if err == nil {
		h.markConnected()
		m.logger.Info("Source connected", map[string]interface{}{
			"source":   string(h.SourceID),
			"attempts": attempts,
		})
		return nil
	}

	err = unwrapPermanent(err)
	if ctx.Err() != nil {
		h.setState(StateDisconnected)
		return errors.New(errors.CodeOf(ctx.Err()), string(h.SourceID), "reconnect canceled", ctx.Err())
	}

	h.mu.Lock()
	h.state = StateFailed
	if h.lastErr == nil {
		h.lastErr = err
	}
	if m.opts.FailedCooldown > 0 {
		h.nextDialAt = time.Now().Add(m.opts.FailedCooldown)
	}
	h.mu.Unlock()

	m.logger.Error("Source connection failed", map[string]interface{}{
		"source":   string(h.SourceID),
		"attempts": attempts,
		"error":    err.Error(),
	})
	return errors.Connection(string(h.SourceID),
		fmt.Sprintf("connection failed after %d attempts", attempts), err)
}

// Call borrows the handle for id and runs fn under the per-call timeout.
// Retryable transport failures invalidate the handle and are retried with backoff;
// non-retryable transport failures invalidate it and are returned; anything else is
// returned as is without touching the handle state.
func (m *Manager) Call(ctx context.Context, id restaurant.SourceID, fn func(ctx context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		h, err := m.Acquire(ctx, id)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		err = fn(callCtx)
		cancel()

		switch {
		case err == nil:
			m.Release(h)
			return struct{}{}, nil
		case ctx.Err() != nil:
			m.Release(h)
			return struct{}{}, backoff.Permanent(
				errors.New(errors.CodeOf(ctx.Err()), string(id), "call canceled", ctx.Err()))
		case errors.IsTransport(err):
			m.Invalidate(h, err)
			m.Release(h)
			if !errors.IsRetryable(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		default:
			m.Release(h)
			return struct{}{}, backoff.Permanent(err)
		}
	}, m.retryOptions(id, "call")...)

	return unwrapPermanent(err)
}

func (m *Manager) retryOptions(id restaurant.SourceID, op string) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     m.opts.BaseDelay,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         m.opts.MaxDelay,
		}),
		backoff.WithMaxTries(uint(m.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(m.opts.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("Retrying after failure", map[string]interface{}{
				"source": string(id),
				"op":     op,
				"wait":   next.String(),
				"error":  err.Error(),
			})
		}),
	}
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if goerrors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// HandleStats is a point-in-time view of one handle
type HandleStats struct {
	SourceID            restaurant.SourceID `json:"sourceId"`
	State               State               `json:"state"`
	RestartCount        int                 `json:"restartCount"`
	ConsecutiveDegraded int                 `json:"consecutiveDegraded"`
	LastError           string              `json:"lastError,omitempty"`
	LastUsed            time.Time           `json:"lastUsed,omitempty"`
}

// Stats returns the state of every handle, sorted by source ID
func (m *Manager) Stats() []HandleStats {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	out := make([]HandleStats, 0, len(handles))
	for _, h := range handles {
		h.mu.RLock()
		s := HandleStats{
			SourceID:            h.SourceID,
			State:               h.state,
			RestartCount:        h.restartCount,
			ConsecutiveDegraded: h.consecutiveDegraded,
			LastUsed:            h.lastUsed,
		}
		if h.lastErr != nil {
			s.LastError = h.lastErr.Error()
		}
		h.mu.RUnlock()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Close stops the health-check loop and marks every idle handle DISCONNECTED
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()

		m.mu.RLock()
		defer m.mu.RUnlock()
		for _, h := range m.handles {
			if h.tryLock() {
				h.setState(StateDisconnected)
				h.unlock()
			}
		}
	})
	return nil
}
