package connection

import (
	"context"
	goerrors "errors"
	"sync"
	"testing"
	"time"

	"restlink/internal/config"
	"restlink/internal/errors"
	"restlink/internal/logging"
	"restlink/internal/restaurant"
)

const testSource = restaurant.SourceYelp

// mockDialer fails the first failDials dials, then succeeds
type mockDialer struct {
	mu        sync.Mutex
	dials     int
	failDials int
	dialErr   error
	pings     int
	pingErr   error
	block     chan struct{}
}

func (d *mockDialer) Dial(ctx context.Context) error {
	d.mu.Lock()
	d.dials++
	n := d.dials
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n <= d.failDials {
		if d.dialErr != nil {
			return d.dialErr
		}
		return errors.Transport(string(testSource), "connection refused", nil)
	}
	return nil
}

func (d *mockDialer) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pings++
	return d.pingErr
}

func (d *mockDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func fastOptions() Options {
	return Options{
		MaxAttempts:            3,
		BaseDelay:              time.Millisecond,
		MaxDelay:               4 * time.Millisecond,
		MaxElapsed:             time.Second,
		DegradedReconnectAfter: 3,
		CallTimeout:            time.Second,
	}
}

func newTestManager(t *testing.T, opts Options, d Dialer) *Manager {
	t.Helper()
	m := NewManager(opts, logging.NewDiscardLogger())
	m.Register(testSource, d)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestAcquire_ConnectsThenReuses(t *testing.T) {
	d := &mockDialer{}
	m := newTestManager(t, fastOptions(), d)

	h, err := m.Acquire(context.Background(), testSource)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if h.State() != StateReady {
		t.Errorf("State() = %v, want ready", h.State())
	}
	m.Release(h)

	h, err = m.Acquire(context.Background(), testSource)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	m.Release(h)

	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestAcquire_RetriesDialWithBackoff(t *testing.T) {
	d := &mockDialer{failDials: 2}
	m := newTestManager(t, fastOptions(), d)

	h, err := m.Acquire(context.Background(), testSource)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer m.Release(h)

	if got := d.dialCount(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
	if h.LastError() != nil {
		t.Errorf("LastError() = %v, want nil after success", h.LastError())
	}
}

func TestAcquire_ExhaustedRetriesFail(t *testing.T) {
	d := &mockDialer{failDials: 100}
	m := newTestManager(t, fastOptions(), d)

	_, err := m.Acquire(context.Background(), testSource)
	if err == nil {
		t.Fatal("Acquire() should fail")
	}
	if code := errors.CodeOf(err); code != errors.ConnectionFailed {
		t.Errorf("CodeOf() = %v, want CONNECTION_FAILED", code)
	}
	if got := d.dialCount(); got != 3 {
		t.Errorf("dials = %d, want bounded at 3", got)
	}

	stats := m.Stats()
	if len(stats) != 1 || stats[0].State != StateFailed || stats[0].LastError == "" {
		t.Errorf("Stats() = %+v, want one FAILED handle with last error", stats)
	}

	// a FAILED handle retries on the next acquire
	_, _ = m.Acquire(context.Background(), testSource)
	if got := d.dialCount(); got != 6 {
		t.Errorf("dials after second acquire = %d, want 6", got)
	}
}

func TestAcquire_NonRetryableDialError(t *testing.T) {
	d := &mockDialer{failDials: 100, dialErr: errors.New(errors.InvalidInput, "yelp", "key missing", nil)}
	m := newTestManager(t, fastOptions(), d)

	_, err := m.Acquire(context.Background(), testSource)
	if errors.CodeOf(err) != errors.ConnectionFailed {
		t.Fatalf("CodeOf() = %v", errors.CodeOf(err))
	}
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestAcquire_FailedCooldown(t *testing.T) {
	opts := fastOptions()
	opts.MaxAttempts = 1
	opts.FailedCooldown = time.Hour
	d := &mockDialer{failDials: 100}
	m := newTestManager(t, opts, d)

	_, _ = m.Acquire(context.Background(), testSource)
	_, err := m.Acquire(context.Background(), testSource)
	if errors.CodeOf(err) != errors.ConnectionFailed {
		t.Fatalf("CodeOf() = %v", errors.CodeOf(err))
	}
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1 while cooling down", got)
	}
}

func TestAcquire_UnknownSource(t *testing.T) {
	m := newTestManager(t, fastOptions(), &mockDialer{})
	_, err := m.Acquire(context.Background(), restaurant.SourceTabelog)
	if errors.CodeOf(err) != errors.SourceNotRegistered {
		t.Errorf("CodeOf() = %v, want SOURCE_NOT_REGISTERED", errors.CodeOf(err))
	}
}

func TestAcquire_CanceledDialNeverLeavesConnecting(t *testing.T) {
	d := &mockDialer{block: make(chan struct{})}
	m := newTestManager(t, fastOptions(), d)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := m.Acquire(ctx, testSource)
	if errors.CodeOf(err) != errors.Canceled {
		t.Errorf("CodeOf() = %v, want CANCELED", errors.CodeOf(err))
	}
	if st := m.Stats()[0].State; st == StateConnecting {
		t.Errorf("state = %v after cancel", st)
	}
}

func TestAcquire_SerializesBorrowers(t *testing.T) {
	m := newTestManager(t, fastOptions(), &mockDialer{})

	h, err := m.Acquire(context.Background(), testSource)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, testSource); err == nil {
		t.Fatal("second borrower should block until release")
	}

	m.Release(h)
	h2, err := m.Acquire(context.Background(), testSource)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	m.Release(h2)
}

func TestInvalidate_DegradesAndForcesReconnect(t *testing.T) {
	d := &mockDialer{}
	m := newTestManager(t, fastOptions(), d)
	ctx := context.Background()
	cause := errors.Transport("yelp", "reset", nil)

	for i := 1; i <= 2; i++ {
		h, err := m.Acquire(ctx, testSource)
		if err != nil {
			t.Fatal(err)
		}
		m.Invalidate(h, cause)
		if h.State() != StateDegraded {
			t.Errorf("after %d invalidations state = %v, want degraded", i, h.State())
		}
		m.Release(h)
		if h.ConsecutiveDegraded() != i {
			t.Errorf("ConsecutiveDegraded() = %d, want %d", h.ConsecutiveDegraded(), i)
		}
	}

	h, _ := m.Acquire(ctx, testSource)
	m.Invalidate(h, cause)
	m.Release(h)
	if h.State() != StateDisconnected {
		t.Errorf("state after threshold = %v, want disconnected", h.State())
	}

	h, err := m.Acquire(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	m.Release(h)
	if got := d.dialCount(); got != 2 {
		t.Errorf("dials = %d, want reconnect after threshold", got)
	}
	if h.ConsecutiveDegraded() != 0 || h.State() != StateReady {
		t.Errorf("after reconnect: state=%v degraded=%d", h.State(), h.ConsecutiveDegraded())
	}
}

func TestRelease_CleanBorrowRestoresReady(t *testing.T) {
	m := newTestManager(t, fastOptions(), &mockDialer{})
	ctx := context.Background()

	h, _ := m.Acquire(ctx, testSource)
	m.Invalidate(h, goerrors.New("boom"))
	m.Release(h)

	h, _ = m.Acquire(ctx, testSource)
	m.Release(h)
	if h.State() != StateReady || h.ConsecutiveDegraded() != 0 {
		t.Errorf("state=%v degraded=%d, want ready/0", h.State(), h.ConsecutiveDegraded())
	}

	// double release is a no-op
	m.Release(h)
	h, err := m.Acquire(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	m.Release(h)
}

func TestCall_RetriesTransportErrors(t *testing.T) {
	m := newTestManager(t, fastOptions(), &mockDialer{})

	calls := 0
	err := m.Call(context.Background(), testSource, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.Transport("yelp", "HTTP 503", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if st := m.Stats()[0]; st.State != StateReady || st.ConsecutiveDegraded != 0 {
		t.Errorf("Stats() = %+v, want ready after clean call", st)
	}
}

func TestCall_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  errors.ErrorCode
		wantCalls int
		wantState State
	}{
		{"parse error is not retried", errors.Parse("yelp", "bad json", nil), errors.ParseFailed, 1, StateReady},
		{"rejected request is not retried", errors.New(errors.RequestRejected, "yelp", "HTTP 403", nil), errors.RequestRejected, 1, StateDegraded},
		{"retries are bounded", errors.Transport("yelp", "HTTP 502", nil), errors.TransportFailed, 3, StateDisconnected},
		{"raw deadline counts as transport", context.DeadlineExceeded, errors.Timeout, 3, StateDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, fastOptions(), &mockDialer{})

			calls := 0
			err := m.Call(context.Background(), testSource, func(ctx context.Context) error {
				calls++
				return tt.err
			})
			if got := errors.CodeOf(err); got != tt.wantCode {
				t.Errorf("CodeOf() = %v, want %v", got, tt.wantCode)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if st := m.Stats()[0].State; st != tt.wantState {
				t.Errorf("state = %v, want %v", st, tt.wantState)
			}
		})
	}
}

func TestCall_PerCallTimeout(t *testing.T) {
	opts := fastOptions()
	opts.CallTimeout = 10 * time.Millisecond
	opts.MaxAttempts = 1
	m := newTestManager(t, opts, &mockDialer{})

	err := m.Call(context.Background(), testSource, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if errors.CodeOf(err) != errors.Timeout {
		t.Errorf("CodeOf() = %v, want TIMEOUT", errors.CodeOf(err))
	}
}

func TestCall_ParentCanceled(t *testing.T) {
	m := newTestManager(t, fastOptions(), &mockDialer{})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := m.Call(ctx, testSource, func(callCtx context.Context) error {
		calls++
		cancel()
		return callCtx.Err()
	})
	if errors.CodeOf(err) != errors.Canceled {
		t.Errorf("CodeOf() = %v, want CANCELED", errors.CodeOf(err))
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestCall_FailedHandleSurfacesConnectionError(t *testing.T) {
	m := newTestManager(t, fastOptions(), &mockDialer{failDials: 100})

	called := false
	err := m.Call(context.Background(), testSource, func(ctx context.Context) error {
		called = true
		return nil
	})
	if errors.CodeOf(err) != errors.ConnectionFailed {
		t.Errorf("CodeOf() = %v, want CONNECTION_FAILED", errors.CodeOf(err))
	}
	if called {
		t.Error("fn must not run without a handle")
	}
}

func TestHealthCheck(t *testing.T) {
	d := &mockDialer{}
	m := newTestManager(t, fastOptions(), d)
	ctx := context.Background()

	// not connected yet: nothing to ping
	if m.checkHealth(m.handles[testSource]) {
		t.Error("disconnected handle should not report healthy")
	}

	h, _ := m.Acquire(ctx, testSource)
	m.Invalidate(h, goerrors.New("flaky"))
	if !m.checkHealth(h) {
		t.Error("borrowed handle is skipped and reported healthy")
	}
	m.Release(h)
	if h.State() != StateDegraded {
		t.Fatalf("state = %v, want degraded", h.State())
	}

	if !m.checkHealth(h) {
		t.Error("successful ping should report healthy")
	}
	if h.State() != StateReady {
		t.Errorf("state after ping = %v, want ready", h.State())
	}

	d.mu.Lock()
	d.pingErr = goerrors.New("down")
	d.mu.Unlock()
	if m.checkHealth(h) {
		t.Error("failed ping should report unhealthy")
	}
	if h.State() != StateDegraded {
		t.Errorf("state after failed ping = %v, want degraded", h.State())
	}
}

func TestOptions(t *testing.T) {
	o := Options{}.withDefaults()
	if o.MaxAttempts != DefaultMaxAttempts || o.BaseDelay != DefaultBaseDelay || o.MaxDelay < o.BaseDelay {
		t.Errorf("withDefaults() = %+v", o)
	}
	if o.CallTimeout != DefaultCallTimeout {
		t.Errorf("CallTimeout = %v", o.CallTimeout)
	}

	c := OptionsFromConfig(config.DefaultConfig())
	want := Options{
		MaxAttempts:            3,
		BaseDelay:              time.Second,
		MaxDelay:               8 * time.Second,
		MaxElapsed:             30 * time.Second,
		DegradedReconnectAfter: 3,
		FailedCooldown:         30 * time.Second,
		CallTimeout:            15 * time.Second,
	}
	if c != want {
		t.Errorf("OptionsFromConfig() = %+v, want %+v", c, want)
	}
}
