package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type statusErr int

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	states   []State
}

func (o *recordingObserver) ObserveAttempt(_ string, outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveCircuitState(_ string, state State) {
	o.mu.Lock()
	o.states = append(o.states, state)
	o.mu.Unlock()
}

type panickingObserver struct{}

func (panickingObserver) ObserveAttempt(string, string, time.Duration) { panic("sink down") }
func (panickingObserver) ObserveCircuitState(string, State)            { panic("sink down") }

func testConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         4 * time.Millisecond,
		Jitter:           0.2,
		RateLimitFloor:   2 * time.Millisecond,
		FailureThreshold: 5,
		OpenPeriod:       time.Second,
	}
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRand(func() float64 { return 0 }),
	}, opts...)
	c, err := New("stt", cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestDoPerformsExactlyMaxAttempts(t *testing.T) {
	c := newTestClient(t, testConfig())

	var calls int
	started := time.Now()
	err := c.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})
	elapsed := time.Since(started)

	if calls != 3 {
		t.Fatalf("unexpected attempts: %d", calls)
	}
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	var typed *Error
	if !errors.As(err, &typed) || typed.Attempts != 3 {
		t.Fatalf("unexpected typed error: %+v", typed)
	}
	// 1ms + 2ms of backoff with zero jitter.
	if elapsed < 3*time.Millisecond {
		t.Fatalf("backoff too short: %v", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("backoff too long: %v", elapsed)
	}
	if got := c.HealthCheck().State; got != StateClosed {
		t.Fatalf("unexpected state after 3 failures: %s", got)
	}
}

func TestAuthenticationErrorIsNotRetriedAndTripsCircuit(t *testing.T) {
	c := newTestClient(t, testConfig())

	var calls int
	err := c.Do(context.Background(), func(context.Context) error {
		calls++
		return statusErr(401)
	})
	if calls != 1 {
		t.Fatalf("unexpected attempts: %d", calls)
	}
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if got := c.HealthCheck().State; got != StateOpen {
		t.Fatalf("unexpected state: %s", got)
	}
}

func TestCircuitOpensAfterThresholdAndFailsFast(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	clock := newFakeClock()
	obs := &recordingObserver{}
	c := newTestClient(t, cfg, WithClock(clock.Now), WithObserver(obs))

	failing := func(context.Context) error { return statusErr(503) }
	for i := 0; i < 5; i++ {
		_ = c.Do(context.Background(), failing)
	}
	if got := c.HealthCheck().State; got != StateOpen {
		t.Fatalf("unexpected state: %s", got)
	}

	var called bool
	started := time.Now()
	err := c.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatal("expected no network attempt while open")
	}
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
	if time.Since(started) > 50*time.Millisecond {
		t.Fatal("expected fast failure")
	}
	if len(obs.states) != 1 || obs.states[0] != StateOpen {
		t.Fatalf("unexpected state events: %v", obs.states)
	}
}

func TestHalfOpenTrialSuccessClosesCircuit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	clock := newFakeClock()
	c := newTestClient(t, cfg, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		_ = c.Do(context.Background(), func(context.Context) error { return errors.New("down") })
	}
	clock.Advance(cfg.OpenPeriod + time.Millisecond)

	var calls int
	if err := c.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("unexpected trial count: %d", calls)
	}
	h := c.HealthCheck()
	if h.State != StateClosed || h.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestHalfOpenAllowsExactlyOneTrial(t *testing.T) {
	cfg := testConfig()
	clock := newFakeClock()
	c := newTestClient(t, cfg, WithClock(clock.Now))

	_ = c.Do(context.Background(), func(context.Context) error { return statusErr(403) })
	clock.Advance(cfg.OpenPeriod)

	entered := make(chan struct{})
	release := make(chan struct{})
	var trialCalls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- c.Do(context.Background(), func(context.Context) error {
			trialCalls.Add(1)
			close(entered)
			<-release
			return errors.New("still down")
		})
	}()
	<-entered

	err := c.Do(context.Background(), func(context.Context) error {
		t.Error("second caller must not reach the service during the trial")
		return nil
	})
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %v", err)
	}

	close(release)
	if err := <-done; err == nil {
		t.Fatal("expected trial failure")
	}
	if trialCalls.Load() != 1 {
		t.Fatalf("trial must not be retried, got %d calls", trialCalls.Load())
	}
	if got := c.HealthCheck().State; got != StateOpen {
		t.Fatalf("expected circuit to reopen, got %s", got)
	}
}

func TestRetriesStopOnceAnotherCallerOpensTheCircuit(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	c := newTestClient(t, cfg)

	var calls atomic.Int32
	var firstAttempts sync.WaitGroup
	firstAttempts.Add(2)
	failing := func(context.Context) error {
		if calls.Add(1) <= 2 {
			// Both callers are inside the service before either fails.
			firstAttempts.Done()
			firstAttempts.Wait()
		}
		return statusErr(503)
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- c.Do(context.Background(), failing) }()
	}
	var rejected int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case errors.Is(err, ErrServiceUnavailable):
			rejected++
		case !errors.Is(err, ErrTransient):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if rejected != 1 {
		t.Fatalf("expected the retry to be rejected, got %d rejections", rejected)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("no attempt may reach an open circuit, got %d attempts", got)
	}
	if got := c.HealthCheck().State; got != StateOpen {
		t.Fatalf("unexpected state: %s", got)
	}
}

func TestLateSuccessDoesNotCloseOpenCircuit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.FailureThreshold = 1
	clock := newFakeClock()
	c := newTestClient(t, cfg, WithClock(clock.Now))

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.Do(context.Background(), func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	_ = c.Do(context.Background(), func(context.Context) error { return statusErr(503) })
	if got := c.HealthCheck().State; got != StateOpen {
		t.Fatalf("unexpected state: %s", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("slow call error = %v", err)
	}
	h := c.HealthCheck()
	if h.State != StateOpen {
		t.Fatalf("a call admitted before the trip must not close the circuit, got %s", h.State)
	}
	if h.Samples != 2 {
		t.Fatalf("unexpected samples: %d", h.Samples)
	}
}

func TestClientErrorsDoNotOpenCircuit(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 2
	c := newTestClient(t, cfg)

	for i := 0; i < 5; i++ {
		var calls int
		err := c.Do(context.Background(), func(context.Context) error {
			calls++
			return statusErr(400)
		})
		if !errors.Is(err, ErrTransient) {
			t.Fatalf("expected transient error, got %v", err)
		}
		if calls != 1 {
			t.Fatalf("client error must not be retried, got %d attempts", calls)
		}
	}
	h := c.HealthCheck()
	if h.State != StateClosed || h.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected health: %+v", h)
	}
	if h.SuccessRatio != 0 || h.Samples != 5 {
		t.Fatalf("client errors should still be sampled: %+v", h)
	}
}

func TestHalfOpenTrialClientErrorClosesCircuit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.FailureThreshold = 1
	clock := newFakeClock()
	c := newTestClient(t, cfg, WithClock(clock.Now))

	_ = c.Do(context.Background(), func(context.Context) error { return statusErr(503) })
	clock.Advance(cfg.OpenPeriod)

	err := c.Do(context.Background(), func(context.Context) error { return statusErr(404) })
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if got := c.HealthCheck().State; got != StateClosed {
		t.Fatalf("a reachable service should close the circuit, got %s", got)
	}
}

func TestRateLimitsCountHalfTowardThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.FailureThreshold = 2
	c := newTestClient(t, cfg)

	limited := func(context.Context) error { return statusErr(429) }
	for i := 0; i < 3; i++ {
		_ = c.Do(context.Background(), limited)
	}
	if got := c.HealthCheck().State; got != StateClosed {
		t.Fatalf("three rate limits should not open a threshold-2 circuit, got %s", got)
	}
	err := c.Do(context.Background(), limited)
	if !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if got := c.HealthCheck().State; got != StateOpen {
		t.Fatalf("unexpected state: %s", got)
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	c := newTestClient(t, testConfig())

	var calls int
	err := c.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("blip")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	h := c.HealthCheck()
	if h.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected failures: %d", h.ConsecutiveFailures)
	}
	if h.Samples != 3 {
		t.Fatalf("unexpected samples: %d", h.Samples)
	}
	if h.SuccessRatio < 0.33 || h.SuccessRatio > 0.34 {
		t.Fatalf("unexpected success ratio: %f", h.SuccessRatio)
	}
}

func TestCancelledOperationDoesNotCountAgainstService(t *testing.T) {
	c := newTestClient(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := c.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to be wrapped, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("unexpected attempts: %d", calls)
	}
	if h := c.HealthCheck(); h.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected failures: %+v", h)
	}
}

func TestExecuteReturnsValue(t *testing.T) {
	c := newTestClient(t, testConfig())

	got, err := Execute(context.Background(), c, func(context.Context) (string, error) {
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != "hello" {
		t.Fatalf("unexpected value: %q", got)
	}
}

func TestObserverPanicDoesNotAffectCall(t *testing.T) {
	c := newTestClient(t, testConfig(), WithObserver(panickingObserver{}))

	if err := c.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
}

func TestDelayIsCappedAndHonoursRateLimitFloor(t *testing.T) {
	cfg := Config{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Jitter: 0.5, RateLimitFloor: 30 * time.Millisecond}

	if got := cfg.Delay(0, KindTransient, 0); got != 10*time.Millisecond {
		t.Fatalf("unexpected delay: %v", got)
	}
	if got := cfg.Delay(1, KindTransient, 1); got != 30*time.Millisecond {
		t.Fatalf("unexpected jittered delay: %v", got)
	}
	if got := cfg.Delay(5, KindTransient, 0); got != 50*time.Millisecond {
		t.Fatalf("expected cap, got %v", got)
	}
	if got := cfg.Delay(0, KindRateLimit, 0); got != 30*time.Millisecond {
		t.Fatalf("expected rate limit floor, got %v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero attempts")
	}
	cfg = DefaultConfig()
	cfg.Jitter = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for jitter > 1")
	}
}
