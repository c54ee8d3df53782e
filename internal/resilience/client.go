package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const latencyWindow = 100

var errCircuitOpen = errors.New("circuit open")

// Observer receives best-effort metric events. A panicking observer never
// affects the operation being observed.
type Observer interface {
	ObserveAttempt(service, outcome string, duration time.Duration)
	ObserveCircuitState(service string, state State)
}

type Option func(*Client)

func WithObserver(observer Observer) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRand replaces the jitter source; r must return values in [0,1).
func WithRand(r func() float64) Option {
	return func(c *Client) {
		if r != nil {
			c.rand = r
		}
	}
}

type sample struct {
	ok       bool
	duration time.Duration
}

// Client guards every outbound call to one external service. A single Client
// is shared by all calls using that service; its state models service health.
type Client struct {
	name     string
	cfg      Config
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	rand     func() float64

	mu            sync.Mutex
	state         State
	strikes       int // half-units: a hard failure adds 2, a rate limit adds 1
	lastFailure   time.Time
	openedAt      time.Time
	trialInFlight bool
	samples       []sample
	next          int
}

func New(name string, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		name:    name,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		rand:    rand.Float64,
		state:   StateClosed,
		samples: make([]sample, 0, latencyWindow),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *Client) Name() string {
	return c.name
}

// Execute runs op through c and returns its value.
func Execute[T any](ctx context.Context, c *Client, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Do runs op with retry and circuit breaking. op must be safe to repeat.
func (c *Client) Do(ctx context.Context, op func(context.Context) error) error {
	trial, err := c.admit()
	if err != nil {
		return err
	}

	maxAttempts := c.cfg.MaxAttempts
	if trial {
		maxAttempts = 1
	}

	var (
		attempts int
		lastErr  error
		lastKind Kind
		settled  bool
		rejected bool
	)
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if attempts >= maxAttempts {
			return 0, true
		}
		d := c.cfg.Delay(attempts-1, lastKind, c.rand())
		c.logger.Debug("upstream_retry", "service", c.name, "attempt", attempts, "kind", string(lastKind), "delay_ms", d.Milliseconds())
		return d, false
	})

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempts > 0 && !c.retryAllowed(trial) {
			// Another caller opened the circuit while we were backing off.
			c.observe("rejected", 0)
			rejected = true
			return errCircuitOpen
		}
		attempts++
		started := c.now()
		opErr := op(ctx)
		duration := c.now().Sub(started)
		if opErr == nil {
			c.recordSuccess(trial, duration)
			settled = true
			return nil
		}

		kind, retryable := Classify(opErr)
		lastErr, lastKind = opErr, kind
		if errors.Is(ctx.Err(), context.Canceled) {
			// Cancelled by our side; says nothing about the service.
			c.releaseTrial(trial)
			settled = true
			return opErr
		}
		opened := c.recordFailure(trial, kind, retryable, duration)
		settled = true
		if !retryable || opened {
			return opErr
		}
		return retry.RetryableError(opErr)
	})
	if !settled {
		c.releaseTrial(trial)
	}
	if err == nil {
		return nil
	}
	if rejected {
		return &Error{Kind: KindServiceUnavailable, Service: c.name, Attempts: attempts, Err: lastErr}
	}
	if lastErr == nil {
		return &Error{Kind: KindTransient, Service: c.name, Attempts: attempts, Err: err}
	}
	return &Error{Kind: lastKind, Service: c.name, Attempts: attempts, Err: lastErr}
}

// admit decides whether a call may proceed. It returns trial=true when the
// call is the single half-open trial.
func (c *Client) admit() (bool, error) {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		if c.now().Sub(c.openedAt) < c.cfg.OpenPeriod {
			c.mu.Unlock()
			c.observe("rejected", 0)
			return false, &Error{Kind: KindServiceUnavailable, Service: c.name}
		}
		c.state = StateHalfOpen
		c.trialInFlight = true
		c.mu.Unlock()
		c.stateChanged(StateHalfOpen)
		return true, nil
	case StateHalfOpen:
		if c.trialInFlight {
			c.mu.Unlock()
			c.observe("rejected", 0)
			return false, &Error{Kind: KindServiceUnavailable, Service: c.name}
		}
		c.trialInFlight = true
		c.mu.Unlock()
		return true, nil
	default:
		c.mu.Unlock()
		return false, nil
	}
}

// retryAllowed reports whether a call already in progress may make another
// attempt. Only a closed circuit allows retries; a trial never retries.
func (c *Client) retryAllowed(trial bool) bool {
	if trial {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosed
}

func (c *Client) releaseTrial(trial bool) {
	if !trial {
		return
	}
	c.mu.Lock()
	c.trialInFlight = false
	c.mu.Unlock()
}

// recordSuccess closes the circuit only for the half-open trial. A late
// success from a call admitted before the circuit opened adds a sample.
func (c *Client) recordSuccess(trial bool, duration time.Duration) {
	c.mu.Lock()
	c.addSample(true, duration)
	closed := false
	switch {
	case trial:
		c.trialInFlight = false
		c.strikes = 0
		closed = c.state != StateClosed
		c.state = StateClosed
	case c.state == StateClosed:
		c.strikes = 0
	}
	c.mu.Unlock()

	c.observe("success", duration)
	if closed {
		c.stateChanged(StateClosed)
	}
}

// recordFailure reports whether this failure opened the circuit. A
// permanent client error says the service is up, so it never strikes and a
// trial that gets one closes the circuit.
func (c *Client) recordFailure(trial bool, kind Kind, retryable bool, duration time.Duration) bool {
	permanent := kind == KindTransient && !retryable

	c.mu.Lock()
	c.addSample(false, duration)
	c.lastFailure = c.now()
	switch {
	case permanent:
	case kind == KindRateLimit:
		c.strikes++
	default:
		c.strikes += 2
	}
	trip := !permanent && (kind == KindAuthentication ||
		(trial && c.state == StateHalfOpen) ||
		(c.state == StateClosed && c.strikes >= 2*c.cfg.FailureThreshold))
	opened, closed := false, false
	switch {
	case trip && c.state != StateOpen:
		c.state = StateOpen
		c.openedAt = c.now()
		opened = true
	case permanent && trial && c.state == StateHalfOpen:
		c.state = StateClosed
		c.strikes = 0
		closed = true
	}
	if trial {
		c.trialInFlight = false
	}
	c.mu.Unlock()

	c.observe(string(kind), duration)
	switch {
	case opened:
		c.stateChanged(StateOpen)
	case closed:
		c.stateChanged(StateClosed)
	}
	return opened
}

func (c *Client) addSample(ok bool, duration time.Duration) {
	s := sample{ok: ok, duration: duration}
	if len(c.samples) < latencyWindow {
		c.samples = append(c.samples, s)
		return
	}
	c.samples[c.next] = s
	c.next = (c.next + 1) % latencyWindow
}

type Health struct {
	Service             string
	State               State
	ConsecutiveFailures int
	LastFailure         time.Time
	SuccessRatio        float64
	AvgLatency          time.Duration
	Samples             int
}

// HealthCheck reports the current circuit state and rolling statistics
// without touching the network.
func (c *Client) HealthCheck() Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := Health{
		Service:             c.name,
		State:               c.state,
		ConsecutiveFailures: c.strikes / 2,
		LastFailure:         c.lastFailure,
		SuccessRatio:        1,
		Samples:             len(c.samples),
	}
	if len(c.samples) == 0 {
		return h
	}
	var ok int
	var total time.Duration
	for _, s := range c.samples {
		if s.ok {
			ok++
		}
		total += s.duration
	}
	h.SuccessRatio = float64(ok) / float64(len(c.samples))
	h.AvgLatency = total / time.Duration(len(c.samples))
	return h
}

func (c *Client) observe(outcome string, duration time.Duration) {
	if c.observer == nil {
		return
	}
	defer func() { _ = recover() }()
	c.observer.ObserveAttempt(c.name, outcome, duration)
}

func (c *Client) stateChanged(state State) {
	c.logger.Warn("circuit_state_changed", "service", c.name, "state", string(state))
	if c.observer == nil {
		return
	}
	defer func() { _ = recover() }()
	c.observer.ObserveCircuitState(c.name, state)
}
