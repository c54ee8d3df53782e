package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"callflow/internal/callstate"
	"callflow/internal/dialogue"
	"callflow/internal/model"
	"callflow/internal/resilience"
)

var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrDuplicateCall    = errors.New("call already registered")
	ErrInvalidCall      = errors.New("call id is required")
	ErrUnknownCall      = errors.New("unknown call")
)

// End reasons reported to the recorder and metrics.
const (
	EndReasonCaller   = "caller_hangup"
	EndReasonShutdown = "shutdown"
	EndReasonFailures = "repeated_failures"
)

type Dialogue interface {
	NewConversation(call *model.CallContext, machine *callstate.Machine) *dialogue.Conversation
	ProcessTurn(ctx context.Context, audio []byte, conv *dialogue.Conversation) (dialogue.TurnResult, error)
	Speak(ctx context.Context, text string) ([]byte, error)
}

// Publisher is the signaling side: it plays audio into a call and hangs
// calls up.
type Publisher interface {
	PublishAudio(ctx context.Context, callID string, audio []byte) error
	Hangup(ctx context.Context, callID, reason string) error
}

// Recorder receives the final record of every ended call. Record must not
// block.
type Recorder interface {
	Record(rec model.CallRecord)
}

type HealthSource interface {
	HealthCheck() resilience.Health
}

// Metrics is a best-effort sink; panics are swallowed.
type Metrics interface {
	SetActiveCalls(n int)
	ObserveTurn(d time.Duration)
	IncCapacityRejected()
	IncForcedTransition(reason string)
	IncCallEnded(reason string)
	IncAudioDropped()
}

type Config struct {
	MaxConcurrentCalls     int
	WorkerPoolSize         int
	TurnBudget             time.Duration
	AudioBufferChunks      int
	EndpointMinBytes       int
	MaxConsecutiveFailures int
	// SpeechRMS is the RMS level of a 16-bit PCM chunk above which it counts
	// as speech. Zero treats every chunk as speech.
	SpeechRMS int
	// EndpointSilenceBytes of trailing silence after speech end the
	// utterance. Zero disables silence endpointing.
	EndpointSilenceBytes int
	HealthSweep          time.Duration
	RepeatPrompt         string
	MailboxSize          int
}

func (c Config) Validate() error {
	switch {
	case c.MaxConcurrentCalls <= 0:
		return errors.New("max concurrent calls must be > 0")
	case c.WorkerPoolSize <= 0:
		return errors.New("worker pool size must be > 0")
	case c.TurnBudget <= 0:
		return errors.New("turn budget must be > 0")
	case c.AudioBufferChunks <= 0:
		return errors.New("audio buffer chunks must be > 0")
	case c.EndpointMinBytes <= 0:
		return errors.New("endpoint min bytes must be > 0")
	case c.MaxConsecutiveFailures <= 0:
		return errors.New("max consecutive failures must be > 0")
	case c.HealthSweep <= 0:
		return errors.New("health sweep interval must be > 0")
	case c.SpeechRMS < 0:
		return errors.New("speech rms threshold must be >= 0")
	case c.EndpointSilenceBytes < 0:
		return errors.New("endpoint silence bytes must be >= 0")
	}
	return nil
}

type Deps struct {
	Dialogue  Dialogue
	Publisher Publisher
	Recorder  Recorder
	Metrics   Metrics
	Health    []HealthSource
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator owns the registry of active calls. Each call has its own
// goroutine draining a FIFO mailbox; turns run on a bounded pool of permits.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	now     func() time.Time
	permits chan struct{}

	mu    sync.RWMutex
	calls map[string]*session

	statsMu     sync.Mutex
	turns       int
	turnLatency time.Duration

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if deps.Dialogue == nil {
		return nil, errors.New("orchestrator: dialogue is required")
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}
	if deps.Publisher == nil {
		deps.Publisher = noPublisher{}
	}
	if deps.Recorder == nil {
		deps.Recorder = noRecorder{}
	}

	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		logger:  slog.Default(),
		now:     time.Now,
		permits: make(chan struct{}, cfg.WorkerPoolSize),
		calls:   make(map[string]*session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// HandleCallStart registers a call in the listening state.
func (o *Orchestrator) HandleCallStart(ctx context.Context, call model.CallContext) error {
	call.ID = strings.TrimSpace(call.ID)
	if call.ID == "" {
		return ErrInvalidCall
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = o.now()
	}

	o.mu.Lock()
	if _, exists := o.calls[call.ID]; exists {
		o.mu.Unlock()
		return ErrDuplicateCall
	}
	if len(o.calls) >= o.cfg.MaxConcurrentCalls {
		o.mu.Unlock()
		o.metric(func(m Metrics) { m.IncCapacityRejected() })
		o.logger.Warn("call_rejected", "call_id", call.ID, "reason", "capacity_exceeded", "max_calls", o.cfg.MaxConcurrentCalls)
		return ErrCapacityExceeded
	}
	s := o.newSession(&call)
	o.calls[call.ID] = s
	active := len(o.calls)
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(s)

	o.metric(func(m Metrics) { m.SetActiveCalls(active) })
	o.logger.Info("call_started", "call_id", call.ID, "caller", call.CallerNumber, "active_calls", active)
	return nil
}

// HandleAudioReceived queues a chunk for the call. Unknown ids are ignored:
// the call has already ended.
func (o *Orchestrator) HandleAudioReceived(callID string, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	o.post(callID, event{kind: eventAudio, chunk: buf})
}

// HandlePlaybackFinished reports that the last published audio finished
// playing or that the caller barged in.
func (o *Orchestrator) HandlePlaybackFinished(callID string) {
	o.post(callID, event{kind: eventPlaybackFinished})
}

// HandleFlush forces a turn on whatever audio is pending, e.g. after the
// signaling side detected end of speech.
func (o *Orchestrator) HandleFlush(callID string) {
	o.post(callID, event{kind: eventFlush})
}

// HandleCallEnd removes the call and waits for its worker to finish. It is
// idempotent.
func (o *Orchestrator) HandleCallEnd(ctx context.Context, callID string) error {
	s := o.remove(callID, EndReasonCaller)
	if s == nil {
		o.logger.Debug("call_end_ignored", "call_id", callID)
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run performs the periodic health sweep until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HealthSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep()
		}
	}
}

// Sweep asks every call to check itself for a stuck turn and logs any open
// circuit.
func (o *Orchestrator) Sweep() {
	o.mu.RLock()
	sessions := make([]*session, 0, len(o.calls))
	for _, s := range o.calls {
		sessions = append(sessions, s)
	}
	o.mu.RUnlock()

	for _, s := range sessions {
		s.post(o, event{kind: eventSweep})
	}
	for _, src := range o.deps.Health {
		h := src.HealthCheck()
		if h.State != resilience.StateClosed {
			o.logger.Warn("service_degraded", "service", h.Service, "state", string(h.State), "consecutive_failures", h.ConsecutiveFailures)
		}
	}
	o.metric(func(m Metrics) { m.SetActiveCalls(len(sessions)) })
}

// Shutdown ends every call, hangs up its media and waits for the workers.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	ids := make([]string, 0, len(o.calls))
	for id := range o.calls {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	for _, id := range ids {
		if o.remove(id, EndReasonShutdown) == nil {
			continue
		}
		if err := o.deps.Publisher.Hangup(ctx, id, EndReasonShutdown); err != nil && !errors.Is(err, errNoPublisher) {
			o.logger.Warn("hangup_failed", "call_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) ActiveCalls() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.calls)
}

// CallSnapshot is a read-only view of one call.
type CallSnapshot struct {
	Call          model.CallContext
	State         callstate.State
	StateAge      time.Duration
	MessageCount  int
	BufferedBytes int
	Metrics       model.ConversationMetrics
}

func (o *Orchestrator) Snapshot(callID string) (CallSnapshot, error) {
	s := o.lookup(callID)
	if s == nil {
		return CallSnapshot{}, ErrUnknownCall
	}
	return s.snapshot(), nil
}

func (o *Orchestrator) Snapshots() []CallSnapshot {
	o.mu.RLock()
	sessions := make([]*session, 0, len(o.calls))
	for _, s := range o.calls {
		sessions = append(sessions, s)
	}
	o.mu.RUnlock()

	out := make([]CallSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// GetHealthStatus aggregates client health with call-level figures. It makes
// no network calls.
func (o *Orchestrator) GetHealthStatus() model.HealthStatus {
	status := model.HealthStatus{
		OK:                   true,
		ActiveCalls:          o.ActiveCalls(),
		MaxCalls:             o.cfg.MaxConcurrentCalls,
		AverageTurnLatencyMS: o.averageTurnLatency().Milliseconds(),
	}
	for _, src := range o.deps.Health {
		h := src.HealthCheck()
		if h.State == resilience.StateOpen {
			status.OK = false
		}
		sh := model.ServiceHealth{
			Service:             h.Service,
			State:               string(h.State),
			ConsecutiveFailures: h.ConsecutiveFailures,
			SuccessRatio:        h.SuccessRatio,
			AvgLatencyMS:        h.AvgLatency.Milliseconds(),
		}
		if !h.LastFailure.IsZero() {
			sh.LastFailure = h.LastFailure.UTC().Format(time.RFC3339)
		}
		status.Services = append(status.Services, sh)
	}
	return status
}

func (o *Orchestrator) averageTurnLatency() time.Duration {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	if o.turns == 0 {
		return 0
	}
	return o.turnLatency / time.Duration(o.turns)
}

func (o *Orchestrator) recordTurnLatency(d time.Duration) {
	o.statsMu.Lock()
	o.turns++
	o.turnLatency += d
	o.statsMu.Unlock()
	o.metric(func(m Metrics) { m.ObserveTurn(d) })
}

func (o *Orchestrator) lookup(callID string) *session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.calls[callID]
}

func (o *Orchestrator) post(callID string, ev event) {
	s := o.lookup(callID)
	if s == nil {
		o.logger.Debug("event_for_unknown_call", "call_id", callID, "event", ev.kind.String())
		return
	}
	s.post(o, ev)
}

// remove unregisters the call and cancels its worker. Only the first caller
// gets the session back.
func (o *Orchestrator) remove(callID, reason string) *session {
	o.mu.Lock()
	s, ok := o.calls[callID]
	if ok {
		delete(o.calls, callID)
		s.endReason = reason
	}
	active := len(o.calls)
	o.mu.Unlock()
	if !ok {
		return nil
	}
	s.cancel()
	o.metric(func(m Metrics) { m.SetActiveCalls(active) })
	return s
}

func (o *Orchestrator) metric(fn func(Metrics)) {
	if o.deps.Metrics == nil {
		return
	}
	defer func() { _ = recover() }()
	fn(o.deps.Metrics)
}

func (o *Orchestrator) record(rec model.CallRecord) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("call_record_panic", "call_id", rec.Call.ID, "panic", fmt.Sprint(r))
		}
	}()
	o.deps.Recorder.Record(rec)
}

var errNoPublisher = errors.New("no publisher configured")

type noPublisher struct{}

func (noPublisher) PublishAudio(context.Context, string, []byte) error { return errNoPublisher }
func (noPublisher) Hangup(context.Context, string, string) error       { return errNoPublisher }

type noRecorder struct{}

func (noRecorder) Record(model.CallRecord) {}
