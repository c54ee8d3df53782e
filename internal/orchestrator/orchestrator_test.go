package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"callflow/internal/callstate"
	"callflow/internal/dialogue"
	"callflow/internal/model"
	"callflow/internal/resilience"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeTranscriber struct {
	text    string
	err     error
	release chan struct{}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, _ []byte) (model.TranscriptionResult, error) {
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return model.TranscriptionResult{}, f.err
	}
	return model.TranscriptionResult{Text: f.text, Confidence: 0.9}, nil
}

type fakeReasoner struct {
	text string
	err  error
}

func (f *fakeReasoner) Generate(context.Context, []model.Message) (model.Generation, error) {
	return model.Generation{Text: f.text}, f.err
}

type fakeSynthesizer struct{}

func (fakeSynthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	return []byte("pcm:" + text), nil
}

type fakePublisher struct {
	mu      sync.Mutex
	audio   map[string][][]byte
	hangups []string
}

func (p *fakePublisher) PublishAudio(_ context.Context, callID string, audio []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio == nil {
		p.audio = make(map[string][][]byte)
	}
	p.audio[callID] = append(p.audio[callID], audio)
	return nil
}

func (p *fakePublisher) Hangup(_ context.Context, callID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, callID)
	return nil
}

func (p *fakePublisher) published(callID string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.audio[callID]...)
}

func (p *fakePublisher) hungUp() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.hangups...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []model.CallRecord
}

func (r *fakeRecorder) Record(rec model.CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *fakeRecorder) all() []model.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.CallRecord(nil), r.records...)
}

type fakeMetrics struct {
	mu       sync.Mutex
	rejected int
	forced   []string
	dropped  int
	ended    []string
}

func (m *fakeMetrics) SetActiveCalls(int)        {}
func (m *fakeMetrics) ObserveTurn(time.Duration) {}
func (m *fakeMetrics) IncCapacityRejected() {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}

func (m *fakeMetrics) IncAudioDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

func (m *fakeMetrics) IncCallEnded(reason string) {
	m.mu.Lock()
	m.ended = append(m.ended, reason)
	m.mu.Unlock()
}

func (m *fakeMetrics) IncForcedTransition(r string) {
	m.mu.Lock()
	m.forced = append(m.forced, r)
	m.mu.Unlock()
}

func (m *fakeMetrics) forcedReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.forced...)
}

type fakeHealth struct {
	health resilience.Health
}

func (f fakeHealth) HealthCheck() resilience.Health { return f.health }

// panicDialogue panics while processing turns for one call id.
type panicDialogue struct {
	*dialogue.Manager
	callID string
}

func (p panicDialogue) ProcessTurn(ctx context.Context, audio []byte, conv *dialogue.Conversation) (dialogue.TurnResult, error) {
	if conv.Call.ID == p.callID {
		panic("boom")
	}
	return p.Manager.ProcessTurn(ctx, audio, conv)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	orch      *Orchestrator
	publisher *fakePublisher
	recorder  *fakeRecorder
	metrics   *fakeMetrics
	manager   *dialogue.Manager
}

func testConfig() Config {
	return Config{
		MaxConcurrentCalls:     2,
		WorkerPoolSize:         2,
		TurnBudget:             time.Second,
		AudioBufferChunks:      4,
		EndpointMinBytes:       1 << 20,
		MaxConsecutiveFailures: 3,
		HealthSweep:            time.Hour,
	}
}

func newHarness(t *testing.T, cfg Config, tr dialogue.Transcriber, r dialogue.Reasoner, opts ...Option) *harness {
	t.Helper()
	manager, err := dialogue.New(dialogue.Config{
		TurnBudget:     time.Second,
		TokenBudget:    4000,
		RecentTurns:    4,
		FallbackPhrase: "please repeat",
	}, tr, r, fakeSynthesizer{}, dialogue.WithLogger(discard))
	if err != nil {
		t.Fatalf("dialogue.New() error = %v", err)
	}
	h := &harness{
		publisher: &fakePublisher{},
		recorder:  &fakeRecorder{},
		metrics:   &fakeMetrics{},
		manager:   manager,
	}
	return h.build(t, cfg, manager, opts...)
}

func (h *harness) build(t *testing.T, cfg Config, d Dialogue, opts ...Option) *harness {
	t.Helper()
	orch, err := New(cfg, Deps{
		Dialogue:  d,
		Publisher: h.publisher,
		Recorder:  h.recorder,
		Metrics:   h.metrics,
	}, append([]Option{WithLogger(discard)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) state(t *testing.T, id string) callstate.State {
	t.Helper()
	snap, err := h.orch.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot(%s) error = %v", id, err)
	}
	return snap.State
}

func (h *harness) start(t *testing.T, id string) {
	t.Helper()
	if err := h.orch.HandleCallStart(context.Background(), model.CallContext{ID: id, CallerNumber: "+15550100"}); err != nil {
		t.Fatalf("HandleCallStart(%s) error = %v", id, err)
	}
}

func (h *harness) speak(id string, seconds int) {
	// 16kHz 16-bit mono in 100ms chunks.
	for i := 0; i < seconds*10; i++ {
		h.orch.HandleAudioReceived(id, make([]byte, 3200))
	}
	h.orch.HandleFlush(id)
}

func (h *harness) end(t *testing.T, id string) model.CallRecord {
	t.Helper()
	if err := h.orch.HandleCallEnd(context.Background(), id); err != nil {
		t.Fatalf("HandleCallEnd(%s) error = %v", id, err)
	}
	for _, rec := range h.recorder.all() {
		if rec.Call.ID == id {
			return rec
		}
	}
	t.Fatalf("no record for call %s", id)
	return model.CallRecord{}
}

func TestCapacityCeilingRejectsThirdCall(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeTranscriber{text: "hello"}, &fakeReasoner{text: "hi there"})
	h.start(t, "C1")
	h.start(t, "C2")

	err := h.orch.HandleCallStart(context.Background(), model.CallContext{ID: "C3"})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if got := h.orch.ActiveCalls(); got != 2 {
		t.Fatalf("unexpected active calls: %d", got)
	}
	h.metrics.mu.Lock()
	rejected := h.metrics.rejected
	h.metrics.mu.Unlock()
	if rejected != 1 {
		t.Fatalf("unexpected rejection count: %d", rejected)
	}
}

func TestCallStartRejectsDuplicateAndEmptyIDs(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeTranscriber{text: "hello"}, &fakeReasoner{text: "hi there"})
	h.start(t, "C1")

	if err := h.orch.HandleCallStart(context.Background(), model.CallContext{ID: "C1"}); !errors.Is(err, ErrDuplicateCall) {
		t.Fatalf("expected ErrDuplicateCall, got %v", err)
	}
	if err := h.orch.HandleCallStart(context.Background(), model.CallContext{ID: "  "}); !errors.Is(err, ErrInvalidCall) {
		t.Fatalf("expected ErrInvalidCall, got %v", err)
	}
}

func TestCallEndIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeTranscriber{text: "hello"}, &fakeReasoner{text: "hi there"})
	h.start(t, "C1")

	h.end(t, "C1")
	if err := h.orch.HandleCallEnd(context.Background(), "C1"); err != nil {
		t.Fatalf("second HandleCallEnd() error = %v", err)
	}
	if got := h.orch.ActiveCalls(); got != 0 {
		t.Fatalf("unexpected active calls: %d", got)
	}
	if got := len(h.recorder.all()); got != 1 {
		t.Fatalf("expected one record, got %d", got)
	}
	if _, err := h.orch.Snapshot("C1"); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("expected ErrUnknownCall, got %v", err)
	}
}

func TestUnknownCallEventsAreIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeTranscriber{text: "hello"}, &fakeReasoner{text: "hi there"})

	h.orch.HandleAudioReceived("missing", []byte{1, 2, 3})
	h.orch.HandlePlaybackFinished("missing")
	h.orch.HandleFlush("missing")
	if got := h.orch.ActiveCalls(); got != 0 {
		t.Fatalf("unexpected active calls: %d", got)
	}
}

func TestHappyPathTurn(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeTranscriber{text: "hello"}, &fakeReasoner{text: "hi there"})
	h.start(t, "C1")

	h.speak("C1", 2)
	waitFor(t, "published audio", func() bool { return len(h.publisher.published("C1")) == 1 })
	if got := h.state(t, "C1"); got != callstate.Speaking {
		t.Fatalf("unexpected state while playing: %s", got)
	}
	if got := string(h.publisher.published("C1")[0]); got != "pcm:hi there" {
		t.Fatalf("unexpected audio: %q", got)
	}

	h.orch.HandlePlaybackFinished("C1")
	waitFor(t, "listening", func() bool { return h.state(t, "C1") == callstate.Listening })

	rec := h.end(t, "C1")
	if len(rec.Messages) != 2 {
		t.Fatalf("unexpected messages: %+v", rec.Messages)
	}
	if rec.Messages[0].Role != model.RoleUser || rec.Messages[0].Content != "hello" {
		t.Fatalf("unexpected user message: %+v", rec.Messages[0])
	}
	if rec.Messages[1].Role != model.RoleAssistant || rec.Messages[1].Content != "hi there" {
		t.Fatalf("unexpected assistant message: %+v", rec.Messages[1])
	}
	if rec.Metrics.Turns != 1 || rec.EndReason != EndReasonCaller {
		t.Fatalf("unexpected record: turns=%d reason=%q", rec.Metrics.Turns, rec.EndReason)
	}
}

func TestTranscriptionOutageReturnsToListening(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeTranscriber{err: errors.New("upstream down")}, &fakeReasoner{text: "hi there"})
	h.start(t, "C1")

	h.speak("C1", 1)
	waitFor(t, "transcription failure recorded", func() bool {
		snap, err := h.orch.Snapshot("C1")
		return err == nil && snap.Metrics.TranscriptionFailures == 1 && snap.State == callstate.Listening
	})

	rec := h.end(t, "C1")
	if len(rec.Messages) != 0 {
		t.Fatalf("expected no messages, got %+v", rec.Messages)
	}
	if len(h.publisher.published("C1")) != 0 {
		t.Fatalf("expected no audio to be published")
	}
}

func TestTranscriptionOutageSpeaksRepeatPrompt(t *testing.T) {
	cfg := testConfig()
	cfg.RepeatPrompt = "sorry, say that again"
	h := newHarness(t, cfg, &fakeTranscriber{err: errors.New("upstream down")}, &fakeReasoner{text: "hi there"})
	h.start(t, "C1")

	h.speak("C1", 1)
	waitFor(t, "repeat prompt", func() bool { return len(h.publisher.published("C1")) == 1 })
	if got := string(h.publisher.published("C1")[0]); got != "pcm:sorry, say that again" {
		t.Fatalf("unexpected prompt audio: %q", got)
	}
	if got := h.state(t, "C1"); got != callstate.Speaking {
		t.Fatalf("unexpected state: %s", got)
	}
}

func TestReasoningOutageRecordsFallbackPhrase(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeTranscriber{text: "hello"}, &fakeReasoner{err: errors.New("llm down")})
	h.start(t, "C1")

	h.speak("C1", 1)
	waitFor(t, "fallback audio", func() bool { return len(h.publisher.published("C1")) == 1 })

	rec := h.end(t, "C1")
	if len(rec.Messages) != 2 || rec.Messages[1].Content != "please repeat" {
		t.Fatalf("unexpected messages: %+v", rec.Messages)
	}
	if rec.Metrics.ReasoningFallbacks != 1 {
		t.Fatalf("unexpected fallback count: %d", rec.Metrics.ReasoningFallbacks)
	}
}

func TestAudioIsBufferedWhileSpeaking(t *testing.T) {
	cfg := testConfig()
	cfg.AudioBufferChunks = 2
	h := newHarness(t, cfg, &fakeTranscriber{text: "hello"}, &fakeReasoner{text: "hi there"})
	h.start(t, "C1")

	h.speak("C1", 1)
	waitFor(t, "speaking", func() bool { return h.state(t, "C1") == callstate.Speaking })

	h.orch.HandleAudioReceived("C1", make([]byte, 10))
	h.orch.HandleAudioReceived("C1", make([]byte, 20))
	h.orch.HandleAudioReceived("C1", make([]byte, 30))
	waitFor(t, "buffered audio", func() bool {
		snap, _ := h.orch.Snapshot("C1")
		return snap.BufferedBytes == 50
	})

	h.orch.HandlePlaybackFinished("C1")
	waitFor(t, "buffer replayed", func() bool {
		snap, _ := h.orch.Snapshot("C1")
		return snap.State == callstate.Listening && snap.BufferedBytes == 0
	})
	h.metrics.mu.Lock()
	dropped := h.metrics.dropped
	h.metrics.mu.Unlock()
	if dropped != 1 {
		t.Fatalf("expected the oldest chunk to be dropped, got %d drops", dropped)
	}

	// Replayed audio is pending again; a flush turns it into a second turn.
	h.orch.HandleFlush("C1")
	waitFor(t, "second turn", func() bool { return len(h.publisher.published("C1")) == 2 })
}

func TestRepeatedFailuresEndTheCall(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 2
	h := newHarness(t, cfg, &fakeTranscriber{err: errors.New("upstream down")}, &fakeReasoner{text: "hi there"})
	h.start(t, "C1")

	h.speak("C1", 1)
	waitFor(t, "first failure", func() bool {
		snap, err := h.orch.Snapshot("C1")
		return err == nil && snap.Metrics.TranscriptionFailures == 1 && snap.State == callstate.Listening
	})
	h.speak("C1", 1)
	waitFor(t, "call ended", func() bool { return h.orch.ActiveCalls() == 0 && len(h.recorder.all()) == 1 })

	if got := h.publisher.hungUp(); len(got) != 1 || got[0] != "C1" {
		t.Fatalf("unexpected hangups: %v", got)
	}
	if rec := h.recorder.all()[0]; rec.EndReason != EndReasonFailures {
		t.Fatalf("unexpected end reason: %q", rec.EndReason)
	}
}

func TestSweepRecoversStuckTurn(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := &fakeTranscriber{err: errors.New("late"), release: make(chan struct{})}
	h := newHarness(t, testConfig(), tr, &fakeReasoner{text: "hi there"}, WithClock(clock.Now))
	h.start(t, "C1")

	h.speak("C1", 1)
	waitFor(t, "processing", func() bool { return h.state(t, "C1") == callstate.Processing })

	clock.Advance(3 * time.Second)
	h.orch.Sweep()
	waitFor(t, "forced listening", func() bool { return h.state(t, "C1") == callstate.Listening })

	forced := h.metrics.forcedReasons()
	if len(forced) != 1 || forced[0] != "turn_timeout" {
		t.Fatalf("unexpected forced transitions: %v", forced)
	}

	close(tr.release)
	rec := h.end(t, "C1")
	if len(rec.Messages) != 0 {
		t.Fatalf("stale turn must not add messages: %+v", rec.Messages)
	}
}

func TestPanicInOneCallDoesNotAffectAnother(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, &fakeTranscriber{text: "hello"}, &fakeReasoner{text: "hi there"})
	h.build(t, cfg, panicDialogue{Manager: h.manager, callID: "BAD"})
	h.start(t, "BAD")
	h.start(t, "GOOD")

	h.speak("BAD", 1)
	h.speak("GOOD", 1)

	waitFor(t, "good call answered", func() bool { return len(h.publisher.published("GOOD")) == 1 })
	waitFor(t, "bad call recovered", func() bool {
		forced := h.metrics.forcedReasons()
		return len(forced) == 1 && forced[0] == "turn_panic"
	})
	if got := h.state(t, "BAD"); got != callstate.Listening {
		t.Fatalf("unexpected state for panicking call: %s", got)
	}
	if got := h.orch.ActiveCalls(); got != 2 {
		t.Fatalf("unexpected active calls: %d", got)
	}
}

func TestGetHealthStatusAggregatesClients(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeTranscriber{text: "hello"}, &fakeReasoner{text: "hi there"})
	orch, err := New(testConfig(), Deps{
		Dialogue: h.manager,
		Health: []HealthSource{
			fakeHealth{resilience.Health{Service: "transcription", State: resilience.StateClosed, SuccessRatio: 1}},
			fakeHealth{resilience.Health{Service: "reasoning", State: resilience.StateOpen, ConsecutiveFailures: 5, LastFailure: time.Unix(1_700_000_000, 0)}},
		},
	}, WithLogger(discard))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	status := orch.GetHealthStatus()
	if status.OK {
		t.Fatal("expected status to be degraded with an open circuit")
	}
	if status.MaxCalls != 2 || status.ActiveCalls != 0 {
		t.Fatalf("unexpected call figures: %+v", status)
	}
	if len(status.Services) != 2 || status.Services[1].State != "open" || status.Services[1].LastFailure == "" {
		t.Fatalf("unexpected services: %+v", status.Services)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerPoolSize = 0
	if _, err := New(cfg, Deps{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestShutdownEndsAndHangsUpEveryCall(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeTranscriber{text: "hello"}, &fakeReasoner{text: "hi there"})
	h.start(t, "C1")
	h.start(t, "C2")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.orch.ActiveCalls() != 0 {
		t.Fatalf("unexpected active calls: %d", h.orch.ActiveCalls())
	}
	if got := h.publisher.hungUp(); len(got) != 2 {
		t.Fatalf("unexpected hangups: %v", got)
	}
	waitFor(t, "records", func() bool { return len(h.recorder.all()) == 2 })
	for _, rec := range h.recorder.all() {
		if rec.EndReason != EndReasonShutdown {
			t.Fatalf("unexpected end reason: %q", rec.EndReason)
		}
	}
}
