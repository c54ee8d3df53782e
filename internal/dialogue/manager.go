// Package dialogue runs one conversational turn (transcribe, reason,
// synthesize) for a call and owns that call's message history.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"callflow/internal/callstate"
	"callflow/internal/model"
)

type Stage string

const (
	StageTranscription Stage = "transcription"
	StageReasoning     Stage = "reasoning"
	StageSynthesis     Stage = "synthesis"
)

var (
	ErrEmptyTranscript = errors.New("transcript is empty")
	ErrNotProcessing   = errors.New("conversation is not in processing state")
)

// PipelineStageFailedError reports a stage that produced no output even
// after its client's own retries.
type PipelineStageFailedError struct {
	Stage Stage
	Err   error
}

func (e *PipelineStageFailedError) Error() string {
	return fmt.Sprintf("pipeline stage %s failed: %v", e.Stage, e.Err)
}

func (e *PipelineStageFailedError) Unwrap() error {
	return e.Err
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (model.TranscriptionResult, error)
}

type Reasoner interface {
	Generate(ctx context.Context, history []model.Message) (model.Generation, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Observer receives best-effort stage metrics.
type Observer interface {
	ObserveStage(stage string, duration time.Duration, ok bool)
	IncReasoningFallback()
	IncSynthesisDegraded()
}

type Config struct {
	TurnBudget           time.Duration
	TranscriptionTimeout time.Duration
	ReasoningTimeout     time.Duration
	SynthesisTimeout     time.Duration
	TokenBudget          int
	RecentTurns          int
	SummarizeEnabled     bool
	SummarizeAfter       time.Duration
	SystemPrompt         string
	FallbackPhrase       string
	SummaryPrompt        string
	CostPer1KTokens      float64
}

const DefaultSummaryPrompt = "Summarize the following earlier part of a phone conversation in at most three sentences. Keep names, numbers and any commitments made."

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(m *Manager) {
		m.observer = observer
	}
}

func WithTokenCounter(counter TokenCounter) Option {
	return func(m *Manager) {
		if counter != nil {
			m.window.Counter = counter
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

type Manager struct {
	cfg         Config
	transcriber Transcriber
	reasoner    Reasoner
	synthesizer Synthesizer
	window      Window
	observer    Observer
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

func New(cfg Config, transcriber Transcriber, reasoner Reasoner, synthesizer Synthesizer, opts ...Option) (*Manager, error) {
	if transcriber == nil || reasoner == nil || synthesizer == nil {
		return nil, errors.New("dialogue: transcriber, reasoner and synthesizer are required")
	}
	if cfg.TurnBudget <= 0 {
		return nil, errors.New("dialogue: turn budget must be > 0")
	}
	if cfg.TokenBudget <= 0 {
		return nil, errors.New("dialogue: token budget must be > 0")
	}
	if strings.TrimSpace(cfg.FallbackPhrase) == "" {
		return nil, errors.New("dialogue: fallback phrase must not be empty")
	}
	if cfg.SummaryPrompt == "" {
		cfg.SummaryPrompt = DefaultSummaryPrompt
	}

	m := &Manager{
		cfg:         cfg,
		transcriber: transcriber,
		reasoner:    reasoner,
		synthesizer: synthesizer,
		window:      Window{Budget: cfg.TokenBudget, RecentTurns: cfg.RecentTurns},
		logger:      slog.Default(),
		tracer:      otel.Tracer("callflow/dialogue"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.window.Counter == nil {
		m.window.Counter = NewTokenCounter()
	}
	return m, nil
}

// NewConversation creates the per-call context seeded with the configured
// system prompt.
func (m *Manager) NewConversation(call *model.CallContext, machine *callstate.Machine) *Conversation {
	return NewConversation(call, m.cfg.SystemPrompt, machine)
}

type TurnResult struct {
	Transcript        model.TranscriptionResult
	Response          string
	Audio             []byte
	ReasoningFallback bool
	ReasoningErr      error
	SynthesisDegraded bool
	SynthesisErr      error
	Summarized        bool
	Latencies         model.StageLatencies
}

// ProcessTurn runs one turn. conv must already be in the processing state;
// the caller owns all state transitions. Only a transcription failure is
// returned as an error; reasoning and synthesis failures degrade in place.
func (m *Manager) ProcessTurn(ctx context.Context, audio []byte, conv *Conversation) (TurnResult, error) {
	var result TurnResult
	if conv.State.Current() != callstate.Processing {
		return result, ErrNotProcessing
	}

	ctx, span := m.tracer.Start(ctx, "dialogue.turn", trace.WithAttributes(
		attribute.String("call.id", conv.Call.ID),
		attribute.Int("audio.bytes", len(audio)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.TurnBudget)
	defer cancel()

	started := m.now()

	transcript, err := m.transcribe(ctx, audio)
	result.Latencies.Transcription = m.now().Sub(started)
	if err == nil && strings.TrimSpace(transcript.Text) == "" {
		// Silence or noise. Not an outage, so no failure is counted.
		result.Latencies.Total = m.now().Sub(started)
		span.SetAttributes(attribute.Bool("transcript.empty", true))
		return result, &PipelineStageFailedError{Stage: StageTranscription, Err: ErrEmptyTranscript}
	}
	if err != nil {
		conv.updateMetrics(func(cm *model.ConversationMetrics) { cm.TranscriptionFailures++ })
		result.Latencies.Total = m.now().Sub(started)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		return result, &PipelineStageFailedError{Stage: StageTranscription, Err: err}
	}
	result.Transcript = transcript

	conv.append(model.RoleUser, strings.TrimSpace(transcript.Text), m.now(), map[string]string{
		"confidence": strconv.FormatFloat(transcript.Confidence, 'f', 3, 64),
		"language":   transcript.Language,
	})

	result.Summarized = m.SummarizeIfNeeded(ctx, conv)
	prompt := m.BuildPrompt(conv)

	reasoningStarted := m.now()
	generation, err := m.generate(ctx, prompt)
	result.Latencies.Reasoning = m.now().Sub(reasoningStarted)
	response := strings.TrimSpace(generation.Text)
	if err == nil && response == "" {
		err = errors.New("empty response")
	}
	var assistantMeta map[string]string
	if err != nil {
		m.logger.Warn("reasoning_fallback", "call_id", conv.Call.ID, "error", err)
		span.RecordError(err)
		response = m.cfg.FallbackPhrase
		result.ReasoningFallback = true
		result.ReasoningErr = &PipelineStageFailedError{Stage: StageReasoning, Err: err}
		assistantMeta = map[string]string{"fallback": "true"}
		m.incReasoningFallback()
	}
	result.Response = response
	conv.append(model.RoleAssistant, response, m.now(), assistantMeta)

	synthesisStarted := m.now()
	speech, err := m.synthesize(ctx, response)
	result.Latencies.Synthesis = m.now().Sub(synthesisStarted)
	if err == nil && len(speech) == 0 {
		err = errors.New("empty audio")
	}
	if err != nil {
		m.logger.Warn("synthesis_degraded", "call_id", conv.Call.ID, "error", err)
		span.RecordError(err)
		result.SynthesisDegraded = true
		result.SynthesisErr = &PipelineStageFailedError{Stage: StageSynthesis, Err: err}
		m.incSynthesisDegraded()
	} else {
		result.Audio = speech
	}

	result.Latencies.Total = m.now().Sub(started)
	conv.updateMetrics(func(cm *model.ConversationMetrics) {
		cm.AddTurn(result.Latencies)
		cm.AddUsage(generation.Usage, m.cfg.CostPer1KTokens)
		if result.ReasoningFallback {
			cm.ReasoningFallbacks++
		}
		if result.SynthesisDegraded {
			cm.SynthesisDegraded++
		}
	})

	span.SetAttributes(
		attribute.Int64("latency.total_ms", result.Latencies.Total.Milliseconds()),
		attribute.Bool("reasoning.fallback", result.ReasoningFallback),
		attribute.Bool("synthesis.degraded", result.SynthesisDegraded),
	)
	m.logger.Info("turn_completed",
		"call_id", conv.Call.ID,
		"transcription_ms", result.Latencies.Transcription.Milliseconds(),
		"reasoning_ms", result.Latencies.Reasoning.Milliseconds(),
		"synthesis_ms", result.Latencies.Synthesis.Milliseconds(),
		"total_ms", result.Latencies.Total.Milliseconds(),
		"fallback", result.ReasoningFallback,
		"degraded", result.SynthesisDegraded,
	)
	return result, nil
}

// BuildPrompt returns the history truncated to the token budget.
func (m *Manager) BuildPrompt(conv *Conversation) []model.Message {
	kept, _ := m.window.Fit(conv.promptView())
	return kept
}

// SummarizeIfNeeded folds turns that the window would drop, and that are
// older than SummarizeAfter, into a single system summary. It is best
// effort: on failure those turns are simply dropped by the window.
func (m *Manager) SummarizeIfNeeded(ctx context.Context, conv *Conversation) bool {
	if !m.cfg.SummarizeEnabled {
		return false
	}
	_, dropped := m.window.Fit(conv.promptView())
	cutoff := m.now().Add(-m.cfg.SummarizeAfter)

	var aged []model.Message
	for _, msg := range dropped {
		if msg.Role == model.RoleSystem {
			continue
		}
		if msg.Timestamp.After(cutoff) {
			break
		}
		aged = append(aged, msg)
	}
	if len(aged) == 0 {
		return false
	}

	var transcript strings.Builder
	if prev, ok := conv.Summary(); ok {
		transcript.WriteString(prev.Content)
		transcript.WriteString("\n")
	}
	for _, msg := range aged {
		transcript.WriteString(string(msg.Role))
		transcript.WriteString(": ")
		transcript.WriteString(msg.Content)
		transcript.WriteString("\n")
	}

	ctx, span := m.tracer.Start(ctx, "dialogue.summarize", trace.WithAttributes(
		attribute.Int("messages", len(aged)),
	))
	defer span.End()

	generation, err := m.generate(ctx, []model.Message{
		{Role: model.RoleSystem, Content: m.cfg.SummaryPrompt},
		{Role: model.RoleUser, Content: transcript.String()},
	})
	summary := strings.TrimSpace(generation.Text)
	if err == nil && summary == "" {
		err = errors.New("empty summary")
	}
	if err != nil {
		span.RecordError(err)
		m.logger.Warn("summarize_failed", "call_id", conv.Call.ID, "dropped", len(aged), "error", err)
		return false
	}

	upTo := conv.indexOf(aged[len(aged)-1].ID) + 1
	conv.setSummary(model.Message{
		ID:        "summary",
		Role:      model.RoleSystem,
		Content:   "Summary of the earlier conversation: " + summary,
		Timestamp: m.now(),
		Metadata:  map[string]string{"summary": "true"},
	}, upTo)
	conv.updateMetrics(func(cm *model.ConversationMetrics) { cm.AddUsage(generation.Usage, m.cfg.CostPer1KTokens) })
	m.logger.Info("conversation_summarized", "call_id", conv.Call.ID, "messages", len(aged))
	return true
}

func (m *Manager) transcribe(ctx context.Context, audio []byte) (model.TranscriptionResult, error) {
	ctx, cancel := stageContext(ctx, m.cfg.TranscriptionTimeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "dialogue.transcribe")
	defer span.End()

	started := m.now()
	res, err := m.transcriber.Transcribe(ctx, audio)
	m.observeStage(StageTranscription, m.now().Sub(started), err == nil)
	if err != nil {
		return model.TranscriptionResult{}, err
	}
	return res.Normalize(), nil
}

func (m *Manager) generate(ctx context.Context, history []model.Message) (model.Generation, error) {
	ctx, cancel := stageContext(ctx, m.cfg.ReasoningTimeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "dialogue.generate", trace.WithAttributes(
		attribute.Int("prompt.messages", len(history)),
		attribute.Int("prompt.tokens", m.window.Tokens(history)),
	))
	defer span.End()

	started := m.now()
	gen, err := m.reasoner.Generate(ctx, history)
	m.observeStage(StageReasoning, m.now().Sub(started), err == nil)
	return gen, err
}

func (m *Manager) synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := stageContext(ctx, m.cfg.SynthesisTimeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "dialogue.synthesize")
	defer span.End()

	started := m.now()
	audio, err := m.synthesizer.Synthesize(ctx, text)
	m.observeStage(StageSynthesis, m.now().Sub(started), err == nil)
	return audio, err
}

// Speak synthesizes text outside of a turn, for prompts the orchestrator
// plays on its own such as asking the caller to repeat.
func (m *Manager) Speak(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty prompt")
	}
	audio, err := m.synthesize(ctx, text)
	if err == nil && len(audio) == 0 {
		err = errors.New("empty audio")
	}
	return audio, err
}

func stageContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (m *Manager) observeStage(stage Stage, d time.Duration, ok bool) {
	if m.observer == nil {
		return
	}
	defer func() { _ = recover() }()
	m.observer.ObserveStage(string(stage), d, ok)
}

func (m *Manager) incReasoningFallback() {
	if m.observer == nil {
		return
	}
	defer func() { _ = recover() }()
	m.observer.IncReasoningFallback()
}

func (m *Manager) incSynthesisDegraded() {
	if m.observer == nil {
		return
	}
	defer func() { _ = recover() }()
	m.observer.IncSynthesisDegraded()
}
