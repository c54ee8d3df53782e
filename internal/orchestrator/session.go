package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"callflow/internal/callstate"
	"callflow/internal/dialogue"
	"callflow/internal/model"
)

type eventKind int

const (
	eventAudio eventKind = iota
	eventFlush
	eventPlaybackFinished
	eventTurnDone
	eventSweep
)

func (k eventKind) String() string {
	switch k {
	case eventAudio:
		return "audio"
	case eventFlush:
		return "flush"
	case eventPlaybackFinished:
		return "playback_finished"
	case eventTurnDone:
		return "turn_done"
	case eventSweep:
		return "sweep"
	default:
		return "unknown"
	}
}

type event struct {
	kind  eventKind
	chunk []byte
	turn  *turnOutcome
}

type turnOutcome struct {
	seq      uint64
	result   dialogue.TurnResult
	err      error
	prompt   []byte
	panicked any
}

type pendingChunk struct {
	data   []byte
	voiced bool
}

// failure stages besides the dialogue pipeline stages.
const (
	stageTimeout = "timeout"
	stagePanic   = "panic"
	stageTurn    = "turn"
)

// session is one call. Fields below the divider are owned by the call's
// worker goroutine and must not be touched elsewhere.
type session struct {
	call    *model.CallContext
	conv    *dialogue.Conversation
	machine *callstate.Machine
	events  chan event
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Set under Orchestrator.mu before cancel.
	endReason string

	bufferedBytes atomic.Int64
	turns         sync.WaitGroup

	// ---

	pending      []pendingChunk
	pendingBytes int
	voicedBytes  int
	silentRun    int
	buffered     [][]byte
	turnSeq      uint64
	turnActive   bool
	turnCancel   context.CancelFunc
	failedStage  string
	failures     int
}

func (o *Orchestrator) newSession(call *model.CallContext) *session {
	machine := callstate.New(callstate.WithLogger(o.logger.With("call_id", call.ID)), callstate.WithClock(o.now))
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		call:    call,
		conv:    o.deps.Dialogue.NewConversation(call, machine),
		machine: machine,
		events:  make(chan event, o.cfg.MailboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// post never blocks the producer. A full mailbox means the call is wedged;
// the event is dropped and logged.
func (s *session) post(o *Orchestrator, ev event) {
	select {
	case s.events <- ev:
	default:
		o.logger.Warn("mailbox_full", "call_id", s.call.ID, "event", ev.kind.String())
		if ev.kind == eventAudio {
			o.metric(func(m Metrics) { m.IncAudioDropped() })
		}
	}
}

func (s *session) snapshot() CallSnapshot {
	return CallSnapshot{
		Call:          *s.call,
		State:         s.machine.Current(),
		StateAge:      s.machine.DurationInState(),
		MessageCount:  s.conv.Len(),
		BufferedBytes: int(s.bufferedBytes.Load()),
		Metrics:       s.conv.Metrics(),
	}
}

func (o *Orchestrator) run(s *session) {
	defer o.wg.Done()
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			o.finish(s)
			return
		case ev := <-s.events:
			o.dispatch(s, ev)
		}
	}
}

func (o *Orchestrator) finish(s *session) {
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.turns.Wait()

	o.mu.RLock()
	reason := s.endReason
	o.mu.RUnlock()

	metrics := s.conv.Metrics()
	o.record(model.CallRecord{
		Call:      *s.call,
		Messages:  s.conv.Messages(),
		Metrics:   metrics,
		EndedAt:   o.now(),
		EndReason: reason,
	})
	o.metric(func(m Metrics) { m.IncCallEnded(reason) })
	o.logger.Info("call_ended",
		"call_id", s.call.ID,
		"reason", reason,
		"turns", metrics.Turns,
		"duration_ms", o.now().Sub(s.call.StartedAt).Milliseconds(),
		"avg_turn_ms", metrics.AverageTurnLatency().Milliseconds(),
	)
}

// dispatch handles one event. A panic is confined to this call: it is
// logged, the call is forced back to listening and the fault counts toward
// ending the call.
func (o *Orchestrator) dispatch(s *session, ev event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("call_event_panic", "call_id", s.call.ID, "event", ev.kind.String(), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			o.force(s, callstate.Listening, "event_panic")
			o.registerFailure(s, stagePanic)
		}
	}()

	switch ev.kind {
	case eventAudio:
		o.onAudio(s, ev.chunk)
	case eventFlush:
		if s.machine.Current() == callstate.Listening && s.voicedBytes > 0 {
			o.startTurn(s)
		}
	case eventPlaybackFinished:
		o.onPlaybackFinished(s)
	case eventTurnDone:
		o.onTurnDone(s, ev.turn)
	case eventSweep:
		o.onSweep(s)
	}
}

func (o *Orchestrator) onAudio(s *session, chunk []byte) {
	if s.machine.Current() != callstate.Listening {
		o.buffer(s, chunk)
		return
	}
	voiced := o.voiced(chunk)
	switch {
	case voiced:
		s.silentRun = 0
	case s.voicedBytes == 0:
		// Silence before any speech is not part of an utterance.
		return
	default:
		s.silentRun += len(chunk)
	}
	o.accumulate(s, chunk, voiced)
	if o.endpointReached(s) {
		o.startTurn(s)
	}
}

// accumulate appends to the pending utterance. While a turn cannot start the
// utterance is capped at twice the endpoint size, dropping the oldest audio.
func (o *Orchestrator) accumulate(s *session, chunk []byte, voiced bool) {
	s.pending = append(s.pending, pendingChunk{data: chunk, voiced: voiced})
	s.pendingBytes += len(chunk)
	if voiced {
		s.voicedBytes += len(chunk)
	}
	limit := 2 * o.cfg.EndpointMinBytes
	for s.pendingBytes > limit && len(s.pending) > 1 {
		dropped := s.pending[0]
		s.pending[0] = pendingChunk{}
		s.pending = s.pending[1:]
		s.pendingBytes -= len(dropped.data)
		if dropped.voiced {
			s.voicedBytes -= len(dropped.data)
		}
		o.metric(func(m Metrics) { m.IncAudioDropped() })
		o.logger.Debug("pending_audio_dropped", "call_id", s.call.ID, "bytes", len(dropped.data))
	}
}

// buffer keeps at most AudioBufferChunks chunks, dropping the oldest.
func (o *Orchestrator) buffer(s *session, chunk []byte) {
	if len(s.buffered) >= o.cfg.AudioBufferChunks {
		dropped := s.buffered[0]
		s.buffered[0] = nil
		s.buffered = s.buffered[1:]
		s.bufferedBytes.Add(-int64(len(dropped)))
		o.metric(func(m Metrics) { m.IncAudioDropped() })
		o.logger.Debug("audio_dropped", "call_id", s.call.ID, "bytes", len(dropped))
	}
	s.buffered = append(s.buffered, chunk)
	s.bufferedBytes.Add(int64(len(chunk)))
}

// resumeListening replays buffered audio into the accumulator once the call
// is listening again.
func (o *Orchestrator) resumeListening(s *session) {
	if s.machine.Current() != callstate.Listening || len(s.buffered) == 0 {
		return
	}
	replay := s.buffered
	s.buffered = nil
	s.bufferedBytes.Store(0)
	for _, chunk := range replay {
		if s.machine.Current() != callstate.Listening {
			o.buffer(s, chunk)
			continue
		}
		o.onAudio(s, chunk)
	}
}

func (o *Orchestrator) startTurn(s *session) {
	if s.turnActive {
		// A cancelled turn has not returned yet; its turn_done restarts us.
		return
	}
	if err := s.machine.TransitionTo(callstate.Processing); err != nil {
		o.logger.Warn("turn_not_started", "call_id", s.call.ID, "error", err)
		return
	}
	audio := make([]byte, 0, s.pendingBytes)
	for _, c := range s.pending {
		audio = append(audio, c.data...)
	}
	s.pending = nil
	s.pendingBytes, s.voicedBytes, s.silentRun = 0, 0, 0

	s.turnSeq++
	seq := s.turnSeq
	ctx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel

	s.turnActive = true
	s.turns.Add(1)
	go o.runTurn(ctx, s, seq, audio)
}

// runTurn executes outside the worker so the worker keeps buffering audio.
// Its only channel back is the turn_done event.
func (o *Orchestrator) runTurn(ctx context.Context, s *session, seq uint64, audio []byte) {
	defer s.turns.Done()
	out := &turnOutcome{seq: seq}
	defer func() {
		if r := recover(); r != nil {
			out.panicked = r
			o.logger.Error("turn_panic", "call_id", s.call.ID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		select {
		case s.events <- event{kind: eventTurnDone, turn: out}:
		case <-s.ctx.Done():
		}
	}()

	select {
	case o.permits <- struct{}{}:
	case <-ctx.Done():
		out.err = ctx.Err()
		return
	}
	defer func() { <-o.permits }()

	out.result, out.err = o.deps.Dialogue.ProcessTurn(ctx, audio, s.conv)

	var stageErr *dialogue.PipelineStageFailedError
	if o.cfg.RepeatPrompt != "" && errors.As(out.err, &stageErr) && stageErr.Stage == dialogue.StageTranscription &&
		!errors.Is(out.err, dialogue.ErrEmptyTranscript) && ctx.Err() == nil {
		prompt, err := o.deps.Dialogue.Speak(ctx, o.cfg.RepeatPrompt)
		if err != nil {
			o.logger.Warn("repeat_prompt_failed", "call_id", s.call.ID, "error", err)
		}
		out.prompt = prompt
	}
}

func (o *Orchestrator) onTurnDone(s *session, out *turnOutcome) {
	s.turnActive = false
	if out.seq != s.turnSeq || s.machine.Current() != callstate.Processing {
		o.logger.Warn("stale_turn_result", "call_id", s.call.ID, "turn", out.seq, "state", string(s.machine.Current()))
		if s.machine.Current() == callstate.Listening && o.endpointReached(s) {
			o.startTurn(s)
		}
		return
	}
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	if out.result.Latencies.Total > 0 {
		o.recordTurnLatency(out.result.Latencies.Total)
	}

	if out.panicked != nil {
		o.force(s, callstate.Listening, "turn_panic")
		if o.registerFailure(s, stagePanic) {
			return
		}
		o.resumeListening(s)
		return
	}

	if errors.Is(out.err, dialogue.ErrEmptyTranscript) {
		// Nothing intelligible was said. Keep listening without counting it
		// against the call.
		o.logger.Debug("turn_empty", "call_id", s.call.ID, "turn", out.seq)
		o.transition(s, callstate.Listening)
		o.resumeListening(s)
		return
	}

	if out.err != nil {
		stage := stageTurn
		var stageErr *dialogue.PipelineStageFailedError
		switch {
		case errors.As(out.err, &stageErr):
			stage = string(stageErr.Stage)
		case errors.Is(out.err, context.DeadlineExceeded), errors.Is(out.err, context.Canceled):
			stage = stageTimeout
		}
		o.logger.Warn("turn_failed", "call_id", s.call.ID, "stage", stage, "error", out.err)
		if o.registerFailure(s, stage) {
			return
		}
		if len(out.prompt) > 0 {
			o.speak(s, out.prompt)
			return
		}
		o.transition(s, callstate.Listening)
		o.resumeListening(s)
		return
	}

	switch {
	case out.result.ReasoningFallback:
		if o.registerFailure(s, string(dialogue.StageReasoning)) {
			return
		}
	case out.result.SynthesisDegraded:
		if o.registerFailure(s, string(dialogue.StageSynthesis)) {
			return
		}
	default:
		s.failedStage, s.failures = "", 0
	}

	if len(out.result.Audio) == 0 {
		o.transition(s, callstate.Listening)
		o.resumeListening(s)
		return
	}
	o.speak(s, out.result.Audio)
}

// speak moves to speaking and hands audio to the publisher. The call stays
// in speaking until playback finished is reported.
func (o *Orchestrator) speak(s *session, audio []byte) {
	if !o.transition(s, callstate.Speaking) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, o.cfg.TurnBudget)
	defer cancel()
	if err := o.deps.Publisher.PublishAudio(ctx, s.call.ID, audio); err != nil {
		o.logger.Warn("publish_audio_failed", "call_id", s.call.ID, "bytes", len(audio), "error", err)
		o.transition(s, callstate.Listening)
		o.resumeListening(s)
	}
}

func (o *Orchestrator) onPlaybackFinished(s *session) {
	if s.machine.Current() != callstate.Speaking {
		o.logger.Debug("playback_finished_ignored", "call_id", s.call.ID, "state", string(s.machine.Current()))
		return
	}
	o.transition(s, callstate.Listening)
	o.resumeListening(s)
}

// onSweep treats a turn that outlived twice the budget as a timed out turn.
func (o *Orchestrator) onSweep(s *session) {
	if s.machine.Current() != callstate.Processing {
		return
	}
	age := s.machine.DurationInState()
	if age <= 2*o.cfg.TurnBudget {
		return
	}
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	// Invalidate the in-flight turn so its late result is ignored.
	s.turnSeq++
	o.logger.Warn("turn_stuck", "call_id", s.call.ID, "age_ms", age.Milliseconds())
	o.force(s, callstate.Listening, "turn_timeout")
	if o.registerFailure(s, stageTimeout) {
		return
	}
	o.resumeListening(s)
}

// registerFailure counts consecutive failures of the same stage and ends the
// call once the limit is reached. It reports whether the call was ended.
func (o *Orchestrator) registerFailure(s *session, stage string) bool {
	if s.failedStage == stage {
		s.failures++
	} else {
		s.failedStage, s.failures = stage, 1
	}
	if s.failures < o.cfg.MaxConsecutiveFailures {
		return false
	}

	o.logger.Error("call_unrecoverable", "call_id", s.call.ID, "stage", stage, "consecutive_failures", s.failures)
	o.remove(s.call.ID, EndReasonFailures)
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TurnBudget)
	defer cancel()
	if err := o.deps.Publisher.Hangup(ctx, s.call.ID, EndReasonFailures); err != nil {
		o.logger.Warn("hangup_failed", "call_id", s.call.ID, "error", err)
	}
	return true
}

func (o *Orchestrator) transition(s *session, next callstate.State) bool {
	// The machine logs rejected transitions and stays where it is.
	return s.machine.TransitionTo(next) == nil
}

func (o *Orchestrator) force(s *session, next callstate.State, reason string) {
	s.machine.ForceTransition(next, reason)
	o.metric(func(m Metrics) { m.IncForcedTransition(reason) })
}
