package model

import (
	"sort"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// CallContext identifies one telephone call. It is created once on call start
// and never mutated afterwards; callers share it by pointer.
type CallContext struct {
	ID           string
	CallerNumber string
	StartedAt    time.Time
	RoomID       string
	Metadata     map[string]string
}

type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
	Metadata  map[string]string
}

type Alternative struct {
	Text       string
	Confidence float64
}

type TranscriptionResult struct {
	Text         string
	Confidence   float64
	Language     string
	Duration     time.Duration
	Alternatives []Alternative
}

// Normalize clamps confidences into [0,1] and orders alternatives by
// descending confidence.
func (r TranscriptionResult) Normalize() TranscriptionResult {
	r.Confidence = clamp01(r.Confidence)
	if len(r.Alternatives) > 0 {
		alts := make([]Alternative, len(r.Alternatives))
		copy(alts, r.Alternatives)
		for i := range alts {
			alts[i].Confidence = clamp01(alts[i].Confidence)
		}
		sort.SliceStable(alts, func(i, j int) bool {
			return alts[i].Confidence > alts[j].Confidence
		})
		r.Alternatives = alts
	}
	return r
}

type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Generation is the output of the reasoning stage.
type Generation struct {
	Text  string
	Usage *TokenUsage
}

// ConversationMetrics accumulates per-call counters. All Add methods ignore
// negative inputs so the totals never decrease.
type ConversationMetrics struct {
	Turns                 int
	TotalDuration         time.Duration
	TranscriptionLatency  time.Duration
	ReasoningLatency      time.Duration
	SynthesisLatency      time.Duration
	Tokens                TokenUsage
	CostUSD               float64
	TranscriptionFailures int
	ReasoningFallbacks    int
	SynthesisDegraded     int
}

type StageLatencies struct {
	Transcription time.Duration
	Reasoning     time.Duration
	Synthesis     time.Duration
	Total         time.Duration
}

func (m *ConversationMetrics) AddTurn(l StageLatencies) {
	m.Turns++
	m.TranscriptionLatency += nonNegative(l.Transcription)
	m.ReasoningLatency += nonNegative(l.Reasoning)
	m.SynthesisLatency += nonNegative(l.Synthesis)
	m.TotalDuration += nonNegative(l.Total)
}

func (m *ConversationMetrics) AddUsage(u *TokenUsage, costPer1K float64) {
	if u == nil {
		return
	}
	if u.PromptTokens > 0 {
		m.Tokens.PromptTokens += u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		m.Tokens.CompletionTokens += u.CompletionTokens
	}
	if u.TotalTokens > 0 {
		m.Tokens.TotalTokens += u.TotalTokens
		if costPer1K > 0 {
			m.CostUSD += float64(u.TotalTokens) / 1000 * costPer1K
		}
	}
}

// AverageTurnLatency returns zero when no turn has completed yet.
func (m ConversationMetrics) AverageTurnLatency() time.Duration {
	if m.Turns == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.Turns)
}

// CallRecord is the finalized view of an ended call handed to persistence.
type CallRecord struct {
	Call      CallContext
	Messages  []Message
	Metrics   ConversationMetrics
	EndedAt   time.Time
	EndReason string
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
