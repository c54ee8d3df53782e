package transcription

import (
	"bytes"
	"context"
	"math"
	"strings"

	"callflow/internal/model"
	"callflow/internal/resilience"
	"callflow/internal/upstream/openai"
)

type Client interface {
	Transcribe(ctx context.Context, in openai.TranscriptionRequest) (openai.Transcription, error)
}

type Option func(*Service)

// WithLanguage pins the spoken language instead of letting the upstream
// detect it per segment.
func WithLanguage(language string) Option {
	return func(s *Service) {
		s.language = strings.TrimSpace(language)
	}
}

// WithSampleRate sets the rate of the raw 16-bit mono PCM handed to
// Transcribe.
func WithSampleRate(rate int) Option {
	return func(s *Service) {
		if rate > 0 {
			s.sampleRate = rate
		}
	}
}

// Service turns caller audio into a TranscriptionResult through a
// resilience.Client dedicated to the transcription upstream.
type Service struct {
	client     Client
	resilient  *resilience.Client
	model      string
	language   string
	sampleRate int
}

func New(client Client, resilient *resilience.Client, modelName string, opts ...Option) *Service {
	s := &Service{
		client:     client,
		resilient:  resilient,
		model:      strings.TrimSpace(modelName),
		sampleRate: DefaultSampleRate,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) Transcribe(ctx context.Context, audio []byte) (model.TranscriptionResult, error) {
	wav, err := EncodeWAV(audio, s.sampleRate)
	if err != nil {
		return model.TranscriptionResult{}, err
	}
	return resilience.Execute(ctx, s.resilient, func(ctx context.Context) (model.TranscriptionResult, error) {
		out, err := s.client.Transcribe(ctx, openai.TranscriptionRequest{
			Audio:    bytes.NewReader(wav),
			FileName: "turn.wav",
			Model:    s.model,
			Language: s.language,
		})
		if err != nil {
			return model.TranscriptionResult{}, err
		}
		return toResult(out), nil
	})
}

func toResult(t openai.Transcription) model.TranscriptionResult {
	res := model.TranscriptionResult{
		Text:       strings.TrimSpace(t.Text),
		Language:   t.Language,
		Duration:   t.Duration,
		Confidence: confidence(t.Segments),
	}
	if len(t.Segments) > 1 {
		// Per-segment readings are the closest thing whisper offers to
		// alternatives; Normalize orders them.
		for _, seg := range t.Segments {
			if seg.Text == "" {
				continue
			}
			res.Alternatives = append(res.Alternatives, model.Alternative{
				Text:       seg.Text,
				Confidence: segmentConfidence(seg),
			})
		}
	}
	return res.Normalize()
}

// confidence averages segment probabilities. Responses without segments
// carry no score and are reported as fully confident.
func confidence(segments []openai.Segment) float64 {
	if len(segments) == 0 {
		return 1
	}
	var sum float64
	for _, seg := range segments {
		sum += segmentConfidence(seg)
	}
	return sum / float64(len(segments))
}

func segmentConfidence(seg openai.Segment) float64 {
	return math.Exp(seg.AvgLogprob) * (1 - seg.NoSpeechProb)
}
