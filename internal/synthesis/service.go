package synthesis

import (
	"context"
	"errors"
	"strings"

	"callflow/internal/resilience"
	"callflow/internal/upstream/openai"
)

// ResponseFormat is what the media stream expects back: raw 16-bit mono
// PCM at 24kHz.
const ResponseFormat = "pcm"

var errEmptyAudio = errors.New("synthesis returned no audio")

type Client interface {
	Speech(ctx context.Context, req openai.SpeechRequest) ([]byte, error)
}

type Service struct {
	client    Client
	resilient *resilience.Client
	model     string
	voice     string
	speed     float64
}

type Option func(*Service)

func WithSpeed(speed float64) Option {
	return func(s *Service) {
		if speed > 0 {
			s.speed = speed
		}
	}
}

func New(client Client, resilient *resilience.Client, modelName, voice string, opts ...Option) *Service {
	s := &Service{
		client:    client,
		resilient: resilient,
		model:     strings.TrimSpace(modelName),
		voice:     strings.TrimSpace(voice),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) Synthesize(ctx context.Context, text string) ([]byte, error) {
	req := openai.SpeechRequest{
		Model:          s.model,
		Voice:          s.voice,
		Input:          strings.TrimSpace(text),
		ResponseFormat: ResponseFormat,
		Speed:          s.speed,
	}
	return resilience.Execute(ctx, s.resilient, func(ctx context.Context) ([]byte, error) {
		audio, err := s.client.Speech(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(audio) == 0 {
			return nil, errEmptyAudio
		}
		return audio, nil
	})
}
