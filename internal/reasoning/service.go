package reasoning

import (
	"context"
	"strings"

	"callflow/internal/model"
	"callflow/internal/resilience"
	"callflow/internal/upstream/openai"
)

const DefaultSystemPrompt = `You are a voice assistant answering a telephone call. The caller hears everything you write through text-to-speech.

Your job:
- Answer in one to three short spoken sentences.
- Never use markdown, lists, emoji, URLs or anything that cannot be read aloud.
- Spell out numbers the way a person would say them when that helps clarity.
- If you did not understand the caller, ask them to repeat rather than guessing.
- Preserve names, numbers and commitments the caller gave earlier in the call.`

const DefaultFallbackPhrase = "I'm having trouble right now, could you repeat that?"

type ChatClient interface {
	ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Option func(*Service)

func WithTemperature(temperature float64) Option {
	return func(s *Service) {
		s.temperature = temperature
	}
}

// WithMaxTokens caps the reply length; spoken replies should stay short.
func WithMaxTokens(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// Service generates the assistant reply for a prompt built by the dialogue
// manager through a resilience.Client dedicated to the chat upstream.
type Service struct {
	client      ChatClient
	resilient   *resilience.Client
	model       string
	temperature float64
	maxTokens   int
}

func New(client ChatClient, resilient *resilience.Client, modelName string, opts ...Option) *Service {
	s := &Service{
		client:      client,
		resilient:   resilient,
		model:       strings.TrimSpace(modelName),
		temperature: 0.4,
		maxTokens:   200,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) Generate(ctx context.Context, history []model.Message) (model.Generation, error) {
	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
		Messages:    toChatMessages(history),
	}
	return resilience.Execute(ctx, s.resilient, func(ctx context.Context) (model.Generation, error) {
		resp, err := s.client.ChatCompletion(ctx, req)
		if err != nil {
			return model.Generation{}, err
		}
		gen := model.Generation{Text: sanitizeReply(resp.Content)}
		if resp.Usage != nil {
			gen.Usage = &model.TokenUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		return gen, nil
	})
}

func toChatMessages(history []model.Message) []openai.ChatMessage {
	out := make([]openai.ChatMessage, 0, len(history))
	for _, msg := range history {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		out = append(out, openai.ChatMessage{Role: string(msg.Role), Content: content})
	}
	return out
}

// sanitizeReply strips wrapping quotes and collapses the reply onto a single
// line for synthesis.
func sanitizeReply(value string) string {
	result := strings.TrimSpace(value)
	if result == "" {
		return ""
	}
	if strings.HasPrefix(result, "\"") && strings.HasSuffix(result, "\"") && len(result) > 1 {
		result = strings.TrimSpace(strings.TrimPrefix(strings.TrimSuffix(result, "\""), "\""))
	}
	return strings.Join(strings.Fields(result), " ")
}
