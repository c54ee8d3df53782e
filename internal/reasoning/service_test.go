package reasoning

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"callflow/internal/model"
	"callflow/internal/resilience"
	"callflow/internal/upstream/openai"
)

type fakeChatClient struct {
	calls   int
	request openai.ChatCompletionRequest
	resp    openai.ChatCompletionResponse
	err     error
}

func (f *fakeChatClient) ChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	f.request = req
	return f.resp, f.err
}

func newResilient(t *testing.T) *resilience.Client {
	t.Helper()
	cfg := resilience.DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.RateLimitFloor = time.Millisecond
	c, err := resilience.New("reasoning", cfg)
	if err != nil {
		t.Fatalf("resilience.New() error = %v", err)
	}
	return c
}

func TestSanitizeReply(t *testing.T) {
	cases := map[string]string{
		"\"Hello there\"":      "Hello there",
		"  hi \n\n  again  ":   "hi again",
		"":                     "",
		"\"":                   "\"",
		"We open at\tnine.   ": "We open at nine.",
	}

	for in, want := range cases {
		if got := sanitizeReply(in); got != want {
			t.Fatalf("sanitize(%q): got %q want %q", in, got, want)
		}
	}
}

func TestGenerateSendsHistoryAndReturnsUsage(t *testing.T) {
	client := &fakeChatClient{resp: openai.ChatCompletionResponse{
		Content: "\"hi there\"",
		Usage: &openai.TokenUsage{
			PromptTokens:     40,
			CompletionTokens: 3,
			TotalTokens:      43,
		},
	}}
	svc := New(client, newResilient(t), "gpt-4o-mini", WithTemperature(0.2), WithMaxTokens(64))

	gen, err := svc.Generate(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: DefaultSystemPrompt},
		{Role: model.RoleUser, Content: "hello"},
		{Role: model.RoleAssistant, Content: "   "},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if gen.Text != "hi there" {
		t.Fatalf("unexpected text: %q", gen.Text)
	}
	if gen.Usage == nil || gen.Usage.TotalTokens != 43 {
		t.Fatalf("expected usage to be returned, got %+v", gen.Usage)
	}
	if client.request.Model != "gpt-4o-mini" || client.request.Temperature != 0.2 || client.request.MaxTokens != 64 {
		t.Fatalf("unexpected request: %+v", client.request)
	}
	if len(client.request.Messages) != 2 {
		t.Fatalf("expected blank messages to be skipped, got %d", len(client.request.Messages))
	}
	if client.request.Messages[0].Role != "system" || client.request.Messages[1].Content != "hello" {
		t.Fatalf("unexpected messages: %+v", client.request.Messages)
	}
}

func TestGenerateRetriesRateLimitThenFails(t *testing.T) {
	client := &fakeChatClient{err: &openai.Error{StatusCode: http.StatusTooManyRequests}}
	svc := New(client, newResilient(t), "gpt-4o-mini")

	_, err := svc.Generate(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hello"}})
	if !errors.Is(err, resilience.ErrRateLimit) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if client.calls != 3 {
		t.Fatalf("unexpected attempts: %d", client.calls)
	}
}
