package dialogue

import (
	"github.com/tiktoken-go/tokenizer"

	"callflow/internal/model"
)

// Per-message overhead for chat models: 3 framing tokens plus 1 for the role.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	primingTokens    = 3
)

type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter returns a cl100k_base counter, falling back to a
// four-characters-per-token estimate if the encoding cannot be loaded.
func NewTokenCounter() TokenCounter {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return estimateCounter{}
	}
	return tiktokenCounter{codec: codec}
}

func (c tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return estimateCounter{}.Count(text)
	}
	return len(ids)
}

type estimateCounter struct{}

func (estimateCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

func messageTokens(counter TokenCounter, m model.Message) int {
	return tokensPerMessage + tokensPerRole + counter.Count(m.Content)
}

// Window bounds the history sent to the reasoner.
type Window struct {
	Budget      int
	RecentTurns int
	Counter     TokenCounter
}

// Fit drops the oldest unprotected messages until the history fits the token
// budget. System messages and the last RecentTurns turns (a turn starts at a
// user message) are always kept, even if they alone exceed the budget.
func (w Window) Fit(messages []model.Message) (kept, dropped []model.Message) {
	counter := w.Counter
	if counter == nil {
		counter = estimateCounter{}
	}

	protected := make([]bool, len(messages))
	recentStart := len(messages)
	turns := 0
	for i := len(messages) - 1; i >= 0 && turns < w.RecentTurns; i-- {
		if messages[i].Role == model.RoleUser {
			turns++
			recentStart = i
		}
	}
	if w.RecentTurns > 0 && turns < w.RecentTurns {
		// Fewer turns than the protected window: keep every non-system message.
		recentStart = 0
	}

	total := primingTokens
	for i, m := range messages {
		if m.Role == model.RoleSystem || i >= recentStart {
			protected[i] = true
		}
		total += messageTokens(counter, m)
	}

	drop := make([]bool, len(messages))
	for i := 0; i < len(messages) && total > w.Budget; i++ {
		if protected[i] {
			continue
		}
		drop[i] = true
		total -= messageTokens(counter, messages[i])
	}

	kept = make([]model.Message, 0, len(messages))
	for i, m := range messages {
		if drop[i] {
			dropped = append(dropped, m)
			continue
		}
		kept = append(kept, m)
	}
	return kept, dropped
}

// Tokens returns the prompt size of messages including priming overhead.
func (w Window) Tokens(messages []model.Message) int {
	counter := w.Counter
	if counter == nil {
		counter = estimateCounter{}
	}
	total := primingTokens
	for _, m := range messages {
		total += messageTokens(counter, m)
	}
	return total
}
