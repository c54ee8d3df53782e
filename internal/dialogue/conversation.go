package dialogue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"callflow/internal/callstate"
	"callflow/internal/model"
)

// Conversation is the mutable per-call state. Its history is append-only;
// the lock only serves read-only snapshots taken from outside the call's
// own goroutine.
type Conversation struct {
	Call  *model.CallContext
	State *callstate.Machine

	mu             sync.RWMutex
	messages       []model.Message
	metrics        model.ConversationMetrics
	summary        *model.Message
	summarizedUpTo int
}

func NewConversation(call *model.CallContext, systemPrompt string, machine *callstate.Machine) *Conversation {
	if machine == nil {
		machine = callstate.New()
	}
	c := &Conversation{Call: call, State: machine}
	if systemPrompt != "" {
		c.append(model.RoleSystem, systemPrompt, time.Now(), nil)
	}
	return c
}

func (c *Conversation) Messages() []model.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

func (c *Conversation) Metrics() model.ConversationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

// Summary returns the current condensed summary of early turns, if any.
func (c *Conversation) Summary() (model.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.summary == nil {
		return model.Message{}, false
	}
	return *c.summary, true
}

func (c *Conversation) append(role model.Role, content string, at time.Time, metadata map[string]string) model.Message {
	msg := model.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: at,
		Metadata:  metadata,
	}
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	return msg
}

func (c *Conversation) updateMetrics(fn func(m *model.ConversationMetrics)) {
	c.mu.Lock()
	fn(&c.metrics)
	c.mu.Unlock()
}

// promptView is the history as the reasoner should see it: system messages,
// then the running summary, then every non-system message not yet folded
// into the summary.
func (c *Conversation) promptView() []model.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	view := make([]model.Message, 0, len(c.messages)+1)
	for _, m := range c.messages {
		if m.Role == model.RoleSystem {
			view = append(view, m)
		}
	}
	if c.summary != nil {
		view = append(view, *c.summary)
	}
	for i, m := range c.messages {
		if m.Role != model.RoleSystem && i >= c.summarizedUpTo {
			view = append(view, m)
		}
	}
	return view
}

func (c *Conversation) indexOf(id string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i, m := range c.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (c *Conversation) setSummary(summary model.Message, upTo int) {
	c.mu.Lock()
	c.summary = &summary
	if upTo > c.summarizedUpTo {
		c.summarizedUpTo = upTo
	}
	c.mu.Unlock()
}
