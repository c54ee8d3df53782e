package dialogue

import (
	"fmt"
	"testing"

	"callflow/internal/model"
)

func history(turns int) []model.Message {
	msgs := []model.Message{{ID: "sys", Role: model.RoleSystem, Content: "rules rules rules"}}
	for i := 0; i < turns; i++ {
		msgs = append(msgs,
			model.Message{ID: fmt.Sprintf("u%d", i), Role: model.RoleUser, Content: "one two three four five"},
			model.Message{ID: fmt.Sprintf("a%d", i), Role: model.RoleAssistant, Content: "six seven eight nine ten"},
		)
	}
	return msgs
}

func TestFitKeepsEverythingUnderBudget(t *testing.T) {
	w := Window{Budget: 1000, RecentTurns: 2, Counter: wordCounter{}}
	kept, dropped := w.Fit(history(3))
	if len(kept) != 7 || len(dropped) != 0 {
		t.Fatalf("unexpected split: kept=%d dropped=%d", len(kept), len(dropped))
	}
}

func TestFitDropsOldestFirstAndKeepsProtected(t *testing.T) {
	w := Window{Budget: 50, RecentTurns: 2, Counter: wordCounter{}}
	kept, dropped := w.Fit(history(20))

	if kept[0].ID != "sys" {
		t.Fatalf("system message must be first, got %s", kept[0].ID)
	}
	tail := kept[len(kept)-4:]
	want := []string{"u18", "a18", "u19", "a19"}
	for i, id := range want {
		if tail[i].ID != id {
			t.Fatalf("recent turns missing: got %s want %s", tail[i].ID, id)
		}
	}
	if dropped[0].ID != "u0" {
		t.Fatalf("oldest message should be dropped first, got %s", dropped[0].ID)
	}
	if w.Tokens(kept) > w.Budget {
		t.Fatalf("kept history exceeds budget: %d", w.Tokens(kept))
	}
}

func TestFitKeepsProtectedEvenOverBudget(t *testing.T) {
	w := Window{Budget: 1, RecentTurns: 3, Counter: wordCounter{}}
	kept, _ := w.Fit(history(5))

	if len(kept) != 7 {
		t.Fatalf("expected system + 3 turns, got %d", len(kept))
	}
	if kept[0].Role != model.RoleSystem {
		t.Fatalf("system message dropped: %+v", kept[0])
	}
}

func TestTiktokenCounterCountsTokens(t *testing.T) {
	c := NewTokenCounter()
	if got := c.Count("hello world"); got < 2 || got > 4 {
		t.Fatalf("unexpected token count: %d", got)
	}
	if got := c.Count(""); got != 0 {
		t.Fatalf("unexpected empty count: %d", got)
	}
}
