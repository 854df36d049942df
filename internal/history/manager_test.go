package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"taskagent/internal/chat"
)

func heuristicManager(opts ManagerOptions) *Manager {
	// 测试环境无 BPE 缓存，显式走启发式计数保证确定性。
	opts.Tokenizer = &Tokenizer{encodingName: "cl100k_base", fallback: true}
	return NewManager(opts)
}

func conversation(n int) []chat.Message {
	out := make([]chat.Message, 0, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			out = append(out, chat.Message{Role: "user", Content: fmt.Sprintf("question %d", i)})
		} else {
			out = append(out, chat.Message{Role: "assistant", Content: fmt.Sprintf("answer %d", i)})
		}
	}
	return out
}

func TestBuildInitial(t *testing.T) {
	m := heuristicManager(ManagerOptions{})
	msgs := m.BuildInitial("you are an agent", conversation(2), "find the wiki page")
	if len(msgs) != 4 {
		t.Fatalf("len=%d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Fatalf("first role=%s", msgs[0].Role)
	}
	if msgs[3].Role != "user" || msgs[3].Content != "find the wiki page" {
		t.Fatalf("mission message wrong: %+v", msgs[3])
	}
}

func TestNeedsCompression_MessageCount(t *testing.T) {
	m := heuristicManager(ManagerOptions{MessageThreshold: 5, TokenLimit: 1 << 20})
	if m.NeedsCompression(conversation(5)) {
		t.Fatal("at threshold should not trigger")
	}
	if !m.NeedsCompression(conversation(6)) {
		t.Fatal("over threshold should trigger")
	}
}

func TestNeedsCompression_TokenBudget(t *testing.T) {
	m := heuristicManager(ManagerOptions{MessageThreshold: 100, TokenLimit: 50})
	big := []chat.Message{{Role: "user", Content: strings.Repeat("word ", 200)}}
	if !m.NeedsCompression(big) {
		t.Fatal("over token budget should trigger")
	}
}

func TestCompress_SummaryReplacesOldest(t *testing.T) {
	summarizerCalls := 0
	m := heuristicManager(ManagerOptions{
		MessageThreshold: 10,
		TokenLimit:       1 << 20,
		KeepRecent:       4,
		Summarizer: func(_ context.Context, sys, user string) (string, error) {
			summarizerCalls++
			if !strings.Contains(sys, "summarizer") {
				return "", errors.New("unexpected system prompt")
			}
			if strings.Contains(user, "raw payload must not appear") {
				return "", errors.New("digest leaked raw payload")
			}
			return "Summary paragraph one.\n\nSummary paragraph two.", nil
		},
	})

	msgs := append([]chat.Message{{Role: "system", Content: "sys"}}, conversation(14)...)
	out, changed := m.Compress(context.Background(), msgs)
	if !changed {
		t.Fatal("should have compressed")
	}
	if summarizerCalls != 1 {
		t.Fatalf("summarizer calls=%d", summarizerCalls)
	}
	if out[0].Role != "system" {
		t.Fatal("system prompt must survive compression")
	}
	if out[1].Role != "assistant" || !strings.Contains(out[1].Content, "COMPACTION_SUMMARY") {
		t.Fatalf("expected synthetic summary message, got %+v", out[1])
	}
	if len(out) >= len(msgs) {
		t.Fatalf("compressed len=%d, original=%d", len(out), len(msgs))
	}
	if orphans := chat.ValidateToolPairing(out); len(orphans) != 0 {
		t.Fatalf("pairing violated: %v", orphans)
	}
}

func TestCompress_FallbackKeepsRecentPairingSafe(t *testing.T) {
	m := heuristicManager(ManagerOptions{
		MessageThreshold: 10,
		TokenLimit:       1 << 20,
		KeepRecent:       10,
		Summarizer: func(context.Context, string, string) (string, error) {
			return "", errors.New("llm down")
		},
	})

	msgs := []chat.Message{{Role: "system", Content: "sys"}}
	msgs = append(msgs, conversation(12)...)
	msgs = append(msgs,
		chat.Message{Role: "assistant", ToolCalls: []chat.ToolCall{{ID: "c1", Type: "function", Function: chat.ToolCallFunction{Name: "search", Arguments: "{}"}}}},
		chat.Message{Role: "tool", Name: "search", ToolCallID: "c1", Content: `{"ok":true}`},
	)
	msgs = append(msgs, conversation(6)...)

	out, changed := m.Compress(context.Background(), msgs)
	if !changed {
		t.Fatal("should have compressed via fallback")
	}
	if out[0].Role != "system" {
		t.Fatal("system prompt must survive fallback")
	}
	if !strings.Contains(out[1].Content, "earlier messages compressed") {
		t.Fatalf("expected compression note, got %+v", out[1])
	}
	if orphans := chat.ValidateToolPairing(out); len(orphans) != 0 {
		t.Fatalf("pairing violated after fallback: %v", orphans)
	}
}

func TestPreflight_UnderBudgetUntouched(t *testing.T) {
	m := heuristicManager(ManagerOptions{TokenLimit: 1 << 20})
	msgs := conversation(4)
	out, err := m.Preflight(msgs)
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("len=%d", len(out))
	}
}

func TestPreflight_SanitizeThenTruncate(t *testing.T) {
	m := heuristicManager(ManagerOptions{TokenLimit: 400, KeepRecent: 4})

	msgs := []chat.Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "the mission"}}
	for i := 0; i < 20; i++ {
		msgs = append(msgs, chat.Message{Role: "assistant", Content: strings.Repeat("filler text ", 20), Reasoning: strings.Repeat("thinking ", 30)})
	}

	out, err := m.Preflight(msgs)
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if m.EstimateTokens(out) > 400 {
		t.Fatalf("still over budget: %d", m.EstimateTokens(out))
	}
	if out[0].Role != "system" {
		t.Fatal("system prompt dropped")
	}
	foundMission := false
	for _, msg := range out {
		if msg.Role == "user" && msg.Content == "the mission" {
			foundMission = true
		}
		if msg.Reasoning != "" {
			t.Fatal("reasoning should be sanitized")
		}
	}
	if !foundMission {
		t.Fatal("mission message dropped")
	}
}

func TestPreflight_DropsOrphanToolMessages(t *testing.T) {
	m := heuristicManager(ManagerOptions{TokenLimit: 1 << 20})
	msgs := []chat.Message{
		{Role: "user", Content: "hi"},
		{Role: "tool", Name: "search", ToolCallID: "gone", Content: "{}"},
	}
	out, err := m.Preflight(msgs)
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("orphan not dropped: %+v", out)
	}
}

func TestPreflight_WarnsOnOrphanDrop(t *testing.T) {
	var buf bytes.Buffer
	m := heuristicManager(ManagerOptions{
		TokenLimit: 1 << 20,
		Logger:     slog.New(slog.NewTextHandler(&buf, nil)),
	})
	msgs := []chat.Message{
		{Role: "user", Content: "hi"},
		{Role: "tool", Name: "search", ToolCallID: "gone", Content: "{}"},
		{Role: "tool", Name: "read", ToolCallID: "also-gone", Content: "{}"},
	}
	if _, err := m.Preflight(msgs); err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	logged := buf.String()
	if !strings.Contains(logged, "orphan") || !strings.Contains(logged, "count=2") {
		t.Fatalf("drop not logged: %q", logged)
	}
}

func TestPreflight_BudgetExceededError(t *testing.T) {
	m := heuristicManager(ManagerOptions{TokenLimit: 10, KeepRecent: 4})
	msgs := []chat.Message{
		{Role: "system", Content: strings.Repeat("long system prompt ", 50)},
		{Role: "user", Content: "mission"},
	}
	_, err := m.Preflight(msgs)
	var budgetErr *BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
}

func TestBuildDigest_SanitizesToolPayloads(t *testing.T) {
	longPayload := strings.Repeat("secret-data ", 100)
	msgs := []chat.Message{
		{Role: "user", Content: "do the thing"},
		{Role: "assistant", ToolCalls: []chat.ToolCall{{Function: chat.ToolCallFunction{Name: "search", Arguments: `{"q":"x"}`}}}},
		{Role: "tool", Name: "search", Content: longPayload},
	}
	digest := buildDigest(msgs)
	if !strings.Contains(digest, "Tool call: search") {
		t.Fatalf("digest missing tool call: %q", digest)
	}
	if strings.Contains(digest, longPayload) {
		t.Fatal("digest must truncate raw tool payloads")
	}
}
