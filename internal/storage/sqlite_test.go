package storage

import (
	"path/filepath"
	"testing"

	"taskagent/internal/chat"
	"taskagent/internal/plan"
	"taskagent/internal/resultstore"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMessagesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnsureSession("sess1", "wiki mission", "test-model"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	msgs := []chat.Message{
		{Role: "user", Content: "summarize the wiki"},
		{Role: "assistant", ToolCalls: []chat.ToolCall{{
			ID: "c1", Type: "function",
			Function: chat.ToolCallFunction{Name: "search", Arguments: `{"q":"wiki"}`},
		}}},
		{Role: "tool", Name: "search", ToolCallID: "c1", Content: `{"ok":true}`},
		{Role: "assistant", Content: "done"},
	}
	for _, m := range msgs {
		if err := s.SaveMessage("sess1", m); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	got, err := s.LoadMessages("sess1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("len=%d", len(got))
	}
	if got[1].ToolCalls[0].ID != "c1" || got[2].ToolCallID != "c1" {
		t.Fatalf("tool pairing lost: %+v", got)
	}
	if got[3].Content != "done" {
		t.Fatalf("order lost: %+v", got[3])
	}
}

func TestEnsureSession_Idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnsureSession("sess1", "t", "m"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := s.EnsureSession("sess1", "t", "m"); err != nil {
		t.Fatalf("second: %v", err)
	}
}

func TestTodoListSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnsureSession("sess1", "", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	l, _ := plan.NewFromDrafts([]plan.StepDraft{
		{Position: 1, Description: "a"},
		{Position: 2, Description: "b", Dependencies: []int{1}},
		{Position: 3, Description: "c", Dependencies: []int{2}},
	})
	l.Complete(l.Items()[0].ID, "done a")
	if err := s.SaveTodoList("sess1", l.Snapshot()); err != nil {
		t.Fatalf("SaveTodoList: %v", err)
	}

	// 状态变更后重复保存覆盖旧快照。
	l.MarkInProgress(l.Items()[1].ID)
	if err := s.SaveTodoList("sess1", l.Snapshot()); err != nil {
		t.Fatalf("second SaveTodoList: %v", err)
	}

	snap, ok, err := s.LoadTodoList("sess1")
	if err != nil || !ok {
		t.Fatalf("LoadTodoList: ok=%v err=%v", ok, err)
	}
	restored := plan.FromSnapshot(snap)
	items := restored.Items()
	if items[0].Status != plan.StatusCompleted || items[1].Status != plan.StatusInProgress {
		t.Fatalf("statuses lost: %+v", items)
	}

	if _, ok, _ := s.LoadTodoList("missing"); ok {
		t.Fatal("missing session should report absent")
	}
}

func TestToolResultsAndLineage(t *testing.T) {
	s := newTestStore(t)
	store := resultstore.New(resultstore.Options{StoreThresholdChars: 10, Persister: s})

	h1, err := store.Put("search", "a fairly long first result", "sess1", nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	h2, _ := store.Put("read", "a fairly long second result", "sess1", nil)
	other, _ := store.Put("read", "result in another session", "sess2", nil)

	if err := store.RecordLineage(h1, 1, nil, "search step"); err != nil {
		t.Fatalf("RecordLineage: %v", err)
	}
	if err := store.RecordLineage(h2, 2, []string{h1.ID}, "read step"); err != nil {
		t.Fatalf("RecordLineage: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tool_results WHERE session_id='sess1'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("tool_results=%d", count)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM lineage_edges`).Scan(&count); err != nil {
		t.Fatalf("count edges: %v", err)
	}
	if count != 2 {
		t.Fatalf("lineage_edges=%d", count)
	}

	if err := store.CleanupSession("sess1"); err != nil {
		t.Fatalf("CleanupSession: %v", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tool_results`).Scan(&count); err != nil {
		t.Fatalf("count after cleanup: %v", err)
	}
	if count != 1 {
		t.Fatalf("tool_results after cleanup=%d", count)
	}
	var id string
	if err := s.db.QueryRow(`SELECT id FROM tool_results`).Scan(&id); err != nil {
		t.Fatalf("scan survivor: %v", err)
	}
	if id != other.ID {
		t.Fatalf("wrong survivor: %s", id)
	}
}
