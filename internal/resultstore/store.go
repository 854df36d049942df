package resultstore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle 指向一个出线存储的工具结果；除 used_in_answer/evidence_id 外不可变。
// Handle is a lightweight reference to a tool result stored out-of-line from
// the message history. Immutable once created, except the used_in_answer and
// evidence_id fields set when an answer cites it.
type Handle struct {
	ID            string            `json:"id"`
	Tool          string            `json:"tool"`
	SessionID     string            `json:"session_id"`
	CreatedAt     string            `json:"created_at"`
	SizeBytes     int               `json:"size_bytes"`
	SizeChars     int               `json:"size_chars"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	UsedInAnswer  bool              `json:"used_in_answer"`
	ReasoningStep string            `json:"reasoning_step,omitempty"`
	EvidenceID    string            `json:"evidence_id,omitempty"`
}

// Persister 持久化钩子，由 SQLite 存储实现；nil 时纯内存。
// Persister is the durability hook, implemented by the SQLite store. A nil
// persister keeps the store purely ephemeral.
type Persister interface {
	SaveToolResult(h Handle, result string) error
	SaveLineage(handleID string, stepNumber int, parents []string, reasoning string) error
	DeleteToolResult(id string) error
	DeleteSessionResults(sessionID string) error
}

// Store maps large tool outputs to handles plus previews and keeps the
// per-session lineage graph for audit.
type Store struct {
	mu             sync.Mutex
	results        map[string]string
	handles        map[string]Handle
	lineage        *Lineage
	persister      Persister
	storeThreshold int
	previewChars   int
}

// Options 存储阈值与预览长度；零值取默认。
type Options struct {
	// StoreThresholdChars 超过该字符数的结果出线存储，否则内联进 tool 消息。
	StoreThresholdChars int
	// PreviewChars 预览截断长度，夹在 200 到 500 之间。
	PreviewChars int
	Persister    Persister
}

func New(opts Options) *Store {
	if opts.StoreThresholdChars <= 0 {
		opts.StoreThresholdChars = 2000
	}
	if opts.PreviewChars < 200 || opts.PreviewChars > 500 {
		opts.PreviewChars = 300
	}
	return &Store{
		results:        map[string]string{},
		handles:        map[string]Handle{},
		lineage:        NewLineage(),
		persister:      opts.Persister,
		storeThreshold: opts.StoreThresholdChars,
		previewChars:   opts.PreviewChars,
	}
}

// ShouldStore reports whether a result is large enough to go out-of-line.
func (s *Store) ShouldStore(result string) bool {
	return len([]rune(result)) > s.storeThreshold
}

// Put 存储结果并返回句柄
// Put stores a tool result and returns its handle.
func (s *Store) Put(tool, result, sessionID string, metadata map[string]string) (Handle, error) {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return Handle{}, fmt.Errorf("tool name is empty")
	}
	h := Handle{
		ID:        "tr_" + uuid.NewString(),
		Tool:      tool,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		SizeBytes: len(result),
		SizeChars: len([]rune(result)),
		Metadata:  metadata,
	}
	s.mu.Lock()
	s.results[h.ID] = result
	s.handles[h.ID] = h
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveToolResult(h, result); err != nil {
			return h, fmt.Errorf("persist tool result: %w", err)
		}
	}
	return h, nil
}

// Fetch returns the stored result for a handle id.
func (s *Store) Fetch(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[id]
	return result, ok
}

// Handle returns the handle metadata for an id.
func (s *Store) Handle(id string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.results, id)
	delete(s.handles, id)
	s.mu.Unlock()
	if s.persister != nil {
		return s.persister.DeleteToolResult(id)
	}
	return nil
}

// CleanupSession drops every result belonging to the session.
func (s *Store) CleanupSession(sessionID string) error {
	s.mu.Lock()
	for id, h := range s.handles {
		if h.SessionID == sessionID {
			delete(s.results, id)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()
	if s.persister != nil {
		return s.persister.DeleteSessionResults(sessionID)
	}
	return nil
}

// MarkUsedInAnswer 在答案引用句柄时设置一次性的引用字段。
// MarkUsedInAnswer sets the one-shot citation fields when an answer cites the
// handle.
func (s *Store) MarkUsedInAnswer(id, evidenceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return false
	}
	h.UsedInAnswer = true
	if evidenceID != "" {
		h.EvidenceID = evidenceID
	}
	s.handles[id] = h
	return true
}

// Preview 返回截断预览文本（句柄替换消息时内联展示用）。
// Preview returns the truncated preview text inlined in place of a stored
// result.
func (s *Store) Preview(result string) string {
	r := []rune(result)
	if len(r) <= s.previewChars {
		return result
	}
	return string(r[:s.previewChars]) + "...(truncated)"
}

// Envelope 生成替换大结果的 tool 消息载荷：{handle, preview, truncated}。
// Envelope builds the tool-message payload replacing a stored result.
func (s *Store) Envelope(h Handle, result string) string {
	return fmt.Sprintf(`{"ok":true,"handle":%q,"preview":%q,"truncated":true,"size_chars":%d}`,
		h.ID, s.Preview(result), h.SizeChars)
}

// RecordLineage 记录血缘节点并持久化对应的边。
// RecordLineage adds a lineage node and persists its edges.
func (s *Store) RecordLineage(h Handle, stepNumber int, parents []string, reasoning string) error {
	s.lineage.AddNode(h, stepNumber, parents, reasoning)
	if s.persister != nil {
		if err := s.persister.SaveLineage(h.ID, stepNumber, parents, reasoning); err != nil {
			return fmt.Errorf("persist lineage: %w", err)
		}
	}
	return nil
}

// Lineage returns the session lineage graph.
func (s *Store) Lineage() *Lineage {
	return s.lineage
}
