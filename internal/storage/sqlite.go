package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskagent/internal/chat"
	"taskagent/internal/plan"
	"taskagent/internal/resultstore"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的会话持久化：对话历史、计划快照、
// 工具结果与血缘边。实现 executor.Persister 与 resultstore.Persister。
// SQLiteStore persists sessions with SQLite in WAL mode: conversation
// history, plan snapshots, tool results and lineage edges. It implements
// both the executor and result-store persistence hooks.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// New 创建并初始化数据库
// New creates and initializes the database.
func New(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL DEFAULT '',
		model      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq          INTEGER NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_calls   TEXT NOT NULL DEFAULT '[]',
		created_at   TEXT NOT NULL,
		UNIQUE(session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS todolists (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
		list_id    TEXT NOT NULL,
		snapshot   TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tool_results (
		id             TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL,
		tool           TEXT NOT NULL,
		result         TEXT NOT NULL,
		size_chars     INTEGER NOT NULL,
		used_in_answer INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lineage_edges (
		child_id    TEXT NOT NULL,
		parent_id   TEXT NOT NULL DEFAULT '',
		step_number INTEGER NOT NULL,
		reasoning   TEXT NOT NULL DEFAULT '',
		PRIMARY KEY(child_id, parent_id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_tool_results_session ON tool_results(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库连接 / Close the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSession 确保会话行存在（幂等）。
// EnsureSession creates the session row if it is missing.
func (s *SQLiteStore) EnsureSession(id, title, model string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("session id is empty")
	}
	now := nowUTC()
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, title, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at=excluded.updated_at`,
		id, title, model, now, now)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// SaveMessage 追加一条会话消息（executor.Persister）。
// SaveMessage appends one conversation message.
func (s *SQLiteStore) SaveMessage(sessionID string, msg chat.Message) error {
	toolCallsJSON := "[]"
	if len(msg.ToolCalls) > 0 {
		if data, err := json.Marshal(msg.ToolCalls); err == nil {
			toolCallsJSON = string(data)
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (session_id, seq, role, content, name, tool_call_id, tool_calls, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id = ?), ?, ?, ?, ?, ?, ?)`,
		sessionID, sessionID, msg.Role, msg.Content, msg.Name, msg.ToolCallID, toolCallsJSON, nowUTC())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// LoadMessages 按写入顺序重建会话历史。
// LoadMessages rebuilds the conversation history in insertion order.
func (s *SQLiteStore) LoadMessages(sessionID string) ([]chat.Message, error) {
	rows, err := s.db.Query(`
		SELECT role, content, name, tool_call_id, tool_calls
		FROM messages WHERE session_id=? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var msg chat.Message
		var toolCallsJSON string
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.Name, &msg.ToolCallID, &toolCallsJSON); err != nil {
			continue
		}
		if toolCallsJSON != "" && toolCallsJSON != "[]" {
			var calls []chat.ToolCall
			if err := json.Unmarshal([]byte(toolCallsJSON), &calls); err == nil {
				msg.ToolCalls = calls
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// SaveTodoList 以快照形式保存计划，每次状态变更后调用（executor.Persister）。
// SaveTodoList upserts the plan snapshot; called after every status change.
func (s *SQLiteStore) SaveTodoList(sessionID string, snap plan.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal todolist: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO todolists (session_id, list_id, snapshot, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			list_id=excluded.list_id, snapshot=excluded.snapshot, updated_at=excluded.updated_at`,
		sessionID, snap.ID, string(data), nowUTC())
	if err != nil {
		return fmt.Errorf("save todolist: %w", err)
	}
	return nil
}

// LoadTodoList 载入会话的计划快照；不存在时返回 false。
// LoadTodoList loads the session's plan snapshot; false when absent.
func (s *SQLiteStore) LoadTodoList(sessionID string) (plan.Snapshot, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT snapshot FROM todolists WHERE session_id=?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return plan.Snapshot{}, false, nil
	}
	if err != nil {
		return plan.Snapshot{}, false, fmt.Errorf("load todolist: %w", err)
	}
	var snap plan.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return plan.Snapshot{}, false, fmt.Errorf("unmarshal todolist: %w", err)
	}
	return snap, true, nil
}

// --- resultstore.Persister ---

func (s *SQLiteStore) SaveToolResult(h resultstore.Handle, result string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO tool_results (id, session_id, tool, result, size_chars, used_in_answer, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.SessionID, h.Tool, result, h.SizeChars, boolToInt(h.UsedInAnswer), h.CreatedAt)
	if err != nil {
		return fmt.Errorf("save tool result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveLineage(handleID string, stepNumber int, parents []string, reasoning string) error {
	// 无父节点时也落一条根边，保留步骤号与推理上下文。
	// Root nodes get a single edge with an empty parent so the step number and
	// reasoning context survive.
	if len(parents) == 0 {
		parents = []string{""}
	}
	for _, parent := range parents {
		if _, err := s.db.Exec(`
			INSERT OR REPLACE INTO lineage_edges (child_id, parent_id, step_number, reasoning)
			VALUES (?, ?, ?, ?)`,
			handleID, parent, stepNumber, reasoning); err != nil {
			return fmt.Errorf("save lineage edge: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) DeleteToolResult(id string) error {
	if _, err := s.db.Exec(`DELETE FROM tool_results WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete tool result: %w", err)
	}
	_, err := s.db.Exec(`DELETE FROM lineage_edges WHERE child_id=?`, id)
	if err != nil {
		return fmt.Errorf("delete lineage edges: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSessionResults(sessionID string) error {
	rows, err := s.db.Query(`SELECT id FROM tool_results WHERE session_id=?`, sessionID)
	if err != nil {
		return fmt.Errorf("query session results: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	_ = rows.Close()
	for _, id := range ids {
		if err := s.DeleteToolResult(id); err != nil {
			return err
		}
	}
	return nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
