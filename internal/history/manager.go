package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"taskagent/internal/chat"
)

// Summarizer 调用 LLM 生成摘要；由上层注入，便于测试与替换。
// Summarizer calls an LLM for summarization; injected so tests can script it.
type Summarizer func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// BudgetExceededError 表示所有压缩层级之后消息列表仍超出 token 预算。
// BudgetExceededError means the message list is still over the token budget
// after every compression tier.
type BudgetExceededError struct {
	Estimated int
	Limit     int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("message list over token budget after compression: %d > %d", e.Estimated, e.Limit)
}

// Manager 维护提交给模型的消息列表：构建、压缩、预检。
// Manager builds and maintains the LLM message list, enforcing the token
// budget via summarization and truncation without breaking tool pairing.
type Manager struct {
	tokenizer        *Tokenizer
	tokenLimit       int
	messageThreshold int
	keepRecent       int
	summarize        Summarizer
	logger           *slog.Logger
}

type ManagerOptions struct {
	Tokenizer *Tokenizer
	// TokenLimit 模型输入预算
	TokenLimit int
	// MessageThreshold 消息条数触发阈值（超过即压缩）
	MessageThreshold int
	// KeepRecent 确定性回退保留的最近消息数
	KeepRecent int
	Summarizer Summarizer
	Logger     *slog.Logger
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Tokenizer == nil {
		opts.Tokenizer = DefaultTokenizer()
	}
	if opts.TokenLimit <= 0 {
		opts.TokenLimit = 24000
	}
	if opts.MessageThreshold <= 0 {
		opts.MessageThreshold = 20
	}
	if opts.KeepRecent <= 0 {
		opts.KeepRecent = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		tokenizer:        opts.Tokenizer,
		tokenLimit:       opts.TokenLimit,
		messageThreshold: opts.MessageThreshold,
		keepRecent:       opts.KeepRecent,
		summarize:        opts.Summarizer,
		logger:           opts.Logger,
	}
}

func (m *Manager) TokenLimit() int {
	return m.tokenLimit
}

// EstimateTokens returns the token estimate for a message list.
func (m *Manager) EstimateTokens(messages []chat.Message) int {
	return m.tokenizer.Count(messages)
}

// BuildInitial 构建初始消息列表：system prompt + 既往会话 + 当前任务。
// BuildInitial builds the initial message list: system prompt, prior
// conversation, then the current mission.
func (m *Manager) BuildInitial(systemPrompt string, conversation []chat.Message, mission string) []chat.Message {
	out := make([]chat.Message, 0, len(conversation)+2)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, chat.Message{Role: "system", Content: systemPrompt})
	}
	out = append(out, conversation...)
	if strings.TrimSpace(mission) != "" {
		out = append(out, chat.Message{Role: "user", Content: mission})
	}
	return out
}

// NeedsCompression 判断是否触发压缩：token 预算或消息条数任一超限。
// NeedsCompression reports whether either compression trigger fired: the
// token estimate exceeds the budget, or the raw count exceeds the threshold.
func (m *Manager) NeedsCompression(messages []chat.Message) bool {
	if len(messages) > m.messageThreshold {
		return true
	}
	return m.tokenizer.Count(messages) > m.tokenLimit
}

// Compress 压缩消息列表：LLM 摘要替换最老的非 system 消息；摘要失败则确定性截断。
// Compress replaces the oldest non-system messages with a single synthetic
// assistant summary message. When the LLM summarization itself fails or would
// blow the budget, the deterministic fallback keeps the system prompt plus
// the last pairing-safe KeepRecent messages.
func (m *Manager) Compress(ctx context.Context, messages []chat.Message) ([]chat.Message, bool) {
	if !m.NeedsCompression(messages) {
		return messages, false
	}

	sysEnd := leadingSystemCount(messages)
	body := messages[sysEnd:]
	if len(body) <= m.keepRecent {
		return messages, false
	}

	// 摘要最老的 min(threshold-1, 15) 条非 system 消息，切点保持配对安全。
	// Summarize up to min(threshold-1, 15) of the oldest non-system messages,
	// with a pairing-safe cut.
	maxSummarize := m.messageThreshold - 1
	if maxSummarize > 15 {
		maxSummarize = 15
	}
	cut := maxSummarize
	if cut > len(body)-1 {
		cut = len(body) - 1
	}
	cut = chat.SafeCutIndex(body, cut)
	if cut < 1 {
		return m.fallbackTruncate(messages), true
	}
	head := body[:cut]
	tail := body[cut:]

	summary, err := m.summarizeHead(ctx, head)
	if err != nil || strings.TrimSpace(summary) == "" {
		return m.fallbackTruncate(messages), true
	}

	out := make([]chat.Message, 0, sysEnd+1+len(tail))
	out = append(out, messages[:sysEnd]...)
	out = append(out, chat.Message{
		Role:    "assistant",
		Content: "[COMPACTION_SUMMARY]\n" + summary,
	})
	out = append(out, tail...)
	return out, true
}

func (m *Manager) summarizeHead(ctx context.Context, head []chat.Message) (string, error) {
	if m.summarize == nil {
		return "", fmt.Errorf("summarizer not configured")
	}
	digest := buildDigest(head)
	if strings.TrimSpace(digest) == "" {
		return "", fmt.Errorf("no content to summarize")
	}
	// 摘要调用自身超预算时直接走确定性回退。
	// The summarization call itself must fit the budget.
	if m.tokenizer.CountText(digest) > m.tokenLimit {
		return "", fmt.Errorf("digest over budget")
	}
	summary, err := m.summarize(ctx, summarySystemPrompt, digest)
	if err != nil {
		return "", fmt.Errorf("llm summarize: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// fallbackTruncate 确定性回退：system prompt + 最近 keepRecent 条（配对安全），
// 前缀一条合成提示说明压缩了多少条。
func (m *Manager) fallbackTruncate(messages []chat.Message) []chat.Message {
	sysEnd := leadingSystemCount(messages)
	body := messages[sysEnd:]
	if len(body) <= m.keepRecent {
		return messages
	}
	cut := chat.SafeCutIndex(body, len(body)-m.keepRecent)
	if cut <= 0 {
		return messages
	}
	tail := body[cut:]
	out := make([]chat.Message, 0, sysEnd+1+len(tail))
	out = append(out, messages[:sysEnd]...)
	out = append(out, chat.Message{
		Role:    "assistant",
		Content: fmt.Sprintf("[%d earlier messages compressed]", cut),
	})
	out = append(out, tail...)
	return out
}

// Preflight 每次 LLM 调用前的最后防线：仍超预算则脱敏字段，再超则强制截断。
// Preflight is the last-resort safety net run immediately before every LLM
// call: if still over budget after compression, strip non-essential message
// fields, and if still over, force-truncate to the last pairing-safe
// KeepRecent messages, dropping any now-orphaned tool messages. The system
// prompt and the original mission message are never dropped.
func (m *Manager) Preflight(messages []chat.Message) ([]chat.Message, error) {
	if repaired, dropped := chat.DropOrphanToolMessages(messages); dropped > 0 {
		m.logger.Warn("dropped orphan tool messages", "count", dropped)
		messages = repaired
	}
	if m.tokenizer.Count(messages) <= m.tokenLimit {
		return messages, nil
	}

	sanitized := sanitizeMessages(messages)
	if m.tokenizer.Count(sanitized) <= m.tokenLimit {
		return sanitized, nil
	}

	truncated := m.emergencyTruncate(sanitized)
	if estimated := m.tokenizer.Count(truncated); estimated > m.tokenLimit {
		return truncated, &BudgetExceededError{Estimated: estimated, Limit: m.tokenLimit}
	}
	return truncated, nil
}

// emergencyTruncate 保留 system prompt 与任务消息，尾部取配对安全的最近消息。
func (m *Manager) emergencyTruncate(messages []chat.Message) []chat.Message {
	sysEnd := leadingSystemCount(messages)
	body := messages[sysEnd:]
	if len(body) <= m.keepRecent {
		return messages
	}

	cut := chat.SafeCutIndex(body, len(body)-m.keepRecent)
	tail := body[cut:]

	out := make([]chat.Message, 0, sysEnd+2+len(tail))
	out = append(out, messages[:sysEnd]...)
	// 任务消息（第一条 user）永不丢弃。
	if missionIdx := firstUserIndex(body); missionIdx >= 0 && missionIdx < cut {
		out = append(out, body[missionIdx])
	}
	out = append(out, tail...)
	repaired, _ := chat.DropOrphanToolMessages(out)
	return repaired
}

// sanitizeMessages 去掉推理轨迹等非必要字段，截断超长工具输出。
// sanitizeMessages strips non-essential fields (reasoning traces) and prunes
// oversized tool outputs.
func sanitizeMessages(messages []chat.Message) []chat.Message {
	out := make([]chat.Message, len(messages))
	copy(out, messages)
	for i := range out {
		out[i].Reasoning = ""
		if out[i].Role == "tool" {
			out[i].Content = pruneToolOutput(out[i].Content)
		}
	}
	return out
}

func pruneToolOutput(raw string) string {
	r := []rune(raw)
	if len(r) <= 1200 {
		return raw
	}
	return string(r[:1200]) + "...(truncated)"
}

func leadingSystemCount(messages []chat.Message) int {
	n := 0
	for _, m := range messages {
		if m.Role != "system" {
			break
		}
		n++
	}
	return n
}

func firstUserIndex(messages []chat.Message) int {
	for i, m := range messages {
		if m.Role == "user" {
			return i
		}
	}
	return -1
}
