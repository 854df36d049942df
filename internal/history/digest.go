package history

import (
	"fmt"
	"strings"

	"taskagent/internal/chat"
)

const summarySystemPrompt = `You are a precise summarizer for an autonomous task agent conversation.
Summarize the conversation in 2-3 paragraphs preserving:
1. The current mission and its objective
2. Which plan steps ran, which tools were called, and their key findings
3. Pending issues, failures, or retries
4. Next actionable steps

Be concise but complete. Output plain text, no markdown formatting.
Respond in the same language as the conversation content.`

// buildDigest 构建脱敏的摘要输入：只含工具名与截断预览，不含原始载荷。
// buildDigest builds the sanitized summarization input: tool names plus
// truncated previews, never raw payloads.
func buildDigest(messages []chat.Message) string {
	var b strings.Builder
	b.WriteString("Conversation to summarize:\n\n")

	for _, m := range messages {
		switch m.Role {
		case "user":
			b.WriteString("User: ")
			b.WriteString(shortRunes(m.Content, 500))
			b.WriteString("\n\n")
		case "assistant":
			content := strings.TrimSpace(m.Content)
			if content != "" {
				b.WriteString("Assistant: ")
				b.WriteString(shortRunes(content, 300))
				b.WriteString("\n\n")
			}
			for _, tc := range m.ToolCalls {
				b.WriteString(fmt.Sprintf("Tool call: %s(%s)\n", tc.Function.Name,
					shortRunes(tc.Function.Arguments, 100)))
			}
		case "tool":
			if m.Name != "" {
				b.WriteString(fmt.Sprintf("Tool result [%s]: %s\n\n", m.Name,
					shortRunes(m.Content, 200)))
			}
		}
	}
	return b.String()
}

func shortRunes(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max]) + "..."
}
