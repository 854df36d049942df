package main

import (
	"fmt"
	"strings"

	"taskagent/internal/executor"
	"taskagent/internal/resultstore"

	"github.com/charmbracelet/glamour"
)

// renderResult 将任务结果格式化为终端输出：渲染后的答案（或失败原因）、
// 证据审计链与缓存统计。
// renderResult formats one mission result for the terminal: rendered answer
// (or failure reason), the evidence audit trail and cache stats.
func renderResult(result executor.MissionResult, width int) string {
	var b strings.Builder

	if result.Status == executor.MissionFailed {
		fmt.Fprintf(&b, "mission FAILED: %s\n", result.FailureReason)
		return b.String()
	}

	b.WriteString(renderMarkdown(result.Answer, width))
	b.WriteString("\n")

	if trail := renderAuditTrail(result.AuditTrail); trail != "" {
		b.WriteString("\n")
		b.WriteString(trail)
	}

	stats := result.CacheStats
	if stats.Hits+stats.Misses > 0 {
		fmt.Fprintf(&b, "\ncache: %d hits, %d misses\n", stats.Hits, stats.Misses)
	}
	return b.String()
}

// renderMarkdown 使用 Glamour 渲染 markdown；渲染失败时原样输出。
// renderMarkdown renders markdown with Glamour, falling back to the raw text.
func renderMarkdown(content string, width int) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	rendered, err := r.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(rendered, "\n")
}

// renderAuditTrail 按步骤序号列出答案引用句柄的祖先链。
// renderAuditTrail lists the ancestor chain of the handles the answer cited,
// ordered by step number.
func renderAuditTrail(trail []resultstore.Node) string {
	if len(trail) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("evidence:\n")
	for _, node := range trail {
		fmt.Fprintf(&b, "  step %d  %s  %s", node.StepNumber, node.Handle.Tool, node.Handle.ID)
		if node.ReasoningContext != "" {
			fmt.Fprintf(&b, "  (%s)", shorten(node.ReasoningContext, 60))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func shorten(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
