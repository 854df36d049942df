package executor

import (
	"context"
	"fmt"
	"strings"

	"taskagent/internal/router"
)

// runFastPath 追问快速路径：跳过规划，用既有已完成结果做一次直接决策，
// 至多一次工具调用；任何意外都放弃快速路径，回落到完整重规划。
// runFastPath handles FOLLOW_UP queries: no plan generation, one direct
// decision cycle over the previous completed results with at most one tool
// call. Any tool failure or unexpected LLM output abandons the fast path and
// falls back to a full re-plan rather than surfacing a half-finished answer.
func (a *AgentCore) runFastPath(ctx context.Context, query string, route router.Result) (MissionResult, error) {
	messages := a.history.BuildInitial(a.cfg.SystemPrompt, a.conversation, a.buildFastPathPrompt(query))

	resp, err := a.complete(ctx, messages, true)
	if err != nil {
		a.logger.Warn("fast path llm call failed, falling back to full path", "error", err)
		return a.fallbackToFullPath(ctx, query, route)
	}

	toolCalls := resp.ToolCalls
	content := resp.Content
	if len(toolCalls) == 0 {
		toolCalls, content = recoverToolCalls(content, a.registry.Definitions())
	}

	if len(toolCalls) > 0 {
		tc := toolCalls[0]
		out, invokeErr := a.invokeTool(ctx, "", tc)
		if invokeErr != nil {
			a.logger.Warn("fast path tool failed, falling back to full path",
				"tool", tc.Function.Name, "error", invokeErr)
			return a.fallbackToFullPath(ctx, query, route)
		}
		followUp := append(messages,
			assistantToolCallMessage(content, tc),
			toolMessage(tc, out))
		resp, err = a.complete(ctx, followUp, false)
		if err != nil {
			return a.fallbackToFullPath(ctx, query, route)
		}
		content = resp.Content
	}

	answer := strings.TrimSpace(content)
	if answer == "" {
		a.logger.Warn("fast path produced empty answer, falling back to full path")
		return a.fallbackToFullPath(ctx, query, route)
	}
	return MissionResult{
		Status:     MissionCompleted,
		Answer:     answer,
		Route:      route,
		FastPath:   true,
		AuditTrail: a.auditTrail(answer),
	}, nil
}

func (a *AgentCore) fallbackToFullPath(ctx context.Context, query string, route router.Result) (MissionResult, error) {
	result, err := a.runFullPath(ctx, query, route)
	result.FastPath = false
	return result, err
}

func (a *AgentCore) buildFastPathPrompt(query string) string {
	var b strings.Builder
	b.WriteString("The user is following up on completed work.\n\nPrevious results:\n")
	for i, r := range a.previousResults() {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r)
	}
	fmt.Fprintf(&b, "\nFollow-up question: %s\n\n", query)
	b.WriteString("Answer directly from the previous results. Call at most one tool, and only if the results are insufficient.")
	return b.String()
}
