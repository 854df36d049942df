package executor

import (
	"fmt"
	"regexp"
	"strings"

	"taskagent/internal/chat"
	"taskagent/internal/plan"
)

// buildStepMessages 组装单步决策的消息列表：system prompt、会话历史、
// 富化的步骤上下文，以及本步骤已发生的工具往返。
// buildStepMessages assembles the decision messages for one step: system
// prompt, conversation history, the enriched step context, and the tool
// exchanges made so far within this step.
func (a *AgentCore) buildStepMessages(mission string, step *plan.TodoItem, transcript []chat.Message) []chat.Message {
	msgs := a.history.BuildInitial(a.cfg.SystemPrompt, a.conversation, a.buildStepPrompt(mission, step))
	msgs = append(msgs, transcript...)
	return msgs
}

func (a *AgentCore) buildStepPrompt(mission string, step *plan.TodoItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mission: %s\n\nPlan:\n", mission)
	for _, item := range a.list.Items() {
		marker := " "
		if item.ID == step.ID {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s %d. [%s] %s\n", marker, a.list.Position(item.ID), item.Status, item.Description)
	}

	fmt.Fprintf(&b, "\nCurrent step %d: %s\n", a.list.Position(step.ID), step.Description)
	if step.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "Acceptance criteria: %s\n", step.AcceptanceCriteria)
	}
	if step.Attempts > 0 {
		fmt.Fprintf(&b, "Failed attempts so far: %d of %d\n", step.Attempts, step.MaxAttempts)
	}

	// 依赖步骤的结果完整注入，不截断。
	// Dependency results go in verbatim, never truncated.
	deps := a.dependencyResults(step)
	if len(deps) > 0 {
		b.WriteString("\nResults from completed dependency steps:\n")
		for _, d := range deps {
			b.WriteString(d)
			b.WriteString("\n")
		}
	}

	if a.cache != nil {
		stats := a.cache.Stats()
		if stats.Hits+stats.Misses > 0 {
			fmt.Fprintf(&b, "\nTool cache: %d hits, %d misses, %d entries. Identical read-only calls are served from cache.\n",
				stats.Hits, stats.Misses, stats.Entries)
		}
	}

	b.WriteString("\nEither call one tool to make progress, or reply with the step result when the acceptance criteria are met.")
	return b.String()
}

func (a *AgentCore) dependencyResults(step *plan.TodoItem) []string {
	var out []string
	for _, dep := range step.Dependencies {
		item := a.list.Item(dep)
		if item == nil || item.Status != plan.StatusCompleted || item.ExecutionResult == "" {
			continue
		}
		out = append(out, fmt.Sprintf("- step %d (%s): %s",
			a.list.Position(dep), item.Description, item.ExecutionResult))
	}
	return out
}

var handlePattern = regexp.MustCompile(`tr_[0-9a-fA-F][0-9a-fA-F-]{7,}`)

// citedHandles extracts stored-result handle ids mentioned in an answer.
func citedHandles(answer string) []string {
	matches := handlePattern.FindAllString(answer, -1)
	seen := map[string]struct{}{}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
