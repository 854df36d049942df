package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"taskagent/internal/chat"
	"taskagent/internal/plan"
	"taskagent/internal/planner"
	"taskagent/internal/resultstore"
	"taskagent/internal/router"
	"taskagent/internal/tools"
)

// runFullPath 全路径：生成计划，按依赖序逐步执行，最后合成答案与审计轨迹。
// runFullPath generates a fresh plan and drives it step by step, then
// synthesizes the final answer with its audit trail.
func (a *AgentCore) runFullPath(ctx context.Context, mission string, route router.Result) (MissionResult, error) {
	list, err := a.planner.CreateTodoList(ctx, mission, a.registry.Descriptions(), a.answers, nil)
	if err != nil {
		return MissionResult{
			Status:        MissionFailed,
			Route:         route,
			FailureReason: "plan generation failed: " + err.Error(),
		}, nil
	}

	list.SetMaxAttempts(a.cfg.MaxAttempts)

	// 新计划取代旧计划；旧计划的澄清回答不迁移。
	// A fresh plan replaces the old one; clarification answers collected for
	// the prior plan do not carry over.
	a.list = list
	a.answers = map[string]string{}
	a.stepHandles = map[string][]string{}
	a.savePlan()

	steps := 0
	for {
		step, err := list.NextReady()
		if err != nil {
			var stale *plan.PlanStalemateError
			if errors.As(err, &stale) {
				return MissionResult{
					Status:        MissionFailed,
					Route:         route,
					StepsExecuted: steps,
					FailureReason: err.Error(),
				}, nil
			}
			return MissionResult{}, err
		}
		if step == nil {
			break
		}
		steps++
		if steps > a.cfg.MaxSteps {
			return MissionResult{
				Status:        MissionFailed,
				Route:         route,
				StepsExecuted: steps - 1,
				FailureReason: fmt.Sprintf("hard step limit of %d exceeded", a.cfg.MaxSteps),
			}, nil
		}
		if err := a.executeStep(ctx, mission, step); err != nil {
			// 只有持续的 LLM 故障会走到这里，作为终态失败呈现。
			return MissionResult{
				Status:        MissionFailed,
				Route:         route,
				StepsExecuted: steps,
				FailureReason: "llm provider failure: " + err.Error(),
			}, nil
		}
		a.savePlan()
	}

	if !list.Succeeded() {
		return MissionResult{
			Status:        MissionFailed,
			Route:         route,
			StepsExecuted: steps,
			FailureReason: failedStepSummary(list),
		}, nil
	}

	answer, audit := a.finalize(ctx, mission)
	return MissionResult{
		Status:        MissionCompleted,
		Answer:        answer,
		Route:         route,
		StepsExecuted: steps,
		AuditTrail:    audit,
	}, nil
}

// executeStep 单步内部决策循环：每轮让 LLM 在 tool_call 与 complete 间二选一。
// executeStep runs the per-step decision loop: each round the LLM either
// calls one tool or declares the step complete with its result.
func (a *AgentCore) executeStep(ctx context.Context, mission string, step *plan.TodoItem) error {
	a.list.MarkInProgress(step.ID)
	a.savePlan()
	pos := a.list.Position(step.ID)
	a.logger.Info("step started", "position", pos, "description", step.Description)

	var transcript []chat.Message
	for iter := 0; iter < a.cfg.MaxToolIterations; iter++ {
		messages := a.buildStepMessages(mission, step, transcript)
		resp, err := a.complete(ctx, messages, true)
		if err != nil {
			return fmt.Errorf("step %d completion: %w", pos, err)
		}

		toolCalls := resp.ToolCalls
		content := resp.Content
		if len(toolCalls) == 0 {
			toolCalls, content = recoverToolCalls(content, a.registry.Definitions())
		}

		if len(toolCalls) == 0 {
			result := strings.TrimSpace(content)
			if result == "" {
				result = "step completed with no text output"
			}
			a.list.Complete(step.ID, result)
			a.logger.Info("step completed", "position", pos)
			return nil
		}

		tc := toolCalls[0]
		step.ChosenTool = tc.Function.Name
		step.ToolInput = tc.Function.Arguments

		out, invokeErr := a.invokeTool(ctx, step.ID, tc)
		if invokeErr != nil {
			a.list.RecordAttempt(step.ID, plan.ExecutionRecord{
				Tool:  tc.Function.Name,
				Input: tc.Function.Arguments,
				Error: invokeErr.Error(),
			})
			a.savePlan()
			a.logger.Warn("tool failed",
				"position", pos, "tool", tc.Function.Name,
				"attempt", step.Attempts, "error", invokeErr)
			if step.CanRetry() {
				transcript = append(transcript,
					assistantToolCallMessage(content, tc),
					toolMessage(tc, failurePayload(invokeErr)))
				continue
			}
			return a.replanStep(ctx, step, invokeErr)
		}
		transcript = append(transcript,
			assistantToolCallMessage(content, tc),
			toolMessage(tc, out))
	}
	return a.replanStep(ctx, step,
		fmt.Errorf("no progress within %d tool iterations", a.cfg.MaxToolIterations))
}

// invokeTool 先查缓存，未命中才真正执行；大结果出线存储并记录血缘。
// invokeTool consults the cache first; on miss it executes the tool, sends
// oversized results through the result store, and records lineage.
func (a *AgentCore) invokeTool(ctx context.Context, stepID string, tc chat.ToolCall) (string, error) {
	name := tc.Function.Name
	if a.registry == nil || !a.registry.Has(name) {
		return "", &ToolExecutionError{Tool: name, Reason: "unknown tool"}
	}
	params := json.RawMessage(tc.Function.Arguments)

	if a.cache != nil {
		if cached, ok := a.cache.Get(name, params); ok {
			a.logger.Info("tool cache hit", "tool", name)
			return cached, nil
		}
	}

	out, err := a.registry.Execute(ctx, name, params)
	if err != nil {
		return "", &ToolExecutionError{Tool: name, Reason: err.Error()}
	}
	if !tools.ResultOK(out) {
		return "", &ToolExecutionError{Tool: name, Reason: shortForLog(out)}
	}

	payload := out
	if a.store != nil && a.store.ShouldStore(out) {
		h, putErr := a.store.Put(name, out, a.cfg.SessionID, nil)
		if putErr != nil {
			a.logger.Warn("result store put failed", "tool", name, "error", putErr)
		} else {
			a.recordLineage(stepID, h)
			payload = a.store.Envelope(h, out)
		}
	}
	if a.cache != nil {
		a.cache.Put(name, params, payload)
	}
	return payload, nil
}

func (a *AgentCore) recordLineage(stepID string, h resultstore.Handle) {
	pos := 0
	var parents []string
	reasoning := ""
	if a.list != nil && stepID != "" {
		if item := a.list.Item(stepID); item != nil {
			pos = a.list.Position(stepID)
			reasoning = item.Description
			for _, dep := range item.Dependencies {
				parents = append(parents, a.stepHandles[dep]...)
			}
		}
	}
	if err := a.store.RecordLineage(h, pos, parents, reasoning); err != nil {
		a.logger.Warn("lineage persist failed", "handle", h.ID, "error", err)
	}
	a.stepHandles[stepID] = append(a.stepHandles[stepID], h.ID)
}

type replanDirective struct {
	Action             string           `json:"action"`
	Description        string           `json:"description"`
	AcceptanceCriteria string           `json:"acceptance_criteria"`
	SubSteps           []plan.StepDraft `json:"sub_steps"`
}

// replanStep 重试耗尽后的有界重规划；预算耗尽则步骤置 FAILED，
// 独立分支继续执行。
// replanStep handles bounded replanning after retries are exhausted. Once
// the replan budget is spent the step goes FAILED and execution continues on
// independent branches.
func (a *AgentCore) replanStep(ctx context.Context, step *plan.TodoItem, cause error) error {
	pos := a.list.Position(step.ID)
	if step.ReplanCount >= plan.MaxReplans {
		a.list.MarkFailed(step.ID, fmt.Sprintf("replan limit exceeded: %v", cause))
		a.savePlan()
		a.logger.Warn("step failed, replan budget exhausted", "position", pos, "error", cause)
		return nil
	}

	directive := a.requestReplanDirective(ctx, step, cause)
	var err error
	switch directive.Action {
	case "modify_step":
		err = a.list.ModifyStep(step.ID, directive.Description, directive.AcceptanceCriteria)
	case "decompose_step":
		_, err = a.list.DecomposeStep(step.ID, directive.SubSteps)
	default:
		desc := strings.TrimSpace(directive.Description)
		if desc == "" {
			desc = "Retry with a different approach: " + step.Description
		}
		_, err = a.list.ReplaceStep(step.ID, desc, directive.AcceptanceCriteria)
	}
	if err != nil {
		var limitErr *plan.ReplanLimitError
		if errors.As(err, &limitErr) {
			a.list.MarkFailed(step.ID, fmt.Sprintf("replan limit exceeded: %v", cause))
		} else if _, rerr := a.list.ReplaceStep(step.ID,
			"Retry with a different approach: "+step.Description, step.AcceptanceCriteria); rerr != nil {
			a.list.MarkFailed(step.ID, rerr.Error())
		}
	}
	a.savePlan()
	a.logger.Info("step replanned", "position", pos, "action", directive.Action, "cause", cause.Error())
	return nil
}

func (a *AgentCore) requestReplanDirective(ctx context.Context, step *plan.TodoItem, cause error) replanDirective {
	prompt := fmt.Sprintf(`Step %d of the plan keeps failing.
Description: %s
Acceptance criteria: %s
Attempts: %d
Last error: %v

Choose one recovery action and respond with ONLY a JSON object:
{"action": "modify_step", "description": "...", "acceptance_criteria": "..."}
{"action": "decompose_step", "sub_steps": [{"description": "...", "acceptance_criteria": "...", "dependencies": []}, ...]}
{"action": "replace_step", "description": "...", "acceptance_criteria": "..."}`,
		a.list.Position(step.ID), step.Description, step.AcceptanceCriteria, step.Attempts, cause)

	resp, err := a.complete(ctx, []chat.Message{
		{Role: "system", Content: "You repair failing plan steps for an autonomous task agent."},
		{Role: "user", Content: prompt},
	}, false)
	if err != nil {
		a.logger.Warn("replan directive request failed", "error", err)
		return replanDirective{}
	}
	raw := planner.ExtractJSON(resp.Content)
	if raw == "" {
		return replanDirective{}
	}
	var d replanDirective
	if jsonErr := json.Unmarshal([]byte(raw), &d); jsonErr != nil {
		return replanDirective{}
	}
	return d
}

// finalize 汇总已完成步骤的结果生成最终答案，并由引用句柄反向收集审计轨迹。
// finalize composes the final answer from completed step results and walks
// the lineage backward from the handles the answer cites.
func (a *AgentCore) finalize(ctx context.Context, mission string) (string, []resultstore.Node) {
	results := a.list.CompletedResults()
	if len(results) == 0 {
		return "mission completed, no step produced output", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Mission: %s\n\nStep results:\n", mission)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r)
	}
	b.WriteString("\nCompose the final answer for the user. When a result references a stored handle (tr_...), mention the handle id of every result you relied on.")

	resp, err := a.complete(ctx, []chat.Message{
		{Role: "system", Content: a.cfg.SystemPrompt},
		{Role: "user", Content: b.String()},
	}, false)
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		// 合成失败时退回最后一个步骤结果，答案永不为空。
		return results[len(results)-1], a.auditTrail(results[len(results)-1])
	}
	return resp.Content, a.auditTrail(resp.Content)
}

func (a *AgentCore) auditTrail(answer string) []resultstore.Node {
	if a.store == nil {
		return nil
	}
	cited := citedHandles(answer)
	if len(cited) == 0 {
		return nil
	}
	for _, id := range cited {
		a.store.MarkUsedInAnswer(id, "")
	}
	return a.store.Lineage().Ancestors(cited)
}

func failedStepSummary(list *plan.TodoList) string {
	var parts []string
	for _, item := range list.Items() {
		if item.Status == plan.StatusFailed {
			parts = append(parts, fmt.Sprintf("step %d (%s): %s",
				list.Position(item.ID), item.Description, item.ExecutionResult))
		}
	}
	if len(parts) == 0 {
		return "plan did not complete"
	}
	return "failed steps: " + strings.Join(parts, "; ")
}

func assistantToolCallMessage(content string, tc chat.ToolCall) chat.Message {
	return chat.Message{Role: "assistant", Content: content, ToolCalls: []chat.ToolCall{tc}}
}

func toolMessage(tc chat.ToolCall, payload string) chat.Message {
	return chat.Message{
		Role:       "tool",
		Name:       tc.Function.Name,
		ToolCallID: tc.ID,
		Content:    payload,
	}
}

func failurePayload(err error) string {
	return fmt.Sprintf(`{"ok":false,"error":%q}`, err.Error())
}

func shortForLog(s string) string {
	r := []rune(s)
	if len(r) <= 200 {
		return s
	}
	return string(r[:200]) + "..."
}
