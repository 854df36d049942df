package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"taskagent/internal/chat"
	"taskagent/internal/tools"
)

// SubAgentFactory 为给定会话 id 构造一个隔离的子代理：
// 自有缓存、历史、计划与结果存储，不与父会话共享任何可变状态。
// SubAgentFactory builds an isolated child agent for the given session id:
// its own cache, history, plan and result store, sharing no mutable state
// with the parent session.
type SubAgentFactory func(sessionID string) *AgentCore

// SubAgentSessionID derives the child session id for a specialist.
func SubAgentSessionID(specialist string) string {
	return fmt.Sprintf("sub_%s_%s", specialist, uuid.NewString())
}

type SubMission struct {
	Specialist string
	Mission    string
}

type SubResult struct {
	Specialist string
	SessionID  string
	Answer     string
	Err        error
}

// FanOut 并发派发子代理任务；这是本设计中唯一认可的并行机制。
// FanOut dispatches sub-agent missions concurrently. Sub-agent delegation is
// the only sanctioned parallelism: within a session, steps stay sequential.
func FanOut(ctx context.Context, factory SubAgentFactory, missions []SubMission) []SubResult {
	out := make([]SubResult, len(missions))
	var wg sync.WaitGroup
	for i, m := range missions {
		wg.Add(1)
		go func(i int, m SubMission) {
			defer wg.Done()
			sessionID := SubAgentSessionID(m.Specialist)
			res := SubResult{Specialist: m.Specialist, SessionID: sessionID}
			result, err := factory(sessionID).Run(ctx, m.Mission)
			switch {
			case err != nil:
				res.Err = err
			case result.Status == MissionFailed:
				res.Err = errors.New(result.FailureReason)
			default:
				res.Answer = result.Answer
			}
			out[i] = res
		}(i, m)
	}
	wg.Wait()
	return out
}

// DelegateTool 让执行中的代理把子目标交给专长子代理。
// DelegateTool lets a running agent hand a sub-objective to a specialist
// child agent.
type DelegateTool struct {
	factory     SubAgentFactory
	specialists []string
}

func NewDelegateTool(factory SubAgentFactory, specialists []string) *DelegateTool {
	return &DelegateTool{factory: factory, specialists: specialists}
}

func (d *DelegateTool) Name() string { return "delegate" }

func (d *DelegateTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name: "delegate",
			Description: "Delegate a sub-objective to a specialist sub-agent. Available specialists: " +
				strings.Join(d.specialists, ", "),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"specialist": map[string]any{
						"type": "string", "description": "specialist name",
					},
					"mission": map[string]any{
						"type": "string", "description": "sub-objective for the specialist",
					},
				},
				"required": []string{"specialist", "mission"},
			},
		},
	}
}

func (d *DelegateTool) RiskLevel() tools.RiskLevel { return tools.RiskMedium }
func (d *DelegateTool) RequiresApproval() bool     { return false }

func (d *DelegateTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var args struct {
		Specialist string `json:"specialist"`
		Mission    string `json:"mission"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", fmt.Errorf("delegate: %w", err)
	}
	args.Specialist = strings.TrimSpace(args.Specialist)
	if !d.allowed(args.Specialist) {
		return "", fmt.Errorf("delegate: unknown specialist %q", args.Specialist)
	}
	if strings.TrimSpace(args.Mission) == "" {
		return "", fmt.Errorf("delegate: empty mission")
	}

	results := FanOut(ctx, d.factory, []SubMission{{Specialist: args.Specialist, Mission: args.Mission}})
	r := results[0]
	if r.Err != nil {
		return tools.MustJSON(map[string]any{
			"ok": false, "session_id": r.SessionID, "error": r.Err.Error(),
		}), nil
	}
	return tools.MustJSON(map[string]any{
		"ok": true, "session_id": r.SessionID, "answer": r.Answer,
	}), nil
}

func (d *DelegateTool) allowed(specialist string) bool {
	for _, s := range d.specialists {
		if s == specialist {
			return true
		}
	}
	return false
}
