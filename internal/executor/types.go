package executor

import (
	"fmt"

	"taskagent/internal/chat"
	"taskagent/internal/plan"
	"taskagent/internal/provider"
	"taskagent/internal/resultstore"
	"taskagent/internal/router"
	"taskagent/internal/toolcache"
)

// MissionStatus 一次执行的终态
// MissionStatus is the terminal status of one mission execution.
type MissionStatus string

const (
	MissionCompleted MissionStatus = "COMPLETED"
	MissionFailed    MissionStatus = "FAILED"
)

// MissionResult 返回给调用方的执行结果：要么有答案，要么有明确的失败原因。
// MissionResult is what the caller gets back: an answer, or an explicit
// failure reason. Never a silent drop.
type MissionResult struct {
	Status        MissionStatus
	Answer        string
	FailureReason string
	Route         router.Result
	FastPath      bool
	StepsExecuted int
	CacheStats    toolcache.Stats
	AuditTrail    []resultstore.Node
	Usage         provider.Usage
}

// ToolExecutionError 工具抛错或返回 success:false，计入重试预算。
// ToolExecutionError wraps a tool that errored or reported success:false.
// It is retried against the step's attempt budget.
type ToolExecutionError struct {
	Tool   string
	Reason string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Reason)
}

// Persister 持久层钩子；nil 时执行器以纯内存模式运行。
// Persister is the persistence hook. A nil Persister runs the executor
// purely in memory.
type Persister interface {
	SaveTodoList(sessionID string, snap plan.Snapshot) error
	SaveMessage(sessionID string, msg chat.Message) error
}

// Config 单个会话执行器的配置。
type Config struct {
	SessionID    string
	SystemPrompt string
	// MaxSteps 整个任务的硬步数上限（默认 40）
	MaxSteps int
	// MaxAttempts 单步工具失败重试上限（默认 3）
	MaxAttempts int
	// MaxToolIterations 单步内部决策循环上限（默认 8）
	MaxToolIterations int
}

func (c *Config) applyDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 40
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = plan.DefaultMaxAttempts
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 8
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
}

const defaultSystemPrompt = `You are an autonomous task agent. You execute one plan step at a time.
For each step, either call exactly one tool to make progress, or, when the step's
acceptance criteria are met, reply with the step's final result as plain text.
Never call a tool you were not given. Be concise and factual.`
