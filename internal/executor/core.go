package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"taskagent/internal/chat"
	"taskagent/internal/history"
	"taskagent/internal/plan"
	"taskagent/internal/planner"
	"taskagent/internal/provider"
	"taskagent/internal/resultstore"
	"taskagent/internal/router"
	"taskagent/internal/toolcache"
	"taskagent/internal/tools"
)

// AgentCore 一个会话一个实例：自有缓存、历史、计划与结果存储，无进程级单例。
// AgentCore drives one session. Each instance owns its cache, history
// manager, plan and result store; nothing is shared across sessions. A
// single loop mutates the plan, so no locking is needed here.
type AgentCore struct {
	cfg      Config
	provider provider.Provider
	registry *tools.Registry
	cache    *toolcache.Cache
	store    *resultstore.Store
	history  *history.Manager
	router   *router.Router
	planner  *planner.Planner
	persist  Persister
	logger   *slog.Logger

	list         *plan.TodoList
	conversation []chat.Message
	answers      map[string]string
	stepHandles  map[string][]string
	usage        provider.Usage
}

// Deps 注入的协作组件。
// Deps are the injected collaborators.
type Deps struct {
	Provider  provider.Provider
	Registry  *tools.Registry
	Cache     *toolcache.Cache
	Store     *resultstore.Store
	History   *history.Manager
	Router    *router.Router
	Planner   *planner.Planner
	Persister Persister
	Logger    *slog.Logger
}

func New(cfg Config, deps Deps) *AgentCore {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &AgentCore{
		cfg:         cfg,
		provider:    deps.Provider,
		registry:    deps.Registry,
		cache:       deps.Cache,
		store:       deps.Store,
		history:     deps.History,
		router:      deps.Router,
		planner:     deps.Planner,
		persist:     deps.Persister,
		logger:      deps.Logger.With("session", cfg.SessionID),
		answers:     map[string]string{},
		stepHandles: map[string][]string{},
	}
}

// SessionID returns the session this core is bound to.
func (a *AgentCore) SessionID() string {
	return a.cfg.SessionID
}

// SetAnswers 设置澄清阶段收集的键值；重新规划时不自动沿用旧计划的回答。
// SetAnswers installs clarification answers for the next planning call.
// Answers are not carried over automatically when a fresh plan replaces an
// old one.
func (a *AgentCore) SetAnswers(answers map[string]string) {
	a.answers = map[string]string{}
	for k, v := range answers {
		a.answers[k] = v
	}
}

// RestorePlan 从持久化快照恢复计划（会话恢复路径；缓存与内存历史不恢复）。
// RestorePlan reinstalls a plan from its persisted snapshot. Caches and
// in-memory history are intentionally not restored on resume.
func (a *AgentCore) RestorePlan(snap plan.Snapshot) {
	a.list = plan.FromSnapshot(snap)
}

// RestoreConversation 从持久化历史恢复对话（会话恢复路径）。
// RestoreConversation reinstalls the conversation history on resume.
func (a *AgentCore) RestoreConversation(messages []chat.Message) {
	a.conversation = append([]chat.Message(nil), messages...)
}

// Run 执行一条用户消息：路由决定全路径规划或快速追问路径。
// Run executes one user message. The router decides between the full
// planning path and the follow-up fast path.
func (a *AgentCore) Run(ctx context.Context, mission string) (MissionResult, error) {
	mission = strings.TrimSpace(mission)
	if mission == "" {
		return MissionResult{}, fmt.Errorf("empty mission")
	}

	route := a.router.Classify(ctx, router.Context{
		Query:             mission,
		HasActiveTodoList: a.list != nil,
		TodoListCompleted: a.list != nil && a.list.AllTerminal(),
		PreviousResults:   a.previousResults(),
		History:           a.conversationTexts(),
	})

	var result MissionResult
	var err error
	if route.Decision == router.FollowUp {
		result, err = a.runFastPath(ctx, mission, route)
	} else {
		result, err = a.runFullPath(ctx, mission, route)
	}
	if err != nil {
		return result, err
	}

	a.recordExchange(mission, result.Answer)
	result.CacheStats = a.cacheStats()
	result.Usage = a.usage
	return result, nil
}

func (a *AgentCore) previousResults() []string {
	if a.list == nil {
		return nil
	}
	return a.list.CompletedResults()
}

func (a *AgentCore) conversationTexts() []string {
	out := make([]string, 0, len(a.conversation))
	for _, m := range a.conversation {
		out = append(out, m.Role+": "+m.Content)
	}
	return out
}

func (a *AgentCore) cacheStats() toolcache.Stats {
	if a.cache == nil {
		return toolcache.Stats{}
	}
	return a.cache.Stats()
}

func (a *AgentCore) recordExchange(mission, answer string) {
	userMsg := chat.Message{Role: "user", Content: mission}
	a.conversation = append(a.conversation, userMsg)
	a.saveMessage(userMsg)
	if strings.TrimSpace(answer) != "" {
		asstMsg := chat.Message{Role: "assistant", Content: answer}
		a.conversation = append(a.conversation, asstMsg)
		a.saveMessage(asstMsg)
	}
}

func (a *AgentCore) saveMessage(msg chat.Message) {
	if a.persist == nil {
		return
	}
	if err := a.persist.SaveMessage(a.cfg.SessionID, msg); err != nil {
		a.logger.Warn("persist message failed", "error", err)
	}
}

func (a *AgentCore) savePlan() {
	if a.persist == nil || a.list == nil {
		return
	}
	if err := a.persist.SaveTodoList(a.cfg.SessionID, a.list.Snapshot()); err != nil {
		a.logger.Warn("persist todolist failed", "error", err)
	}
}

// complete 所有 LLM 调用的唯一入口：先压缩、再预检，保证配对不变量与预算。
// complete is the single funnel for LLM calls: compress when triggered, then
// run the preflight budget check, so the pairing invariant and token budget
// hold on every submission.
func (a *AgentCore) complete(ctx context.Context, messages []chat.Message, withTools bool) (provider.ChatResponse, error) {
	if a.history.NeedsCompression(messages) {
		messages, _ = a.history.Compress(ctx, messages)
	}
	messages, err := a.history.Preflight(messages)
	if err != nil {
		var budgetErr *history.BudgetExceededError
		if !errors.As(err, &budgetErr) {
			return provider.ChatResponse{}, err
		}
		// 强制截断后仍超预算也要提交：丢弃请求只会让任务静默失败。
		a.logger.Warn("message list over budget after emergency truncation",
			"estimated", budgetErr.Estimated, "limit", budgetErr.Limit)
	}

	req := provider.ChatRequest{Messages: messages}
	if withTools && a.registry != nil {
		req.Tools = a.registry.Definitions()
	}
	resp, chatErr := a.provider.Chat(ctx, req)
	if chatErr != nil {
		return provider.ChatResponse{}, chatErr
	}
	a.usage.PromptTokens += resp.Usage.PromptTokens
	a.usage.CompletionTokens += resp.Usage.CompletionTokens
	a.usage.TotalTokens += resp.Usage.TotalTokens
	return resp, nil
}
