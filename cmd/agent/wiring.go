package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"taskagent/internal/chat"
	"taskagent/internal/config"
	"taskagent/internal/executor"
	"taskagent/internal/history"
	"taskagent/internal/planner"
	"taskagent/internal/provider"
	"taskagent/internal/resultstore"
	"taskagent/internal/router"
	"taskagent/internal/storage"
	"taskagent/internal/toolcache"
	"taskagent/internal/tools"
)

// subAgentSpecialists delegate 工具允许派生的子智能体画像。
// subAgentSpecialists are the profiles the delegate tool may spawn.
var subAgentSpecialists = []string{"research", "analysis", "writing"}

// buildCore 组装主会话的 AgentCore：注册 delegate 工具，子智能体通过工厂
// 获得完全隔离的核心（自有缓存、历史、结果存储），且不再嵌套 delegate。
// buildCore assembles the main session's AgentCore. Sub-agents built through
// the factory get fully isolated cores and no delegate tool of their own, so
// delegation stays one level deep.
func buildCore(sessionID string, cfg config.Config, prov provider.Provider, persist *storage.SQLiteStore, logger *slog.Logger) *executor.AgentCore {
	factory := func(childID string) *executor.AgentCore {
		return newCore(childID, cfg, prov, persist, logger, tools.NewRegistry())
	}
	registry := tools.NewRegistry(executor.NewDelegateTool(factory, subAgentSpecialists))
	return newCore(sessionID, cfg, prov, persist, logger, registry)
}

func newCore(sessionID string, cfg config.Config, prov provider.Provider, persist *storage.SQLiteStore, logger *slog.Logger, registry *tools.Registry) *executor.AgentCore {
	allowlist := append([]string(nil), cfg.Cache.Allowlist...)
	for _, name := range registry.Names() {
		if registry.ReadOnly(name) {
			allowlist = append(allowlist, name)
		}
	}

	store := resultstore.New(resultstore.Options{
		StoreThresholdChars: cfg.ResultStore.StoreThresholdChars,
		PreviewChars:        cfg.ResultStore.PreviewChars,
		Persister:           persist,
	})

	hist := history.NewManager(history.ManagerOptions{
		Tokenizer:        history.NewTokenizerForModel(cfg.Provider.Model),
		TokenLimit:       cfg.History.ContextTokenLimit,
		MessageThreshold: cfg.History.MessageThreshold,
		KeepRecent:       cfg.History.KeepRecent,
		Summarizer:       providerSummarizer(prov),
		Logger:           logger,
	})

	rt := router.New(router.Options{
		LengthThreshold: cfg.Router.LengthThreshold,
		Classifier:      llmClassifier(prov),
		Logger:          logger,
	})

	pl := planner.New(planner.Options{Provider: prov, Logger: logger})

	return executor.New(executor.Config{
		SessionID:         sessionID,
		MaxSteps:          cfg.Executor.MaxSteps,
		MaxAttempts:       cfg.Executor.MaxAttempts,
		MaxToolIterations: cfg.Executor.MaxToolIterations,
	}, executor.Deps{
		Provider:  prov,
		Registry:  registry,
		Cache:     toolcache.New(allowlist),
		Store:     store,
		History:   hist,
		Router:    rt,
		Planner:   pl,
		Persister: persist,
		Logger:    logger,
	})
}

// providerSummarizer 历史压缩用的摘要钩子。
// providerSummarizer is the summarization hook for history compression.
func providerSummarizer(prov provider.Provider) history.Summarizer {
	return func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		resp, err := prov.Chat(ctx, provider.ChatRequest{
			Messages: []chat.Message{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: userPrompt},
			},
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

const classifierSystemPrompt = `You classify a user query against the session state.
Answer with one JSON object only:
{"decision": "NEW_MISSION" or "FOLLOW_UP", "confidence": 0.0-1.0, "rationale": "short reason"}
FOLLOW_UP means the query asks about results the session already produced.
NEW_MISSION means the query needs a fresh plan.`

// llmClassifier 可选的 LLM 路由分类器；解析失败时返回错误，路由器会退回
// 启发式判定。
// llmClassifier is the optional LLM-backed router hook. Any parse failure is
// returned as an error so the router degrades to its heuristics.
func llmClassifier(prov provider.Provider) router.Classifier {
	return func(ctx context.Context, rc router.Context) (router.Result, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "Query: %s\n", rc.Query)
		fmt.Fprintf(&b, "Active todolist: %v (completed: %v)\n", rc.HasActiveTodoList, rc.TodoListCompleted)
		fmt.Fprintf(&b, "Previous results available: %d\n", len(rc.PreviousResults))

		resp, err := prov.Chat(ctx, provider.ChatRequest{
			Messages: []chat.Message{
				{Role: "system", Content: classifierSystemPrompt},
				{Role: "user", Content: b.String()},
			},
		})
		if err != nil {
			return router.Result{}, err
		}
		return parseClassification(resp.Content)
	}
}

func parseClassification(content string) (router.Result, error) {
	var out struct {
		Decision   string  `json:"decision"`
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(planner.ExtractJSON(content)), &out); err != nil {
		return router.Result{}, fmt.Errorf("parse classification: %w", err)
	}
	decision := router.Decision(strings.ToUpper(strings.TrimSpace(out.Decision)))
	if decision != router.NewMission && decision != router.FollowUp {
		return router.Result{}, fmt.Errorf("unknown decision %q", out.Decision)
	}
	return router.Result{Decision: decision, Confidence: out.Confidence, Rationale: out.Rationale}, nil
}
