package router

import (
	"context"
	"log/slog"
	"strings"
)

// Decision 路由结果：全新任务或对既有结果的追问。
// Decision is the classification outcome: a brand-new mission or a cheap
// follow-up over existing results.
type Decision string

const (
	NewMission Decision = "NEW_MISSION"
	FollowUp   Decision = "FOLLOW_UP"
)

// Context 每次分类调用的瞬态输入，从不持久化。
// Context is the ephemeral per-call input; never persisted.
type Context struct {
	Query             string
	HasActiveTodoList bool
	TodoListCompleted bool
	PreviousResults   []string
	History           []string
}

// Result 分类输出
// Result is the classification output.
type Result struct {
	Decision   Decision
	Confidence float64
	Rationale  string
}

// Classifier 可选的 LLM 分类钩子；失败或输出不可解析时退回启发式安全默认。
// Classifier is the optional LLM-backed classification hook. On failure or
// malformed output the router degrades to the NEW_MISSION safe default.
type Classifier func(ctx context.Context, rc Context) (Result, error)

// Router classifies incoming queries. It holds no state besides
// configuration; the only side effect is one structured log event per call.
type Router struct {
	lengthThreshold int
	classifier      Classifier
	logger          *slog.Logger
}

type Options struct {
	// LengthThreshold 超过该字符数的查询视为新任务（默认 100）。
	LengthThreshold int
	Classifier      Classifier
	Logger          *slog.Logger
}

func New(opts Options) *Router {
	if opts.LengthThreshold <= 0 {
		opts.LengthThreshold = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		lengthThreshold: opts.LengthThreshold,
		classifier:      opts.Classifier,
		logger:          opts.Logger,
	}
}

// Classify 按固定顺序应用启发式；不确定时宁可重新规划，绝不静默复用过期计划。
// Classify applies the heuristics in order. On uncertainty the default is
// NEW_MISSION: never silently reuse a stale plan.
func (r *Router) Classify(ctx context.Context, rc Context) Result {
	result := r.classify(ctx, rc)
	r.logger.Info("router decision",
		"decision", string(result.Decision),
		"confidence", result.Confidence,
		"rationale", result.Rationale,
		"query_len", len([]rune(rc.Query)),
	)
	return result
}

func (r *Router) classify(ctx context.Context, rc Context) Result {
	if !rc.HasActiveTodoList || !rc.TodoListCompleted {
		return Result{Decision: NewMission, Confidence: 1.0, Rationale: "no active context"}
	}

	if r.classifier != nil {
		if result, err := r.classifier(ctx, rc); err == nil && validResult(result) {
			return result
		} else if err != nil {
			// 正确性优先于低延迟：LLM 失败退回启发式并记录原因。
			return r.heuristics(rc, "llm classification failed, heuristic fallback: ")
		}
		return r.heuristics(rc, "llm classification malformed, heuristic fallback: ")
	}
	return r.heuristics(rc, "")
}

func (r *Router) heuristics(rc Context, prefix string) Result {
	query := strings.TrimSpace(rc.Query)
	lower := strings.ToLower(query)

	// (a) 显式新任务动词优先于一切。
	// (a) Explicit new-mission verb patterns override everything.
	for _, pattern := range newMissionPatterns {
		if strings.HasPrefix(lower, pattern) || strings.Contains(lower, " "+pattern) {
			return Result{
				Decision:   NewMission,
				Confidence: 0.9,
				Rationale:  prefix + "new-mission verb pattern: " + pattern,
			}
		}
	}

	// (b) 长查询视为新任务。
	// (b) Long queries read as new missions.
	if len([]rune(query)) > r.lengthThreshold {
		return Result{
			Decision:   NewMission,
			Confidence: 0.7,
			Rationale:  prefix + "query length over threshold",
		}
	}

	// (c) 短查询带追问/代词标记且存在既有结果。
	// (c) Short query with a question/continuation/pronoun marker referencing
	// prior results.
	if len(rc.PreviousResults) > 0 && hasFollowUpMarker(lower) {
		return Result{
			Decision:   FollowUp,
			Confidence: 0.7,
			Rationale:  prefix + "follow-up marker over previous results",
		}
	}

	// (d) 安全默认。
	return Result{Decision: NewMission, Confidence: 0.5, Rationale: prefix + "uncertain, safe default"}
}

var newMissionPatterns = []string{
	"create a new", "create an", "build", "analyze", "implement", "write a",
	"generate", "refactor", "migrate", "set up", "design",
	"创建", "新建", "分析", "实现", "构建", "重构", "生成",
}

var followUpMarkers = []string{
	"what", "why", "how", "which", "when", "who", "where",
	"and ", "also", "that", "it", "this", "these", "those", "more",
	"什么", "为什么", "怎么", "哪个", "那个", "这个", "还有", "继续", "再",
}

func hasFollowUpMarker(lower string) bool {
	for _, marker := range followUpMarkers {
		if strings.HasPrefix(lower, marker) || strings.Contains(lower, " "+marker) {
			return true
		}
	}
	return strings.HasSuffix(lower, "?") || strings.HasSuffix(lower, "？")
}

func validResult(r Result) bool {
	if r.Decision != NewMission && r.Decision != FollowUp {
		return false
	}
	return r.Confidence >= 0 && r.Confidence <= 1
}
