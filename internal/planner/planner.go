package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"taskagent/internal/chat"
	"taskagent/internal/plan"
	"taskagent/internal/provider"
)

const (
	// MinSteps / MaxSteps 计划规模约束
	MinSteps = 3
	MaxSteps = 7

	defaultMaxRegenerations = 2
)

// Planner 调用 LLM 生成依赖有序的计划；非法计划带着原因重新生成。
// Planner asks the LLM for a dependency-ordered plan. Invalid plans are
// regenerated with the rejection reason fed back into the prompt, up to a
// bounded number of retries.
type Planner struct {
	provider         provider.Provider
	logger           *slog.Logger
	maxRegenerations int
}

type Options struct {
	Provider         provider.Provider
	Logger           *slog.Logger
	MaxRegenerations int
}

func New(opts Options) *Planner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRegenerations <= 0 {
		opts.MaxRegenerations = defaultMaxRegenerations
	}
	return &Planner{
		provider:         opts.Provider,
		logger:           opts.Logger,
		maxRegenerations: opts.MaxRegenerations,
	}
}

type planResponse struct {
	Steps         []plan.StepDraft `json:"steps"`
	OpenQuestions []string         `json:"open_questions"`
	Notes         string           `json:"notes"`
}

// CreateTodoList 为任务生成计划。answers 是澄清阶段收集的键值，
// memoryHints 是可选的既往经验提示。
// CreateTodoList generates the plan for a mission. answers carries key-value
// clarifications collected before planning; memoryHints are optional prior
// findings worth reusing.
func (p *Planner) CreateTodoList(ctx context.Context, mission, toolDescriptions string, answers map[string]string, memoryHints []string) (*plan.TodoList, error) {
	userPrompt := buildPlanPrompt(mission, toolDescriptions, answers, memoryHints)
	feedback := ""

	var lastErr error
	for attempt := 0; attempt <= p.maxRegenerations; attempt++ {
		prompt := userPrompt
		if feedback != "" {
			prompt += "\n\nYour previous plan was rejected: " + feedback + "\nGenerate a corrected plan."
		}

		resp, err := p.provider.Chat(ctx, provider.ChatRequest{
			Messages: []chat.Message{
				{Role: "system", Content: planSystemPrompt},
				{Role: "user", Content: prompt},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("plan generation: %w", err)
		}

		list, err := p.parseAndValidate(resp.Content)
		if err == nil {
			p.logger.Info("plan generated",
				"steps", list.Len(),
				"attempt", attempt+1,
			)
			return list, nil
		}
		lastErr = err
		feedback = err.Error()
		p.logger.Warn("plan rejected, regenerating",
			"attempt", attempt+1,
			"reason", err.Error(),
		)
	}
	return nil, fmt.Errorf("plan generation exhausted %d attempts: %w", p.maxRegenerations+1, lastErr)
}

func (p *Planner) parseAndValidate(content string) (*plan.TodoList, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, &plan.PlanValidationError{Reason: "no JSON object in response"}
	}
	var pr planResponse
	if err := json.Unmarshal([]byte(raw), &pr); err != nil {
		return nil, &plan.PlanValidationError{Reason: "malformed JSON: " + err.Error()}
	}
	if len(pr.OpenQuestions) > 0 {
		// 澄清在更早阶段完成，计划阶段不允许遗留问题。
		// Clarification happens before planning; an open question here means
		// the model is stalling instead of deciding.
		return nil, &plan.PlanValidationError{
			Reason: fmt.Sprintf("open_questions must be empty, got %d", len(pr.OpenQuestions)),
		}
	}
	if len(pr.Steps) < MinSteps || len(pr.Steps) > MaxSteps {
		return nil, &plan.PlanValidationError{
			Reason: fmt.Sprintf("plan must have %d-%d steps, got %d", MinSteps, MaxSteps, len(pr.Steps)),
		}
	}
	list, err := plan.NewFromDrafts(pr.Steps)
	if err != nil {
		return nil, err
	}
	list.Notes = pr.Notes
	return list, nil
}

func buildPlanPrompt(mission, toolDescriptions string, answers map[string]string, memoryHints []string) string {
	var b strings.Builder
	b.WriteString("Mission:\n")
	b.WriteString(mission)
	b.WriteString("\n\nAvailable tools:\n")
	b.WriteString(toolDescriptions)
	if len(answers) > 0 {
		b.WriteString("\n\nClarified details:\n")
		for k, v := range answers {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	if len(memoryHints) > 0 {
		b.WriteString("\n\nRelevant prior findings:\n")
		for _, h := range memoryHints {
			b.WriteString("- ")
			b.WriteString(h)
			b.WriteString("\n")
		}
	}
	return b.String()
}

const planSystemPrompt = `You are a planning assistant for an autonomous task agent.
Break the mission into 3-7 steps. Each step must be outcome-oriented, not tool-specific:
describe what should be true after the step, and give an observable acceptance criterion.

Respond with ONLY a JSON object:
{
  "steps": [
    {"position": 1, "description": "...", "acceptance_criteria": "...", "dependencies": []},
    {"position": 2, "description": "...", "acceptance_criteria": "...", "dependencies": [1]}
  ],
  "open_questions": [],
  "notes": ""
}

Rules:
- dependencies may only reference earlier positions
- open_questions must be empty; decide instead of asking
- respond in the same language as the mission`

// ExtractJSON 从模型输出中提取首个平衡的 JSON 对象，容忍围栏代码块与前后缀文本。
// ExtractJSON pulls the first balanced JSON object out of model output,
// tolerating fenced code blocks and leading or trailing prose.
func ExtractJSON(content string) string {
	s := content
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			s = rest[:end]
		} else {
			s = rest
		}
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return strings.TrimSpace(s[start : i+1])
				}
			}
		}
	}
	return ""
}
