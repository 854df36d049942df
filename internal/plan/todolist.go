package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status 步骤状态机
// Status is the step state machine value.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
)

const (
	// DefaultMaxAttempts 单步工具失败重试上限
	DefaultMaxAttempts = 3
	// MaxReplans 单步（含血缘）重规划上限
	MaxReplans = 2
)

// ExecutionRecord is one attempt in a step's execution history.
type ExecutionRecord struct {
	Attempt   int       `json:"attempt"`
	Tool      string    `json:"tool,omitempty"`
	Input     string    `json:"input,omitempty"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TodoItem 计划中的一个步骤。内部以稳定 id 标识，展示位置由列表顺序派生，
// 分解/替换时不会发生下标漂移。
// TodoItem is one plan step. Items are identified by a stable internal id;
// the 1-indexed display position is derived from list order on read, so
// decompose and replace never shift identity.
type TodoItem struct {
	ID                 string            `json:"id"`
	Description        string            `json:"description"`
	AcceptanceCriteria string            `json:"acceptance_criteria"`
	Dependencies       []string          `json:"dependencies"`
	Status             Status            `json:"status"`
	ChosenTool         string            `json:"chosen_tool,omitempty"`
	ToolInput          string            `json:"tool_input,omitempty"`
	ExecutionResult    string            `json:"execution_result,omitempty"`
	Attempts           int               `json:"attempts"`
	MaxAttempts        int               `json:"max_attempts"`
	ReplanCount        int               `json:"replan_count"`
	History            []ExecutionRecord `json:"history,omitempty"`
}

func (it *TodoItem) terminal() bool {
	switch it.Status {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

func (it *TodoItem) satisfied() bool {
	return it.Status == StatusCompleted || it.Status == StatusSkipped
}

// CanRetry reports whether the step has attempts left before replanning.
func (it *TodoItem) CanRetry() bool {
	return it.Attempts < it.MaxAttempts
}

// StepDraft LLM 产出的单步草稿，依赖以 1 起始的位置号表示。
// StepDraft is one LLM-proposed step; dependencies are expressed as
// 1-indexed positions into the draft list.
type StepDraft struct {
	Position           int    `json:"position"`
	Description        string `json:"description"`
	AcceptanceCriteria string `json:"acceptance_criteria"`
	Dependencies       []int  `json:"dependencies"`
}

// TodoList 一次全路径执行的计划；由单个 Executor 循环独占修改。
// TodoList is the plan for one full-path execution. It is owned and mutated
// by a single executor loop; no internal locking.
type TodoList struct {
	ID            string
	OpenQuestions []string
	Notes         string

	items map[string]*TodoItem
	order []string
}

// ValidateDrafts 结构校验：描述非空、依赖只引用更早位置、拓扑可排序。
// ValidateDrafts checks draft structure: non-empty descriptions, dependencies
// referencing only earlier positions, and a successful topological sort.
func ValidateDrafts(drafts []StepDraft) error {
	if len(drafts) == 0 {
		return &PlanValidationError{Reason: "empty plan"}
	}
	for i, d := range drafts {
		pos := i + 1
		if d.Description == "" {
			return &PlanValidationError{Reason: fmt.Sprintf("step %d has empty description", pos)}
		}
		for _, dep := range d.Dependencies {
			if dep < 1 || dep >= pos {
				return &PlanValidationError{
					Reason: fmt.Sprintf("step %d depends on position %d, must reference an earlier step", pos, dep),
				}
			}
		}
	}
	// 依赖只指向更早位置时图必然无环，但仍显式验证拓扑排序。
	// Earlier-position-only dependencies cannot cycle; verify with an explicit
	// topological pass anyway.
	if !topologicallySortable(drafts) {
		return &PlanValidationError{Reason: "dependency graph has a cycle"}
	}
	return nil
}

func topologicallySortable(drafts []StepDraft) bool {
	n := len(drafts)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, d := range drafts {
		for _, dep := range d.Dependencies {
			indegree[i]++
			dependents[dep-1] = append(dependents[dep-1], i)
		}
	}
	queue := make([]int, 0, n)
	for i, deg := range indegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited == n
}

// NewFromDrafts 校验草稿并构建计划；依赖位置号在此转换为稳定 id。
// NewFromDrafts validates the drafts and builds the plan, converting
// positional dependencies into stable internal ids.
func NewFromDrafts(drafts []StepDraft) (*TodoList, error) {
	if err := ValidateDrafts(drafts); err != nil {
		return nil, err
	}
	l := &TodoList{
		ID:    uuid.NewString(),
		items: make(map[string]*TodoItem, len(drafts)),
		order: make([]string, 0, len(drafts)),
	}
	for _, d := range drafts {
		item := &TodoItem{
			ID:                 uuid.NewString(),
			Description:        d.Description,
			AcceptanceCriteria: d.AcceptanceCriteria,
			Status:             StatusPending,
			MaxAttempts:        DefaultMaxAttempts,
		}
		for _, dep := range d.Dependencies {
			item.Dependencies = append(item.Dependencies, l.order[dep-1])
		}
		l.items[item.ID] = item
		l.order = append(l.order, item.ID)
	}
	return l, nil
}

// SetMaxAttempts 覆盖所有步骤的重试上限；替换与拆分产生的后继会继承。
// SetMaxAttempts overrides the retry limit on every step. Successors created
// by replace/decompose inherit the new limit from their originals.
func (l *TodoList) SetMaxAttempts(n int) {
	if n <= 0 {
		return
	}
	for _, item := range l.items {
		item.MaxAttempts = n
	}
}

// Item returns the step with the given id, or nil.
func (l *TodoList) Item(id string) *TodoItem {
	return l.items[id]
}

// Items returns the steps in display order.
func (l *TodoList) Items() []*TodoItem {
	out := make([]*TodoItem, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.items[id])
	}
	return out
}

// Len returns the number of steps.
func (l *TodoList) Len() int {
	return len(l.order)
}

// Position returns the 1-indexed display position of a step, or 0 if absent.
func (l *TodoList) Position(id string) int {
	for i, cur := range l.order {
		if cur == id {
			return i + 1
		}
	}
	return 0
}

// NextReady 返回位置最小的就绪步骤（所有依赖 COMPLETED 或 SKIPPED）。
// 无就绪步骤且计划未完成时返回 PlanStalemateError。
// NextReady returns the lowest-position ready step, one whose dependencies
// are all COMPLETED or SKIPPED. When nothing is ready and the plan is not
// fully terminal it returns PlanStalemateError. A fully terminal plan
// returns (nil, nil).
func (l *TodoList) NextReady() (*TodoItem, error) {
	pending := []int{}
	inProgress := false
	for i, id := range l.order {
		item := l.items[id]
		if item.terminal() {
			continue
		}
		pending = append(pending, i+1)
		if item.Status != StatusPending {
			inProgress = inProgress || item.Status == StatusInProgress
			continue
		}
		ready := true
		for _, dep := range item.Dependencies {
			if depItem := l.items[dep]; depItem != nil && !depItem.satisfied() {
				ready = false
				break
			}
		}
		if ready {
			return item, nil
		}
	}
	// 有步骤仍在执行时不是僵局，等它结束再选。
	// A step still running is not a stalemate.
	if len(pending) == 0 || inProgress {
		return nil, nil
	}
	return nil, &PlanStalemateError{Pending: pending}
}

// AllTerminal reports whether every step reached a terminal status.
func (l *TodoList) AllTerminal() bool {
	for _, id := range l.order {
		if !l.items[id].terminal() {
			return false
		}
	}
	return true
}

// Succeeded reports whether every step is COMPLETED or SKIPPED.
func (l *TodoList) Succeeded() bool {
	for _, id := range l.order {
		if !l.items[id].satisfied() {
			return false
		}
	}
	return true
}

// CompletedResults 按位置顺序返回已完成步骤的执行结果。
// CompletedResults returns execution results of COMPLETED steps in position
// order; this feeds the fast path and follow-up context.
func (l *TodoList) CompletedResults() []string {
	out := []string{}
	for _, id := range l.order {
		item := l.items[id]
		if item.Status == StatusCompleted && item.ExecutionResult != "" {
			out = append(out, item.ExecutionResult)
		}
	}
	return out
}

// MarkInProgress transitions a step to IN_PROGRESS.
func (l *TodoList) MarkInProgress(id string) {
	if item := l.items[id]; item != nil {
		item.Status = StatusInProgress
	}
}

// Complete marks a step COMPLETED and stores its result.
func (l *TodoList) Complete(id, result string) {
	if item := l.items[id]; item != nil {
		item.Status = StatusCompleted
		item.ExecutionResult = result
	}
}

// MarkFailed marks a step FAILED and stores the terminal reason.
func (l *TodoList) MarkFailed(id, reason string) {
	if item := l.items[id]; item != nil {
		item.Status = StatusFailed
		item.ExecutionResult = reason
	}
}

// RecordAttempt 记录一次失败尝试并递增计数。
// RecordAttempt appends a failed attempt to the step history and increments
// the attempt counter.
func (l *TodoList) RecordAttempt(id string, rec ExecutionRecord) {
	item := l.items[id]
	if item == nil {
		return
	}
	item.Attempts++
	rec.Attempt = item.Attempts
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	item.History = append(item.History, rec)
}
