package plan

import (
	"fmt"

	"github.com/google/uuid"
)

// 重规划操作。每个操作都要求目标步骤的 replan_count 未达上限；
// 新产生的步骤继承原步骤的计数，使上限沿血缘传递。
// Replan operations. Each requires the target step's replan_count to be under
// the limit; steps created by decompose/replace inherit the incremented
// count so the bound travels along the replacement lineage.

func (l *TodoList) checkReplanBudget(item *TodoItem) error {
	if item.ReplanCount >= MaxReplans {
		return &ReplanLimitError{Position: l.Position(item.ID), Count: item.ReplanCount}
	}
	return nil
}

// ModifyStep rewrites a step's description and acceptance criteria in place,
// resetting it to PENDING with a fresh attempt budget.
func (l *TodoList) ModifyStep(id, description, acceptanceCriteria string) error {
	item := l.items[id]
	if item == nil {
		return fmt.Errorf("modify step: unknown step %s", id)
	}
	if err := l.checkReplanBudget(item); err != nil {
		return err
	}
	item.ReplanCount++
	item.Description = description
	if acceptanceCriteria != "" {
		item.AcceptanceCriteria = acceptanceCriteria
	}
	item.Status = StatusPending
	item.Attempts = 0
	item.ChosenTool = ""
	item.ToolInput = ""
	item.ExecutionResult = ""
	return nil
}

// DecomposeStep 将一个步骤拆分为若干子步骤：首个子步骤继承原依赖，
// 其余子步骤的草稿依赖指向拆分内部的相对位置，原步骤的依赖者改指向
// 最后一个存活后继。
// DecomposeStep replaces a step with the given sub-steps. The first sub-step
// inherits the original's dependencies; draft dependencies are 1-indexed
// positions within the decomposition; everything that depended on the
// original is repointed to the last surviving successor.
func (l *TodoList) DecomposeStep(id string, drafts []StepDraft) ([]string, error) {
	item := l.items[id]
	if item == nil {
		return nil, fmt.Errorf("decompose step: unknown step %s", id)
	}
	if err := l.checkReplanBudget(item); err != nil {
		return nil, err
	}
	if len(drafts) < 2 {
		return nil, &PlanValidationError{Reason: "decompose requires at least 2 sub-steps"}
	}
	for i, d := range drafts {
		if d.Description == "" {
			return nil, &PlanValidationError{Reason: fmt.Sprintf("sub-step %d has empty description", i+1)}
		}
		for _, dep := range d.Dependencies {
			if dep < 1 || dep > i {
				return nil, &PlanValidationError{
					Reason: fmt.Sprintf("sub-step %d depends on position %d, must reference an earlier sub-step", i+1, dep),
				}
			}
		}
	}

	newIDs := make([]string, 0, len(drafts))
	for i, d := range drafts {
		sub := &TodoItem{
			ID:                 uuid.NewString(),
			Description:        d.Description,
			AcceptanceCriteria: d.AcceptanceCriteria,
			Status:             StatusPending,
			MaxAttempts:        item.MaxAttempts,
			ReplanCount:        item.ReplanCount + 1,
		}
		if i == 0 {
			sub.Dependencies = append(sub.Dependencies, item.Dependencies...)
		}
		for _, dep := range d.Dependencies {
			sub.Dependencies = append(sub.Dependencies, newIDs[dep-1])
		}
		newIDs = append(newIDs, sub.ID)
		l.items[sub.ID] = sub
	}

	l.replaceInOrder(id, newIDs)
	l.repointDependents(id, newIDs[len(newIDs)-1])
	delete(l.items, id)
	return newIDs, nil
}

// ReplaceStep swaps a step for a fresh one with the same dependency edges.
func (l *TodoList) ReplaceStep(id, description, acceptanceCriteria string) (string, error) {
	item := l.items[id]
	if item == nil {
		return "", fmt.Errorf("replace step: unknown step %s", id)
	}
	if err := l.checkReplanBudget(item); err != nil {
		return "", err
	}
	if description == "" {
		return "", &PlanValidationError{Reason: "replacement step has empty description"}
	}
	replacement := &TodoItem{
		ID:                 uuid.NewString(),
		Description:        description,
		AcceptanceCriteria: acceptanceCriteria,
		Dependencies:       append([]string(nil), item.Dependencies...),
		Status:             StatusPending,
		MaxAttempts:        item.MaxAttempts,
		ReplanCount:        item.ReplanCount + 1,
	}
	l.items[replacement.ID] = replacement
	l.replaceInOrder(id, []string{replacement.ID})
	l.repointDependents(id, replacement.ID)
	delete(l.items, id)
	return replacement.ID, nil
}

func (l *TodoList) replaceInOrder(id string, newIDs []string) {
	out := make([]string, 0, len(l.order)+len(newIDs)-1)
	for _, cur := range l.order {
		if cur == id {
			out = append(out, newIDs...)
			continue
		}
		out = append(out, cur)
	}
	l.order = out
}

func (l *TodoList) repointDependents(oldID, successorID string) {
	for _, cur := range l.items {
		for i, dep := range cur.Dependencies {
			if dep == oldID {
				cur.Dependencies[i] = successorID
			}
		}
	}
}
