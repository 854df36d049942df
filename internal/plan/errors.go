package plan

import "fmt"

// PlanValidationError 计划结构非法：依赖环、越界引用或缺失字段。
// PlanValidationError marks a structurally invalid plan: cyclic or
// out-of-range dependencies, or missing required fields. The caller is
// expected to regenerate rather than execute.
type PlanValidationError struct {
	Reason string
}

func (e *PlanValidationError) Error() string {
	return "plan validation failed: " + e.Reason
}

// PlanStalemateError 没有就绪步骤但计划未完成，无法继续推进。
// PlanStalemateError means no step is ready yet the plan is not complete.
// This is fatal for the execution and surfaces to the user.
type PlanStalemateError struct {
	Pending []int
}

func (e *PlanStalemateError) Error() string {
	return fmt.Sprintf("plan stalemate: no ready step, positions still pending: %v", e.Pending)
}

// ReplanLimitError 同一步骤（含其血缘后继）的重规划次数已达上限。
// ReplanLimitError means a step, directly or via its replacement lineage, has
// already been replanned the maximum number of times.
type ReplanLimitError struct {
	Position int
	Count    int
}

func (e *ReplanLimitError) Error() string {
	return fmt.Sprintf("replan limit exceeded for step %d (count=%d)", e.Position, e.Count)
}
