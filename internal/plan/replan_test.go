package plan

import (
	"errors"
	"testing"
)

func TestModifyStep_ResetsExecutionState(t *testing.T) {
	l, _ := NewFromDrafts(threeStepDrafts())
	item := l.Items()[1]
	item.Status = StatusInProgress
	item.Attempts = 3
	item.ChosenTool = "search"

	if err := l.ModifyStep(item.ID, "extract facts from the cached page", "facts listed"); err != nil {
		t.Fatalf("ModifyStep: %v", err)
	}
	if item.ReplanCount != 1 {
		t.Fatalf("replan count=%d", item.ReplanCount)
	}
	if item.Status != StatusPending || item.Attempts != 0 || item.ChosenTool != "" {
		t.Fatalf("execution state not reset: %+v", item)
	}
	if item.Description != "extract facts from the cached page" {
		t.Fatalf("description=%q", item.Description)
	}
}

func TestReplaceStep_RepointsDependents(t *testing.T) {
	l, _ := NewFromDrafts(threeStepDrafts())
	items := l.Items()
	oldID := items[1].ID

	newID, err := l.ReplaceStep(oldID, "extract facts differently", "facts listed")
	if err != nil {
		t.Fatalf("ReplaceStep: %v", err)
	}
	if l.Item(oldID) != nil {
		t.Fatal("replaced step should be gone")
	}
	replacement := l.Item(newID)
	if replacement.ReplanCount != 1 {
		t.Fatalf("replan count=%d, want 1", replacement.ReplanCount)
	}
	if l.Position(newID) != 2 {
		t.Fatalf("position=%d, want 2", l.Position(newID))
	}
	if replacement.Dependencies[0] != items[0].ID {
		t.Fatal("replacement should inherit dependencies")
	}
	// The downstream step now depends on the replacement.
	step3 := l.Items()[2]
	if step3.Dependencies[0] != newID {
		t.Fatalf("step 3 deps=%v, want [%s]", step3.Dependencies, newID)
	}
}

func TestDecomposeStep_RepointsToLastSuccessor(t *testing.T) {
	l, _ := NewFromDrafts(threeStepDrafts())
	items := l.Items()
	oldID := items[1].ID

	newIDs, err := l.DecomposeStep(oldID, []StepDraft{
		{Description: "fetch the page"},
		{Description: "parse the page", Dependencies: []int{1}},
	})
	if err != nil {
		t.Fatalf("DecomposeStep: %v", err)
	}
	if len(newIDs) != 2 || l.Len() != 4 {
		t.Fatalf("newIDs=%v len=%d", newIDs, l.Len())
	}

	first := l.Item(newIDs[0])
	second := l.Item(newIDs[1])
	if first.Dependencies[0] != items[0].ID {
		t.Fatal("first sub-step should inherit original dependencies")
	}
	if second.Dependencies[0] != first.ID {
		t.Fatal("second sub-step should depend on the first")
	}
	if first.ReplanCount != 1 || second.ReplanCount != 1 {
		t.Fatalf("sub-step replan counts=%d,%d", first.ReplanCount, second.ReplanCount)
	}

	// The step that depended on the original now points at the last sub-step.
	last := l.Items()[3]
	if last.Dependencies[0] != second.ID {
		t.Fatalf("dependent deps=%v, want [%s]", last.Dependencies, second.ID)
	}
	// Display positions renumber without touching ids.
	if l.Position(newIDs[0]) != 2 || l.Position(newIDs[1]) != 3 || l.Position(last.ID) != 4 {
		t.Fatal("display positions wrong after decompose")
	}
}

func TestDecomposeStep_RequiresTwoSubSteps(t *testing.T) {
	l, _ := NewFromDrafts(threeStepDrafts())
	_, err := l.DecomposeStep(l.Items()[1].ID, []StepDraft{{Description: "only one"}})
	var verr *PlanValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected PlanValidationError, got %v", err)
	}
}

func TestReplanBudget_TravelsThroughLineage(t *testing.T) {
	l, _ := NewFromDrafts(threeStepDrafts())
	id := l.Items()[1].ID

	// First failure cycle: replace once, count becomes 1.
	id2, err := l.ReplaceStep(id, "attempt two", "")
	if err != nil {
		t.Fatalf("first replace: %v", err)
	}
	if l.Item(id2).ReplanCount != 1 {
		t.Fatalf("count=%d, want 1", l.Item(id2).ReplanCount)
	}

	// Second cycle on the successor: count becomes 2.
	id3, err := l.ReplaceStep(id2, "attempt three", "")
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}
	if l.Item(id3).ReplanCount != 2 {
		t.Fatalf("count=%d, want 2", l.Item(id3).ReplanCount)
	}

	// Third cycle is over budget.
	_, err = l.ReplaceStep(id3, "attempt four", "")
	var limitErr *ReplanLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected ReplanLimitError, got %v", err)
	}
	if limitErr.Count != 2 {
		t.Fatalf("limit count=%d", limitErr.Count)
	}

	// Modify and decompose respect the same budget.
	if err := l.ModifyStep(id3, "rewrite", ""); err == nil {
		t.Fatal("modify over budget should fail")
	}
	if _, err := l.DecomposeStep(id3, []StepDraft{{Description: "a"}, {Description: "b"}}); err == nil {
		t.Fatal("decompose over budget should fail")
	}
}
