package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func quietRouter(opts Options) *Router {
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(opts)
}

func TestClassify_NoActiveContext(t *testing.T) {
	r := quietRouter(Options{})

	got := r.Classify(context.Background(), Context{Query: "what about that?"})
	if got.Decision != NewMission || got.Confidence != 1.0 {
		t.Fatalf("got %+v, want NEW_MISSION 1.0", got)
	}

	// Incomplete todolist also forces a fresh mission.
	got = r.Classify(context.Background(), Context{
		Query:             "and the second one?",
		HasActiveTodoList: true,
		TodoListCompleted: false,
	})
	if got.Decision != NewMission || got.Confidence != 1.0 {
		t.Fatalf("got %+v, want NEW_MISSION 1.0", got)
	}
}

func TestClassify_NewMissionVerb(t *testing.T) {
	r := quietRouter(Options{})
	rc := Context{
		Query:             "Analyze the latest quarterly report",
		HasActiveTodoList: true,
		TodoListCompleted: true,
		PreviousResults:   []string{"prior answer"},
	}
	got := r.Classify(context.Background(), rc)
	if got.Decision != NewMission || got.Confidence != 0.9 {
		t.Fatalf("got %+v, want NEW_MISSION 0.9", got)
	}
}

func TestClassify_LongQuery(t *testing.T) {
	r := quietRouter(Options{LengthThreshold: 50})
	rc := Context{
		Query:             strings.Repeat("please look into every corner of this topic ", 4),
		HasActiveTodoList: true,
		TodoListCompleted: true,
	}
	got := r.Classify(context.Background(), rc)
	if got.Decision != NewMission || got.Confidence < 0.7 {
		t.Fatalf("got %+v, want NEW_MISSION >=0.7", got)
	}
}

func TestClassify_FollowUpMarker(t *testing.T) {
	r := quietRouter(Options{})
	cases := []string{
		"what is the largest city mentioned in that page?",
		"and the population?",
		"那个结果里最大的城市是哪个",
	}
	for _, q := range cases {
		rc := Context{
			Query:             q,
			HasActiveTodoList: true,
			TodoListCompleted: true,
			PreviousResults:   []string{"wiki page content"},
		}
		got := r.Classify(context.Background(), rc)
		if got.Decision != FollowUp || got.Confidence < 0.7 {
			t.Fatalf("query %q: got %+v, want FOLLOW_UP >=0.7", q, got)
		}
	}
}

func TestClassify_FollowUpMarkerWithoutResults(t *testing.T) {
	// A follow-up shaped query with nothing to follow up on stays a mission.
	r := quietRouter(Options{})
	rc := Context{
		Query:             "ok then?",
		HasActiveTodoList: true,
		TodoListCompleted: true,
	}
	got := r.Classify(context.Background(), rc)
	if got.Decision != NewMission {
		t.Fatalf("got %+v, want NEW_MISSION", got)
	}
}

func TestClassify_DefaultUncertain(t *testing.T) {
	r := quietRouter(Options{})
	rc := Context{
		Query:             "hmm interesting",
		HasActiveTodoList: true,
		TodoListCompleted: true,
	}
	got := r.Classify(context.Background(), rc)
	if got.Decision != NewMission || got.Confidence != 0.5 {
		t.Fatalf("got %+v, want NEW_MISSION 0.5", got)
	}
}

func TestClassify_LLMClassifierUsed(t *testing.T) {
	r := quietRouter(Options{
		Classifier: func(context.Context, Context) (Result, error) {
			return Result{Decision: FollowUp, Confidence: 0.95, Rationale: "llm"}, nil
		},
	})
	rc := Context{
		Query:             "summarize the findings",
		HasActiveTodoList: true,
		TodoListCompleted: true,
	}
	got := r.Classify(context.Background(), rc)
	if got.Decision != FollowUp || got.Confidence != 0.95 {
		t.Fatalf("got %+v, want llm result", got)
	}
}

func TestClassify_LLMFailureFallsBackToHeuristics(t *testing.T) {
	r := quietRouter(Options{
		Classifier: func(context.Context, Context) (Result, error) {
			return Result{}, errors.New("llm down")
		},
	})
	rc := Context{
		Query:             "which one?",
		HasActiveTodoList: true,
		TodoListCompleted: true,
		PreviousResults:   []string{"prior"},
	}
	got := r.Classify(context.Background(), rc)
	if got.Decision != FollowUp {
		t.Fatalf("got %+v, want heuristic FOLLOW_UP", got)
	}
	if !strings.Contains(got.Rationale, "fallback") {
		t.Fatalf("rationale should mention fallback: %q", got.Rationale)
	}
}

func TestClassify_LLMMalformedFallsBack(t *testing.T) {
	r := quietRouter(Options{
		Classifier: func(context.Context, Context) (Result, error) {
			return Result{Decision: "MAYBE", Confidence: 2.0}, nil
		},
	})
	rc := Context{
		Query:             "hmm interesting",
		HasActiveTodoList: true,
		TodoListCompleted: true,
	}
	got := r.Classify(context.Background(), rc)
	if got.Decision != NewMission {
		t.Fatalf("got %+v, want NEW_MISSION fallback", got)
	}
}
