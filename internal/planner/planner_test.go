package planner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"taskagent/internal/plan"
	"taskagent/internal/provider"
)

// scriptedProvider replays canned responses in order.
type scriptedProvider struct {
	responses []provider.ChatResponse
	errs      []error
	calls     int
	prompts   []string
}

func (s *scriptedProvider) Chat(_ context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	idx := s.calls
	s.calls++
	for _, m := range req.Messages {
		if m.Role == "user" {
			s.prompts = append(s.prompts, m.Content)
		}
	}
	if idx < len(s.errs) && s.errs[idx] != nil {
		return provider.ChatResponse{}, s.errs[idx]
	}
	if idx >= len(s.responses) {
		return provider.ChatResponse{}, errors.New("script exhausted")
	}
	return s.responses[idx], nil
}

func (s *scriptedProvider) Name() string         { return "scripted" }
func (s *scriptedProvider) CurrentModel() string { return "test-model" }

func newPlanner(p provider.Provider) *Planner {
	return New(Options{
		Provider: p,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

const validPlanJSON = `{
  "steps": [
    {"position": 1, "description": "collect sources", "acceptance_criteria": "sources listed", "dependencies": []},
    {"position": 2, "description": "extract facts", "acceptance_criteria": "facts extracted", "dependencies": [1]},
    {"position": 3, "description": "write summary", "acceptance_criteria": "summary written", "dependencies": [2]}
  ],
  "open_questions": [],
  "notes": "straightforward"
}`

func TestCreateTodoList_Valid(t *testing.T) {
	sp := &scriptedProvider{responses: []provider.ChatResponse{{Content: validPlanJSON}}}
	list, err := newPlanner(sp).CreateTodoList(context.Background(), "summarize the wiki", "- search: web search", nil, nil)
	if err != nil {
		t.Fatalf("CreateTodoList: %v", err)
	}
	if list.Len() != 3 {
		t.Fatalf("steps=%d", list.Len())
	}
	if list.Notes != "straightforward" {
		t.Fatalf("notes=%q", list.Notes)
	}
	if sp.calls != 1 {
		t.Fatalf("provider calls=%d", sp.calls)
	}
}

func TestCreateTodoList_FencedJSON(t *testing.T) {
	content := "Here is the plan:\n```json\n" + validPlanJSON + "\n```\nDone."
	sp := &scriptedProvider{responses: []provider.ChatResponse{{Content: content}}}
	list, err := newPlanner(sp).CreateTodoList(context.Background(), "m", "t", nil, nil)
	if err != nil {
		t.Fatalf("CreateTodoList: %v", err)
	}
	if list.Len() != 3 {
		t.Fatalf("steps=%d", list.Len())
	}
}

func TestCreateTodoList_RegeneratesOnInvalid(t *testing.T) {
	cyclic := `{"steps": [
	  {"position": 1, "description": "a", "dependencies": [2]},
	  {"position": 2, "description": "b", "dependencies": []},
	  {"position": 3, "description": "c", "dependencies": []}
	], "open_questions": []}`
	sp := &scriptedProvider{responses: []provider.ChatResponse{
		{Content: cyclic},
		{Content: validPlanJSON},
	}}
	list, err := newPlanner(sp).CreateTodoList(context.Background(), "m", "t", nil, nil)
	if err != nil {
		t.Fatalf("CreateTodoList: %v", err)
	}
	if sp.calls != 2 {
		t.Fatalf("provider calls=%d, want regeneration", sp.calls)
	}
	if list.Len() != 3 {
		t.Fatalf("steps=%d", list.Len())
	}
	// The rejection reason travels back into the second prompt.
	if !strings.Contains(sp.prompts[1], "rejected") {
		t.Fatalf("second prompt missing feedback: %q", sp.prompts[1])
	}
}

func TestCreateTodoList_RejectsOpenQuestions(t *testing.T) {
	withQuestions := strings.Replace(validPlanJSON, `"open_questions": []`, `"open_questions": ["which repo?"]`, 1)
	sp := &scriptedProvider{responses: []provider.ChatResponse{
		{Content: withQuestions},
		{Content: withQuestions},
		{Content: withQuestions},
	}}
	_, err := newPlanner(sp).CreateTodoList(context.Background(), "m", "t", nil, nil)
	var verr *plan.PlanValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected PlanValidationError, got %v", err)
	}
	if sp.calls != 3 {
		t.Fatalf("provider calls=%d, want exhausted retries", sp.calls)
	}
}

func TestCreateTodoList_RejectsStepCount(t *testing.T) {
	tooFew := `{"steps": [{"position": 1, "description": "only one", "dependencies": []}], "open_questions": []}`
	sp := &scriptedProvider{responses: []provider.ChatResponse{
		{Content: tooFew}, {Content: tooFew}, {Content: tooFew},
	}}
	_, err := newPlanner(sp).CreateTodoList(context.Background(), "m", "t", nil, nil)
	if err == nil {
		t.Fatal("single-step plan must be rejected")
	}
}

func TestCreateTodoList_ProviderError(t *testing.T) {
	sp := &scriptedProvider{errs: []error{errors.New("provider down")}}
	_, err := newPlanner(sp).CreateTodoList(context.Background(), "m", "t", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "provider down") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"prose before {\"a\":{\"b\":2}} prose after", `{"a":{"b":2}}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{`{"s":"brace } in string"}`, `{"s":"brace } in string"}`},
		{"no json here", ""},
		{`{"unbalanced":`, ""},
	}
	for _, tc := range cases {
		if got := ExtractJSON(tc.in); got != tc.want {
			t.Errorf("ExtractJSON(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}
