package main

import (
	"strings"
	"testing"

	"taskagent/internal/executor"
	"taskagent/internal/resultstore"
	"taskagent/internal/router"
)

func TestParseClassification(t *testing.T) {
	res, err := parseClassification("```json\n{\"decision\":\"follow_up\",\"confidence\":0.8,\"rationale\":\"refers to prior results\"}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Decision != router.FollowUp || res.Confidence != 0.8 {
		t.Fatalf("got %+v", res)
	}

	if _, err := parseClassification(`{"decision":"MAYBE"}`); err == nil {
		t.Fatal("unknown decision must error")
	}
	if _, err := parseClassification("no json here"); err == nil {
		t.Fatal("non-JSON must error")
	}
}

func TestSessionTitle(t *testing.T) {
	if got := sessionTitle("first line\nsecond line"); got != "first line" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := sessionTitle(long); len(got) != 80 {
		t.Fatalf("len=%d", len(got))
	}
}

func TestRenderResult_Failure(t *testing.T) {
	out := renderResult(executor.MissionResult{
		Status:        executor.MissionFailed,
		FailureReason: "hard step limit of 40 exceeded",
	}, 80)
	if !strings.Contains(out, "FAILED") || !strings.Contains(out, "step limit") {
		t.Fatalf("got %q", out)
	}
}

func TestRenderAuditTrail(t *testing.T) {
	trail := []resultstore.Node{
		{Handle: resultstore.Handle{ID: "tr_aaa", Tool: "search"}, StepNumber: 1, ReasoningContext: "gather data"},
		{Handle: resultstore.Handle{ID: "tr_bbb", Tool: "read"}, StepNumber: 2},
	}
	out := renderAuditTrail(trail)
	if !strings.Contains(out, "step 1  search  tr_aaa") || !strings.Contains(out, "step 2  read  tr_bbb") {
		t.Fatalf("got %q", out)
	}
	if !strings.Contains(out, "gather data") {
		t.Fatalf("reasoning missing: %q", out)
	}
	if renderAuditTrail(nil) != "" {
		t.Fatal("empty trail must render nothing")
	}
}

func TestBasicLineInput(t *testing.T) {
	in := strings.NewReader("hello world\n")
	var out strings.Builder
	reader := newBasicLineInput(in, &out)
	line, err := reader.ReadLine("> ")
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if line != "hello world" {
		t.Fatalf("got %q", line)
	}
	if out.String() != "> " {
		t.Fatalf("prompt=%q", out.String())
	}
}
