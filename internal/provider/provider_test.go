package provider

import (
	"errors"
	"testing"

	"taskagent/internal/chat"
)

func TestContextLengthExceeded(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "openai code", err: errors.New("status 400: context_length_exceeded"), want: true},
		{name: "prose", err: errors.New("This model's maximum context length is 8192 tokens"), want: true},
		{name: "unrelated", err: errors.New("connection refused"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ContextLengthExceeded(tc.err); got != tc.want {
				t.Fatalf("got=%v want=%v", got, tc.want)
			}
		})
	}
}

func TestBuildSDKRequest_Tools(t *testing.T) {
	req := ChatRequest{
		Messages: []chat.Message{{Role: "user", Content: "hi"}},
		Tools: []chat.ToolDef{{
			Type:     "function",
			Function: chat.ToolFunction{Name: "search", Parameters: map[string]any{"type": "object"}},
		}},
	}
	sdkReq := buildSDKRequest("test-model", req)
	if sdkReq.Model != "test-model" {
		t.Fatalf("model=%q", sdkReq.Model)
	}
	if len(sdkReq.Tools) != 1 || sdkReq.Tools[0].Function.Name != "search" {
		t.Fatalf("tools not converted: %+v", sdkReq.Tools)
	}
	if sdkReq.ToolChoice != "auto" {
		t.Fatalf("tool_choice=%v, want auto", sdkReq.ToolChoice)
	}
}

func TestSetModel(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{Model: "a"})
	if p.CurrentModel() != "a" {
		t.Fatalf("model=%q", p.CurrentModel())
	}
	if err := p.SetModel(""); err == nil {
		t.Fatal("expected error for empty model")
	}
	if err := p.SetModel("b"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	if p.CurrentModel() != "b" {
		t.Fatalf("model=%q, want b", p.CurrentModel())
	}
}
