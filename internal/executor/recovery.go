package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"taskagent/internal/chat"
)

// 部分模型不走结构化 tool_calls，而是在正文里输出伪标记。
// 这里把可解析的伪标记恢复成结构化调用，解析不了的原样保留在正文中。
// Some models emit pseudo tool-call markup in the content body instead of
// structured tool_calls. Recover what parses into structured calls; keep
// anything unparsable in the content to avoid data loss.
var (
	recoveryBlockRe = regexp.MustCompile(`(?is)<tool_call>\s*(.*?)\s*</tool_call>`)
	recoveryFuncRe  = regexp.MustCompile(`(?is)<function=([a-zA-Z0-9_\-]+)>\s*(.*?)\s*</function>`)
	recoveryParamRe = regexp.MustCompile(`(?is)<parameter=([a-zA-Z0-9_\-]+)>\s*(.*?)\s*</parameter>`)
)

func recoverToolCalls(content string, defs []chat.ToolDef) ([]chat.ToolCall, string) {
	if strings.TrimSpace(content) == "" || len(defs) == 0 {
		return nil, content
	}
	known := map[string]struct{}{}
	for _, d := range defs {
		if name := strings.ToLower(strings.TrimSpace(d.Function.Name)); name != "" {
			known[name] = struct{}{}
		}
	}

	blocks := recoveryBlockRe.FindAllStringSubmatchIndex(content, -1)
	if len(blocks) == 0 {
		return nil, content
	}

	var calls []chat.ToolCall
	var cleaned strings.Builder
	last := 0
	for _, m := range blocks {
		start, end := m[0], m[1]
		inner := strings.TrimSpace(content[m[2]:m[3]])
		cleaned.WriteString(content[last:start])
		last = end

		call, ok := parseRecoveredCall(inner, known, len(calls)+1)
		if !ok {
			cleaned.WriteString(content[start:end])
			continue
		}
		calls = append(calls, call)
	}
	cleaned.WriteString(content[last:])
	return calls, strings.TrimSpace(cleaned.String())
}

func parseRecoveredCall(inner string, known map[string]struct{}, seq int) (chat.ToolCall, bool) {
	if name, args, ok := parseJSONCall(inner, known); ok {
		return recoveredCall(name, args, seq), true
	}
	if name, args, ok := parseTaggedCall(inner, known); ok {
		return recoveredCall(name, args, seq), true
	}
	return chat.ToolCall{}, false
}

// parseJSONCall handles {"name":"search","arguments":{...}}.
func parseJSONCall(inner string, known map[string]struct{}) (string, string, bool) {
	var payload struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(inner), &payload); err != nil {
		return "", "", false
	}
	name := strings.ToLower(strings.TrimSpace(payload.Name))
	if _, ok := known[name]; !ok {
		return "", "", false
	}
	args := "{}"
	if raw := strings.TrimSpace(string(payload.Arguments)); raw != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return "", "", false
		}
		encoded, _ := json.Marshal(obj)
		args = string(encoded)
	}
	return name, args, true
}

// parseTaggedCall handles <function=search><parameter=q>x</parameter></function>.
func parseTaggedCall(inner string, known map[string]struct{}) (string, string, bool) {
	m := recoveryFuncRe.FindStringSubmatch(inner)
	if len(m) != 3 {
		return "", "", false
	}
	name := strings.ToLower(strings.TrimSpace(m[1]))
	if _, ok := known[name]; !ok {
		return "", "", false
	}
	params := map[string]any{}
	for _, pm := range recoveryParamRe.FindAllStringSubmatch(m[2], -1) {
		key := strings.TrimSpace(pm[1])
		if key != "" {
			params[key] = strings.TrimSpace(pm[2])
		}
	}
	if len(params) == 0 {
		return "", "", false
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", "", false
	}
	return name, string(encoded), true
}

func recoveredCall(name, args string, seq int) chat.ToolCall {
	return chat.ToolCall{
		ID:   fmt.Sprintf("recovered_call_%d", seq),
		Type: "function",
		Function: chat.ToolCallFunction{
			Name:      name,
			Arguments: args,
		},
	}
}
