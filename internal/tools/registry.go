package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"taskagent/internal/chat"
)

type Registry struct {
	tools map[string]Tool
}

func NewRegistry(ts ...Tool) *Registry {
	m := make(map[string]Tool, len(ts))
	for _, t := range ts {
		m[t.Name()] = t
	}
	return &Registry{tools: m}
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Definitions() []chat.ToolDef {
	out := make([]chat.ToolDef, 0, len(r.tools))
	for _, name := range r.Names() {
		out = append(out, r.tools[name].Definition())
	}
	return out
}

// Descriptions 返回给 planner 的工具描述文本（每行 name: description）。
// Descriptions renders a name: description line per tool for planner prompts.
func (r *Registry) Descriptions() string {
	lines := make([]string, 0, len(r.tools))
	for _, name := range r.Names() {
		def := r.tools[name].Definition()
		lines = append(lines, fmt.Sprintf("- %s: %s", name, def.Function.Description))
	}
	return strings.Join(lines, "\n")
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// ReadOnly 报告工具是否为只读（结果缓存白名单的依据）。
// ReadOnly reports whether the named tool is read-only; only read-only tools
// are eligible for result caching.
func (r *Registry) ReadOnly(name string) bool {
	t, ok := r.tools[name]
	if !ok {
		return false
	}
	return t.RiskLevel() == RiskReadOnly
}

func (r *Registry) RequiresApproval(name string) bool {
	t, ok := r.tools[name]
	if !ok {
		return false
	}
	return t.RequiresApproval()
}

func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return t.Execute(ctx, args)
}
