package tools

import (
	"context"
	"encoding/json"

	"taskagent/internal/chat"
)

// RiskLevel 工具风险等级
// RiskLevel classifies how destructive a tool can be.
type RiskLevel string

const (
	RiskReadOnly RiskLevel = "read_only"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
)

// Tool 是引擎对工具的全部认知：引擎不关心工具内部，只读取结果里的 ok 字段。
// Tool is the closed capability interface. The engine never inspects tool
// internals; it only reads the ok field of the JSON result.
type Tool interface {
	Name() string
	Definition() chat.ToolDef
	RiskLevel() RiskLevel
	RequiresApproval() bool
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ResultOK 解析工具 JSON 结果中的 ok 字段；无法解析时视为成功（向后兼容纯文本结果）。
// ResultOK reports the ok field of a tool JSON result. Unparsable results are
// treated as success for plain-text tool outputs.
func ResultOK(result string) bool {
	var payload struct {
		OK *bool `json:"ok"`
	}
	if err := json.Unmarshal([]byte(result), &payload); err != nil {
		return true
	}
	if payload.OK == nil {
		return true
	}
	return *payload.OK
}

// MustJSON marshals a tool result payload, degrading to an error envelope.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"ok":false,"error":"marshal tool result failed"}`
	}
	return string(data)
}
