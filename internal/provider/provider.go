package provider

import (
	"context"
	"strings"

	"taskagent/internal/chat"
)

// ChatRequest 封装一次模型请求
// ChatRequest wraps a single model call
type ChatRequest struct {
	Model       string
	Messages    []chat.Message
	Tools       []chat.ToolDef
	Temperature *float64
	MaxTokens   int
}

// Usage token 用量统计
// Usage reports token consumption
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse 完整响应
// ChatResponse is the complete response
type ChatResponse struct {
	Content      string
	Reasoning    string
	ToolCalls    []chat.ToolCall
	FinishReason string
	Usage        Usage
}

// Provider 模型提供方接口；引擎只依赖这个边界
// Provider is the model backend interface; the engine depends only on this boundary
type Provider interface {
	// Chat 发送聊天请求并返回响应
	// Chat sends a request and returns a response
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// Name 返回 provider 名称
	// Name returns the provider name
	Name() string

	// CurrentModel 返回当前活跃模型
	// CurrentModel returns the current active model
	CurrentModel() string
}

// ContextLengthExceeded 判断错误是否为上下文超长（用于压缩回退）
// ContextLengthExceeded reports whether the error indicates the request blew
// the model's context window, so callers can fall back to harder truncation.
func ContextLengthExceeded(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"context_length_exceeded", "maximum context length", "context window"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
