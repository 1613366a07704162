package types

import (
	"context"
)

// 对话角色，与补全API的role字段一致
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 对话消息结构
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider 基础提供者接口
type Provider interface {
	Initialize() error
	Cleanup() error
}

// LLMProvider 大语言模型提供者接口。
// Response 返回单个补全结果的原始内容，调用方负责trim和兜底；
// 补全服务的任何失败都通过error返回，不折叠进内容。
type LLMProvider interface {
	Provider
	Response(ctx context.Context, messages []Message) (string, error)
}
