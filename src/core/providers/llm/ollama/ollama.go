package ollama

import (
	"context"
	"fmt"
	"strings"

	"imagechat-server-go/src/core/providers/llm"
	"imagechat-server-go/src/core/types"

	"github.com/sashabaranov/go-openai"
)

// Provider Ollama LLM提供者，走Ollama的OpenAI兼容接口
type Provider struct {
	*llm.BaseProvider
	client    *openai.Client
	modelName string
	maxTokens int
	isQwen3   bool
}

// 注册提供者
func init() {
	llm.Register("ollama", NewProvider)
}

// NewProvider 创建Ollama提供者
func NewProvider(config *llm.Config) (llm.Provider, error) {
	base := llm.NewBaseProvider(config)
	provider := &Provider{
		BaseProvider: base,
		modelName:    config.ModelName,
		maxTokens:    config.MaxTokens,
	}
	if provider.maxTokens <= 0 {
		provider.maxTokens = 300
	}

	// qwen3模型需要关闭思考模式
	provider.isQwen3 = config.ModelName != "" && strings.HasPrefix(strings.ToLower(config.ModelName), "qwen3")

	return provider, nil
}

// Initialize 初始化提供者
func (p *Provider) Initialize() error {
	config := p.Config()
	baseURL := config.BaseURL
	if baseURL == "" {
		if url, ok := config.Extra["url"].(string); ok {
			baseURL = url
		}
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	// 确保URL以/v1结尾
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
	}

	// Ollama不需要真正的API key，但openai客户端需要一个值
	clientConfig := openai.DefaultConfig("ollama")
	clientConfig.BaseURL = baseURL

	p.client = openai.NewClientWithConfig(clientConfig)
	return nil
}

// Cleanup 清理资源
func (p *Provider) Cleanup() error {
	return nil
}

// Response types.LLMProvider接口实现
func (p *Provider) Response(ctx context.Context, messages []types.Message) (string, error) {
	if p.isQwen3 {
		messages = addNoThinkDirective(messages)
	}

	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := p.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:     p.modelName,
			Messages:  chatMessages,
			MaxTokens: p.maxTokens,
		},
	)
	if err != nil {
		return "", fmt.Errorf("Ollama chat completion failed: %v", err)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}

	return stripThinkBlock(resp.Choices[0].Message.Content), nil
}

// addNoThinkDirective 在最后一条用户消息后追加/no_think指令
func addNoThinkDirective(messages []types.Message) []types.Message {
	result := make([]types.Message, len(messages))
	copy(result, messages)

	for i := len(result) - 1; i >= 0; i-- {
		if result[i].Role == types.RoleUser {
			result[i].Content += " /no_think"
			break
		}
	}

	return result
}

// stripThinkBlock 去掉回复开头的<think>...</think>块
func stripThinkBlock(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "<think>") {
		return content
	}

	end := strings.Index(trimmed, "</think>")
	if end < 0 {
		return content
	}

	return strings.TrimSpace(trimmed[end+len("</think>"):])
}
