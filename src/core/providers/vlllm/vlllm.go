package vlllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"imagechat-server-go/src/configs"
	"imagechat-server-go/src/core/image"
	"imagechat-server-go/src/core/types"
	"imagechat-server-go/src/core/utils"

	"github.com/sashabaranov/go-openai"
)

// Config VLLLM配置结构
type Config struct {
	Type        string
	ModelName   string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
	TopP        float64
	Security    configs.SecurityConfig
}

// Provider VLLLM提供者，直接处理多模态补全请求
type Provider struct {
	config         *Config
	imageProcessor *image.Processor
	logger         *utils.Logger

	openaiClient *openai.Client // 用于OpenAI类型
	httpClient   *http.Client   // 用于Ollama类型
}

// ollamaRequest Ollama API请求结构
type ollamaRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// ollamaMessage Ollama消息结构
type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // base64编码的图片
}

// ollamaResponse Ollama API响应结构
type ollamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// NewProvider 创建新的VLLLM提供者
func NewProvider(config *Config, logger *utils.Logger) (*Provider, error) {
	imageProcessor, err := image.NewProcessor(&config.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("创建图片处理器失败: %v", err)
	}

	provider := &Provider{
		config:         config,
		imageProcessor: imageProcessor,
		logger:         logger,
		httpClient:     &http.Client{Timeout: 60 * time.Second},
	}

	return provider, nil
}

// Initialize 初始化Provider
func (p *Provider) Initialize() error {
	switch strings.ToLower(p.config.Type) {
	case "openai":
		if p.config.APIKey == "" {
			return fmt.Errorf("missing OpenAI API key")
		}

		clientConfig := openai.DefaultConfig(p.config.APIKey)
		if p.config.BaseURL != "" {
			clientConfig.BaseURL = p.config.BaseURL
		}
		p.openaiClient = openai.NewClientWithConfig(clientConfig)

	case "ollama":
		// Ollama不需要API key，只需要BaseURL
		if p.config.BaseURL == "" {
			p.config.BaseURL = "http://localhost:11434"
		}

	default:
		return fmt.Errorf("不支持的VLLLM类型: %s", p.config.Type)
	}

	p.logger.Debug("VLLLM Provider初始化成功", map[string]interface{}{
		"type":       p.config.Type,
		"model_name": p.config.ModelName,
	})

	return nil
}

// Cleanup 清理资源
func (p *Provider) Cleanup() error {
	if err := p.imageProcessor.Cleanup(); err != nil {
		p.logger.Warn(fmt.Sprintf("清理图片处理器失败: %v", err))
	}
	return nil
}

// ResponseWithImage 处理包含图片的补全请求 - 核心方法。
// 图片先经过安全验证，再和instruction一起作为最后一条用户消息发给模型；
// 返回单个补全结果的原始内容，任何失败都作为error返回。
func (p *Provider) ResponseWithImage(ctx context.Context, messages []types.Message, imageData image.ImageData, instruction string) (string, error) {
	processed, err := p.imageProcessor.ProcessImage(ctx, imageData)
	if err != nil {
		return "", err
	}

	p.logger.Debug("开始调用多模态API", map[string]interface{}{
		"type":       p.config.Type,
		"model_name": p.config.ModelName,
		"image_size": len(processed.Data),
	})

	switch strings.ToLower(p.config.Type) {
	case "openai":
		return p.responseWithOpenAIVision(ctx, messages, processed, instruction)
	case "ollama":
		return p.responseWithOllamaVision(ctx, messages, processed, instruction)
	default:
		return "", fmt.Errorf("不支持的VLLLM类型: %s", p.config.Type)
	}
}

// responseWithOpenAIVision 使用OpenAI Vision API
func (p *Provider) responseWithOpenAIVision(ctx context.Context, messages []types.Message, img image.ImageData, instruction string) (string, error) {
	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	// 添加历史消息
	for _, msg := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	// 构建包含图片的多模态消息
	visionMessage := openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:image/%s;base64,%s", img.Format, img.Data),
				},
			},
			{
				Type: openai.ChatMessagePartTypeText,
				Text: instruction,
			},
		},
	}
	chatMessages = append(chatMessages, visionMessage)

	resp, err := p.openaiClient.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       p.config.ModelName,
			Messages:    chatMessages,
			MaxTokens:   p.maxTokens(),
			Temperature: float32(p.config.Temperature),
			TopP:        float32(p.config.TopP),
		},
	)
	if err != nil {
		return "", fmt.Errorf("OpenAI vision completion failed: %v", err)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}

	return resp.Choices[0].Message.Content, nil
}

// responseWithOllamaVision 使用Ollama Vision API
func (p *Provider) responseWithOllamaVision(ctx context.Context, messages []types.Message, img image.ImageData, instruction string) (string, error) {
	ollamaMessages := make([]ollamaMessage, 0, len(messages)+1)

	for _, msg := range messages {
		ollamaMessages = append(ollamaMessages, ollamaMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	// Ollama需要纯base64，不需要data URL前缀
	ollamaMessages = append(ollamaMessages, ollamaMessage{
		Role:    types.RoleUser,
		Content: instruction,
		Images:  []string{img.Data},
	})

	request := ollamaRequest{
		Model:    p.config.ModelName,
		Messages: ollamaMessages,
		Stream:   false,
		Options: map[string]interface{}{
			"num_predict": p.maxTokens(),
		},
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("Ollama请求序列化失败: %v", err)
	}

	url := fmt.Sprintf("%s/api/chat", strings.TrimSuffix(p.config.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(requestBody))
	if err != nil {
		return "", fmt.Errorf("创建Ollama请求失败: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("Ollama vision completion failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("Ollama API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("解析Ollama响应失败: %v", err)
	}

	return response.Message.Content, nil
}

// GetImageMetrics 获取图片处理统计信息
func (p *Provider) GetImageMetrics() image.ImageMetrics {
	return p.imageProcessor.GetMetrics()
}

// GetConfig 获取配置信息
func (p *Provider) GetConfig() *Config {
	return p.config
}

func (p *Provider) maxTokens() int {
	if p.config.MaxTokens > 0 {
		return p.config.MaxTokens
	}
	return 300
}
