package imagechat

import (
	"context"

	"imagechat-server-go/src/core/chat"
	"imagechat-server-go/src/core/image"
	"imagechat-server-go/src/core/types"
)

// TextCompleter 文本补全能力，由LLM provider实现
type TextCompleter interface {
	Response(ctx context.Context, messages []types.Message) (string, error)
}

// VisionCompleter 多模态补全能力，由VLLLM provider实现
type VisionCompleter interface {
	ResponseWithImage(ctx context.Context, messages []types.Message, imageData image.ImageData, instruction string) (string, error)
}

// ProcessImageRequest 图片处理请求结构
type ProcessImageRequest struct {
	Image    string `json:"image" binding:"required"` // data URI或图片URL
	Language string `json:"language"`                 // 目标语言ISO代码，缺省为en
}

// ProcessImageResult 图片处理结果结构
type ProcessImageResult struct {
	Text           string `json:"text"`
	Description    string `json:"description"`
	TranslatedText string `json:"translatedText,omitempty"`
}

// ImageContext 会话携带的图片上下文
type ImageContext struct {
	Description string `json:"description"`
	Text        string `json:"text"`
}

// ChatRequest 会话请求结构
type ChatRequest struct {
	Messages     []chat.Message `json:"messages"`
	NewMessage   string         `json:"newMessage" binding:"required"`
	ImageContext ImageContext   `json:"imageContext"`
}

// ChatResponse 会话响应结构
type ChatResponse struct {
	Message   string `json:"message"`
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ErrorResponse 统一错误响应结构
type ErrorResponse struct {
	Error string `json:"error"`
}
