package imagechat

import (
	"context"
	"fmt"
	"strings"

	"imagechat-server-go/src/core/chat"
	"imagechat-server-go/src/core/image"
	"imagechat-server-go/src/core/types"
)

// 提示词与兜底文案。描述生成刻意限定为"仅基于提取出的文字"，
// 这是提示词设计上的既定策略，不做独立的视觉分析。
const (
	extractionSystemPrompt = "You are an expert at extracting text from images. Transcribe ALL visible text precisely."
	extractionInstruction  = "Extract ALL text from this image. Be extremely precise and capture every single word or character visible."

	fallbackNoText        = "No text found"
	fallbackNoDescription = "Unable to generate a description based on the extracted text."
	fallbackNoReply       = "I'm not sure how to respond."
)

// descriptionSystemPrompt 构建描述生成的系统提示词
func descriptionSystemPrompt(extractedText string) string {
	return fmt.Sprintf("You are an expert image analyst. "+
		"Generate a comprehensive description of the image "+
		"BASED SOLELY on the extracted text: %q. "+
		"If no text is present, describe the image's key visual elements.", extractedText)
}

// descriptionInstruction 构建描述生成的用户指令
func descriptionInstruction(extractedText, language string) string {
	return fmt.Sprintf("Extracted Text: %s\nLanguage: %s\n"+
		"Provide a detailed description focusing on the context of the text and image.",
		extractedText, language)
}

// translationDialogue 构建提取文字的翻译请求
func translationDialogue(extractedText, language string) []types.Message {
	return []types.Message{
		{
			Role:    types.RoleSystem,
			Content: "You are a precise translator. Translate the user's text faithfully, output only the translation.",
		},
		{
			Role:    types.RoleUser,
			Content: fmt.Sprintf("Translate the following text into the language with ISO code %q:\n%s", language, extractedText),
		},
	}
}

// chatSystemPrompt 构建会话的系统上下文提示词
func chatSystemPrompt(imageContext ImageContext) string {
	return fmt.Sprintf("You are a helpful AI assistant. "+
		"Context may include an image description: %s\n"+
		"Image text: %s\n"+
		"Respond helpfully considering this context.",
		imageContext.Description, imageContext.Text)
}

// processImagePipeline 图片处理流水线：先提取文字，再基于提取结果生成描述，
// 两次调用严格串行，第二步依赖第一步的输出。任何一步失败都中止整个请求。
func (s *DefaultImageChatService) processImagePipeline(ctx context.Context, req *ProcessImageRequest) (*ProcessImageResult, error) {
	imageData, err := image.ParseImagePayload(req.Image)
	if err != nil {
		return nil, err
	}

	language := req.Language
	if language == "" {
		language = s.config.DefaultLanguage
	}

	// 第一步：文字提取
	extracted, err := s.vision.ResponseWithImage(ctx,
		[]types.Message{{Role: types.RoleSystem, Content: extractionSystemPrompt}},
		imageData, extractionInstruction)
	if err != nil {
		return nil, err
	}

	extractedText := strings.TrimSpace(extracted)
	if extractedText == "" {
		extractedText = fallbackNoText
	}

	// 第二步：基于提取文字生成描述
	described, err := s.vision.ResponseWithImage(ctx,
		[]types.Message{{Role: types.RoleSystem, Content: descriptionSystemPrompt(extractedText)}},
		imageData, descriptionInstruction(extractedText, language))
	if err != nil {
		return nil, err
	}

	description := strings.TrimSpace(described)
	if description == "" {
		description = fallbackNoDescription
	}

	result := &ProcessImageResult{
		Text:        extractedText,
		Description: description,
	}

	// 第三步（可选）：目标语言不是英语且提取到了文字时翻译提取结果
	if language != "en" && extractedText != fallbackNoText {
		translated, err := s.llm.Response(ctx, translationDialogue(extractedText, language))
		if err != nil {
			return nil, err
		}
		result.TranslatedText = strings.TrimSpace(translated)
	}

	return result, nil
}

// chatPipeline 会话流水线：单次补全，图片上下文进系统提示词，
// 历史消息按原顺序回放，新消息作为最后一条用户消息。
func (s *DefaultImageChatService) chatPipeline(ctx context.Context, req *ChatRequest) (string, error) {
	dialogue := chat.BuildDialogue(chatSystemPrompt(req.ImageContext), req.Messages, req.NewMessage)

	reply, err := s.llm.Response(ctx, dialogue)
	if err != nil {
		return "", err
	}

	content := strings.TrimSpace(reply)
	if content == "" {
		content = fallbackNoReply
	}

	return content, nil
}
