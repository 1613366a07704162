package imagechat

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"path/filepath"
	"strings"

	"imagechat-server-go/src/configs"
	"imagechat-server-go/src/core/auth"
	"imagechat-server-go/src/core/chat"
	"imagechat-server-go/src/core/image"
	"imagechat-server-go/src/core/providers/llm"
	"imagechat-server-go/src/core/providers/vlllm"
	"imagechat-server-go/src/core/utils"

	"github.com/gin-gonic/gin"
)

// 模板加载失败时返回的最小页面
const fallbackIndexHTML = `<!DOCTYPE html>
<html>
  <head><title>Image Chat AI</title></head>
  <body><p>UI bundle is missing, check web.static_dir in the configuration.</p></body>
</html>`

// DefaultImageChatService 图片问答HTTP服务：
// 一个HTML入口页加两条JSON路由，服务本身不保存任何请求间状态
type DefaultImageChatService struct {
	logger    *utils.Logger
	config    *configs.Config
	llm       TextCompleter
	vision    VisionCompleter
	authToken *auth.AuthToken

	indexTmpl  *template.Template
	uiConfigJS template.JS
}

// NewDefaultImageChatService 构造函数
func NewDefaultImageChatService(config *configs.Config, logger *utils.Logger) (*DefaultImageChatService, error) {
	service := &DefaultImageChatService{
		logger: logger,
		config: config,
	}

	if err := service.initProviders(); err != nil {
		return nil, fmt.Errorf("初始化providers失败: %v", err)
	}

	if config.Server.Auth.Enabled {
		if config.Server.Auth.Token == "" {
			return nil, fmt.Errorf("启用了认证但未配置server.auth.token")
		}
		service.authToken = auth.NewAuthToken(config.Server.Auth.Token)
		if _, err := service.issueStartupToken(); err != nil {
			return nil, err
		}
	}

	uiConfig, err := service.buildUIConfig()
	if err != nil {
		return nil, fmt.Errorf("构建前端配置失败: %v", err)
	}
	service.uiConfigJS = template.JS(uiConfig)

	return service, nil
}

// initProviders 根据selected_module初始化LLM和VLLLM providers
func (s *DefaultImageChatService) initProviders() error {
	selectedLLM := s.config.SelectedModule["LLM"]
	llmConfig, ok := s.config.LLM[selectedLLM]
	if !ok {
		return fmt.Errorf("请设置好LLM provider配置: %q", selectedLLM)
	}

	textProvider, err := llm.Create(llmConfig.Type, &llm.Config{
		Type:        llmConfig.Type,
		ModelName:   llmConfig.ModelName,
		BaseURL:     llmConfig.BaseURL,
		APIKey:      llmConfig.APIKey,
		Temperature: llmConfig.Temperature,
		MaxTokens:   llmConfig.MaxTokens,
		TopP:        llmConfig.TopP,
		Extra:       llmConfig.Extra,
	})
	if err != nil {
		return err
	}
	s.llm = textProvider

	selectedVLLLM := s.config.SelectedModule["VLLLM"]
	vlllmConfig, ok := s.config.VLLLM[selectedVLLLM]
	if !ok {
		return fmt.Errorf("请设置好VLLLM provider配置: %q", selectedVLLLM)
	}

	visionProvider, err := vlllm.NewProvider(&vlllm.Config{
		Type:        vlllmConfig.Type,
		ModelName:   vlllmConfig.ModelName,
		BaseURL:     vlllmConfig.BaseURL,
		APIKey:      vlllmConfig.APIKey,
		Temperature: vlllmConfig.Temperature,
		MaxTokens:   vlllmConfig.MaxTokens,
		TopP:        vlllmConfig.TopP,
		Security:    vlllmConfig.Security,
	}, s.logger)
	if err != nil {
		return err
	}
	if err := visionProvider.Initialize(); err != nil {
		return err
	}
	s.vision = visionProvider

	s.logger.Info(fmt.Sprintf("providers初始化成功: LLM=%s, VLLLM=%s", selectedLLM, selectedVLLLM))
	return nil
}

// buildUIConfig 把注入前端的不可变配置序列化为JSON
func (s *DefaultImageChatService) buildUIConfig() (string, error) {
	maxFileSize := int64(image.DefaultMaxFileSize)
	allowedTypes := []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

	if selected, ok := s.config.VLLLM[s.config.SelectedModule["VLLLM"]]; ok {
		if selected.Security.MaxFileSize > 0 {
			maxFileSize = selected.Security.MaxFileSize
		}
		if len(selected.Security.AllowedFormats) > 0 {
			allowedTypes = allowedTypes[:0]
			for _, format := range selected.Security.AllowedFormats {
				if format == "jpg" {
					continue // jpg与jpeg同一个MIME类型
				}
				allowedTypes = append(allowedTypes, "image/"+format)
			}
		}
	}

	blob := map[string]interface{}{
		"themes":          s.config.Themes,
		"languages":       s.config.Languages,
		"defaultLanguage": s.config.DefaultLanguage,
		"maxFileSize":     maxFileSize,
		"allowedTypes":    allowedTypes,
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Start 实现 ImageChatService 接口，注册所有路由
func (s *DefaultImageChatService) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	// 加载前端页面模板
	indexPath := filepath.Join(s.config.Web.StaticDir, "index.html")
	tmpl, err := template.ParseFiles(indexPath)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("加载前端页面模板失败，使用内置页面: %v", err))
	} else {
		s.indexTmpl = tmpl
	}

	// 两条JSON路由，同时挂在根路径和/api前缀下
	for _, group := range []gin.IRoutes{engine, apiGroup} {
		group.POST("/process-image", s.handleProcessImage)
		group.POST("/chat", s.handleChat)
		group.OPTIONS("/process-image", s.handleOptions)
		group.OPTIONS("/chat", s.handleOptions)
	}

	// 其余请求统一分流：GET返回页面，未注册的POST是路由错误，其他方法一律拒绝
	engine.NoRoute(s.handleNoRoute)

	s.logger.Info("ImageChat HTTP服务路由注册完成")
	return nil
}

// handleNoRoute 处理所有未注册路由的请求
func (s *DefaultImageChatService) handleNoRoute(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodGet:
		s.handleIndex(c)
	case http.MethodPost:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Unhandled route"})
	default:
		c.JSON(http.StatusMethodNotAllowed, ErrorResponse{Error: "Method not allowed"})
	}
}

// handleIndex 返回HTML入口页，启动时加载的配置注入到页面里
func (s *DefaultImageChatService) handleIndex(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")

	if s.indexTmpl == nil {
		c.String(http.StatusOK, fallbackIndexHTML)
		return
	}

	c.Status(http.StatusOK)
	if err := s.indexTmpl.Execute(c.Writer, gin.H{"AppConfig": s.uiConfigJS}); err != nil {
		s.logger.Error(fmt.Sprintf("渲染前端页面失败: %v", err))
	}
}

// handleOptions 处理OPTIONS请求（CORS预检）
func (s *DefaultImageChatService) handleOptions(c *gin.Context) {
	s.addCORSHeaders(c)
	c.Status(http.StatusOK)
}

// handleProcessImage 处理图片分析请求
func (s *DefaultImageChatService) handleProcessImage(c *gin.Context) {
	s.addCORSHeaders(c)

	if !s.checkAuth(c) {
		return
	}

	var req ProcessImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}

	s.logger.Debug("收到图片处理请求", map[string]interface{}{
		"language":     req.Language,
		"payload_size": len(req.Image),
	})

	result, err := s.processImagePipeline(c.Request.Context(), &req)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("图片处理请求失败: %v", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: errorMessage(err)})
		return
	}

	s.logger.Info("图片处理完成", map[string]interface{}{
		"text_len":        len(result.Text),
		"description_len": len(result.Description),
	})
	c.JSON(http.StatusOK, result)
}

// handleChat 处理会话请求
func (s *DefaultImageChatService) handleChat(c *gin.Context) {
	s.addCORSHeaders(c)

	if !s.checkAuth(c) {
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}

	s.logger.Debug("收到会话请求", map[string]interface{}{
		"history_len": len(req.Messages),
	})

	content, err := s.chatPipeline(c.Request.Context(), &req)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("会话请求失败: %v", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: errorMessage(err)})
		return
	}

	// 服务端生成回复消息的ID和时间戳，避免客户端毫秒级ID碰撞
	reply := chat.NewMessage(chat.SenderAI, content)
	c.JSON(http.StatusOK, ChatResponse{
		Message:   reply.Content,
		ID:        reply.ID,
		Timestamp: reply.Timestamp,
	})
}

// issueStartupToken 认证开启时给web客户端签发一个初始访问令牌并写入日志，
// 部署后从日志取令牌配置调用方即可
func (s *DefaultImageChatService) issueStartupToken() (string, error) {
	if s.authToken == nil {
		return "", nil
	}

	token, err := s.authToken.GenerateToken("web-ui")
	if err != nil {
		return "", fmt.Errorf("签发初始访问令牌失败: %v", err)
	}

	s.logger.Info("API认证已开启，初始访问令牌已签发", map[string]interface{}{
		"client_id": "web-ui",
		"token":     token,
	})
	return token, nil
}

// checkAuth 认证开启时验证Bearer令牌，失败直接写出401
func (s *DefaultImageChatService) checkAuth(c *gin.Context) bool {
	if s.authToken == nil {
		return true
	}

	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Missing bearer token"})
		return false
	}

	isValid, clientID, err := s.authToken.VerifyToken(authHeader[len("Bearer "):])
	if err != nil || !isValid {
		s.logger.Warn(fmt.Sprintf("认证失败: %v", err))
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid or expired token"})
		return false
	}

	s.logger.Debug("认证通过", map[string]interface{}{"client_id": clientID})
	return true
}

// addCORSHeaders 添加CORS头
func (s *DefaultImageChatService) addCORSHeaders(c *gin.Context) {
	c.Header("Access-Control-Allow-Headers", "content-type, authorization")
	c.Header("Access-Control-Allow-Credentials", "true")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
}

// errorMessage 提取错误文案，空消息统一兜底
func errorMessage(err error) string {
	if err == nil || strings.TrimSpace(err.Error()) == "" {
		return "Unknown error"
	}
	return err.Error()
}

// Cleanup 清理资源
func (s *DefaultImageChatService) Cleanup() error {
	if provider, ok := s.vision.(*vlllm.Provider); ok {
		if err := provider.Cleanup(); err != nil {
			s.logger.Warn(fmt.Sprintf("清理VLLLM provider失败: %v", err))
		}
	}
	s.logger.Info("ImageChat服务清理完成")
	return nil
}
