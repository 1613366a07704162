package imagechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"imagechat-server-go/src/configs"
	"imagechat-server-go/src/core/auth"
	"imagechat-server-go/src/core/chat"
	"imagechat-server-go/src/core/image"
	"imagechat-server-go/src/core/types"
	"imagechat-server-go/src/core/utils"

	"github.com/gin-gonic/gin"
)

// 1x1透明PNG的data URI
const tinyPNGDataURI = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

type visionCall struct {
	messages    []types.Message
	instruction string
}

// fakeVision 按调用顺序返回预置的结果
type fakeVision struct {
	responses []string
	errs      []error
	calls     []visionCall
}

func (f *fakeVision) ResponseWithImage(ctx context.Context, messages []types.Message, imageData image.ImageData, instruction string) (string, error) {
	i := len(f.calls)
	f.calls = append(f.calls, visionCall{messages: messages, instruction: instruction})
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", nil
}

// fakeLLM 记录收到的消息序列并返回预置结果
type fakeLLM struct {
	response string
	err      error
	calls    [][]types.Message
}

func (f *fakeLLM) Response(ctx context.Context, messages []types.Message) (string, error) {
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newTestLogger(t *testing.T) *utils.Logger {
	t.Helper()
	config := &configs.Config{}
	config.Log.LogDir = t.TempDir()
	config.Log.LogFile = "test.log"
	config.Log.LogLevel = "ERROR"
	logger, err := utils.NewLogger(config)
	if err != nil {
		t.Fatalf("创建测试logger失败: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

func newTestService(t *testing.T, textProvider TextCompleter, visionProvider VisionCompleter) *DefaultImageChatService {
	t.Helper()
	config := &configs.Config{}
	config.DefaultLanguage = "en"
	config.Web.StaticDir = t.TempDir() // 没有index.html，使用内置页面

	return &DefaultImageChatService{
		logger: newTestLogger(t),
		config: config,
		llm:    textProvider,
		vision: visionProvider,
	}
}

func newTestEngine(t *testing.T, service *DefaultImageChatService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	apiGroup := engine.Group("/api")
	if err := service.Start(context.Background(), engine, apiGroup); err != nil {
		t.Fatalf("Start失败: %v", err)
	}
	return engine
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("序列化请求体失败: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestProcessImageEmptyModelContentFallbacks(t *testing.T) {
	vision := &fakeVision{responses: []string{"", ""}}
	service := newTestService(t, &fakeLLM{}, vision)
	engine := newTestEngine(t, service)

	w := doJSON(t, engine, http.MethodPost, "/process-image", ProcessImageRequest{Image: tinyPNGDataURI})

	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, want 200, body: %s", w.Code, w.Body.String())
	}

	var got map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}

	want := map[string]string{
		"text":        "No text found",
		"description": "Unable to generate a description based on the extracted text.",
	}
	if len(got) != len(want) || got["text"] != want["text"] || got["description"] != want["description"] {
		t.Errorf("响应 = %v, want %v", got, want)
	}
}

func TestProcessImageTrimsModelContent(t *testing.T) {
	vision := &fakeVision{responses: []string{"  HELLO WORLD \n", "\tA sign saying hello.\n"}}
	service := newTestService(t, &fakeLLM{}, vision)
	engine := newTestEngine(t, service)

	w := doJSON(t, engine, http.MethodPost, "/process-image", ProcessImageRequest{Image: tinyPNGDataURI})

	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, want 200", w.Code)
	}

	var got ProcessImageResult
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if got.Text != "HELLO WORLD" {
		t.Errorf("Text = %q", got.Text)
	}
	if got.Description != "A sign saying hello." {
		t.Errorf("Description = %q", got.Description)
	}

	// 两次调用严格串行，第二步的提示词带上第一步的结果
	if len(vision.calls) != 2 {
		t.Fatalf("vision调用次数 = %d, want 2", len(vision.calls))
	}
	if !strings.Contains(vision.calls[1].messages[0].Content, "HELLO WORLD") {
		t.Error("描述生成的系统提示词应包含提取出的文字")
	}
	if !strings.Contains(vision.calls[1].instruction, "Language: en") {
		t.Error("描述生成的指令应包含目标语言")
	}
}

func TestProcessImageTranslatesForNonEnglishLanguage(t *testing.T) {
	vision := &fakeVision{responses: []string{"HELLO", "a greeting"}}
	textProvider := &fakeLLM{response: " HOLA "}
	service := newTestService(t, textProvider, vision)
	engine := newTestEngine(t, service)

	w := doJSON(t, engine, http.MethodPost, "/process-image",
		ProcessImageRequest{Image: tinyPNGDataURI, Language: "es"})

	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, want 200", w.Code)
	}

	var got ProcessImageResult
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if got.TranslatedText != "HOLA" {
		t.Errorf("TranslatedText = %q, want %q", got.TranslatedText, "HOLA")
	}

	if len(textProvider.calls) != 1 {
		t.Fatalf("LLM调用次数 = %d, want 1", len(textProvider.calls))
	}
	lastMsg := textProvider.calls[0][len(textProvider.calls[0])-1]
	if !strings.Contains(lastMsg.Content, "HELLO") || !strings.Contains(lastMsg.Content, `"es"`) {
		t.Errorf("翻译请求应包含原文和目标语言, got: %s", lastMsg.Content)
	}
}

func TestProcessImageProviderErrorReturns500(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantError string
	}{
		{name: "带消息的错误", err: errors.New("completion service exploded"), wantError: "completion service exploded"},
		{name: "空消息错误", err: errors.New(""), wantError: "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vision := &fakeVision{errs: []error{tt.err}}
			service := newTestService(t, &fakeLLM{}, vision)
			engine := newTestEngine(t, service)

			w := doJSON(t, engine, http.MethodPost, "/process-image", ProcessImageRequest{Image: tinyPNGDataURI})

			if w.Code != http.StatusInternalServerError {
				t.Fatalf("状态码 = %d, want 500", w.Code)
			}
			var got ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("解析响应失败: %v", err)
			}
			if got.Error != tt.wantError {
				t.Errorf("error = %q, want %q", got.Error, tt.wantError)
			}
		})
	}
}

func TestProcessImageRejectsMalformedBody(t *testing.T) {
	service := newTestService(t, &fakeLLM{}, &fakeVision{})
	engine := newTestEngine(t, service)

	req := httptest.NewRequest(http.MethodPost, "/process-image", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("状态码 = %d, want 400", w.Code)
	}
}

func TestChatReplaysTranscriptInOrder(t *testing.T) {
	textProvider := &fakeLLM{response: "sure!"}
	service := newTestService(t, textProvider, &fakeVision{})
	engine := newTestEngine(t, service)

	reqBody := ChatRequest{
		Messages: []chat.Message{
			{ID: "1", Content: "hi", Sender: chat.SenderUser, Timestamp: 1},
			{ID: "2", Content: "hey there", Sender: chat.SenderAI, Timestamp: 2},
		},
		NewMessage: "hello",
		ImageContext: ImageContext{
			Description: "a street sign",
			Text:        "STOP",
		},
	}

	w := doJSON(t, engine, http.MethodPost, "/chat", reqBody)
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, want 200, body: %s", w.Code, w.Body.String())
	}

	if len(textProvider.calls) != 1 {
		t.Fatalf("LLM调用次数 = %d, want 1", len(textProvider.calls))
	}
	dialogue := textProvider.calls[0]

	wantRoles := []string{types.RoleSystem, types.RoleUser, types.RoleAssistant, types.RoleUser}
	if len(dialogue) != len(wantRoles) {
		t.Fatalf("消息数 = %d, want %d", len(dialogue), len(wantRoles))
	}
	for i, want := range wantRoles {
		if dialogue[i].Role != want {
			t.Errorf("dialogue[%d].Role = %q, want %q", i, dialogue[i].Role, want)
		}
	}

	// 系统上下文在最前并携带图片信息，新消息是最后一条
	if !strings.Contains(dialogue[0].Content, "a street sign") || !strings.Contains(dialogue[0].Content, "STOP") {
		t.Error("系统提示词应包含图片描述和文字")
	}
	if dialogue[len(dialogue)-1].Content != "hello" {
		t.Errorf("最后一条消息 = %q, want %q", dialogue[len(dialogue)-1].Content, "hello")
	}

	var got ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if got.Message != "sure!" {
		t.Errorf("Message = %q, want %q", got.Message, "sure!")
	}
	if got.ID == "" || got.Timestamp <= 0 {
		t.Error("响应应带服务端生成的消息ID和时间戳")
	}
}

func TestChatEmptyModelContentFallback(t *testing.T) {
	textProvider := &fakeLLM{response: "   "}
	service := newTestService(t, textProvider, &fakeVision{})
	engine := newTestEngine(t, service)

	w := doJSON(t, engine, http.MethodPost, "/chat", ChatRequest{NewMessage: "hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, want 200", w.Code)
	}

	var got ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if got.Message != "I'm not sure how to respond." {
		t.Errorf("Message = %q", got.Message)
	}
}

func TestChatProviderErrorReturns500(t *testing.T) {
	textProvider := &fakeLLM{err: errors.New("upstream timeout")}
	service := newTestService(t, textProvider, &fakeVision{})
	engine := newTestEngine(t, service)

	w := doJSON(t, engine, http.MethodPost, "/chat", ChatRequest{NewMessage: "hello"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("状态码 = %d, want 500", w.Code)
	}

	var got ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if got.Error != "upstream timeout" {
		t.Errorf("error = %q, want %q", got.Error, "upstream timeout")
	}
}

func TestUnhandledPostRouteReturns400(t *testing.T) {
	service := newTestService(t, &fakeLLM{}, &fakeVision{})
	engine := newTestEngine(t, service)

	w := doJSON(t, engine, http.MethodPost, "/does-not-exist", gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("状态码 = %d, want 400", w.Code)
	}

	var got ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if got.Error != "Unhandled route" {
		t.Errorf("error = %q, want %q", got.Error, "Unhandled route")
	}
}

func TestUnsupportedMethodReturns405(t *testing.T) {
	service := newTestService(t, &fakeLLM{}, &fakeVision{})
	engine := newTestEngine(t, service)

	for _, path := range []string{"/", "/chat", "/anything/else"} {
		t.Run(path, func(t *testing.T) {
			w := doJSON(t, engine, http.MethodDelete, path, nil)
			if w.Code != http.StatusMethodNotAllowed {
				t.Fatalf("状态码 = %d, want 405", w.Code)
			}

			var got ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("解析响应失败: %v", err)
			}
			if got.Error != "Method not allowed" {
				t.Errorf("error = %q, want %q", got.Error, "Method not allowed")
			}
		})
	}
}

func TestGetAnyPathReturnsHTMLShell(t *testing.T) {
	service := newTestService(t, &fakeLLM{}, &fakeVision{})
	engine := newTestEngine(t, service)

	for _, path := range []string{"/", "/index", "/some/deep/path"} {
		t.Run(path, func(t *testing.T) {
			w := doJSON(t, engine, http.MethodGet, path, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("状态码 = %d, want 200", w.Code)
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
				t.Errorf("Content-Type = %q, want text/html", ct)
			}
		})
	}
}

func TestIndexTemplateInjectsUIConfig(t *testing.T) {
	service := newTestService(t, &fakeLLM{}, &fakeVision{})
	service.uiConfigJS = `{"defaultLanguage":"en"}`

	// 写一个带注入点的页面模板
	dir := service.config.Web.StaticDir
	tmplContent := `<!DOCTYPE html><html><head><script>window.APP_CONFIG = {{.AppConfig}};</script></head><body></body></html>`
	if err := writeFile(dir+"/index.html", tmplContent); err != nil {
		t.Fatalf("写入模板失败: %v", err)
	}

	engine := newTestEngine(t, service)
	w := doJSON(t, engine, http.MethodGet, "/", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `window.APP_CONFIG = {"defaultLanguage":"en"};`) {
		t.Errorf("页面应包含注入的配置, body: %s", w.Body.String())
	}
}

func TestRoutesAlsoRegisteredUnderAPIPrefix(t *testing.T) {
	textProvider := &fakeLLM{response: "sure!"}
	vision := &fakeVision{responses: []string{"HELLO", "a greeting"}}
	service := newTestService(t, textProvider, vision)
	engine := newTestEngine(t, service)

	t.Run("POST /api/chat", func(t *testing.T) {
		w := doJSON(t, engine, http.MethodPost, "/api/chat", ChatRequest{NewMessage: "hello"})
		if w.Code != http.StatusOK {
			t.Fatalf("状态码 = %d, want 200, body: %s", w.Code, w.Body.String())
		}

		var got ChatResponse
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatalf("解析响应失败: %v", err)
		}
		if got.Message != "sure!" {
			t.Errorf("Message = %q, want %q", got.Message, "sure!")
		}
	})

	t.Run("POST /api/process-image", func(t *testing.T) {
		w := doJSON(t, engine, http.MethodPost, "/api/process-image", ProcessImageRequest{Image: tinyPNGDataURI})
		if w.Code != http.StatusOK {
			t.Fatalf("状态码 = %d, want 200, body: %s", w.Code, w.Body.String())
		}

		var got ProcessImageResult
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatalf("解析响应失败: %v", err)
		}
		if got.Text != "HELLO" {
			t.Errorf("Text = %q, want %q", got.Text, "HELLO")
		}
	})
}

func TestIssueStartupToken(t *testing.T) {
	t.Run("认证开启时签发可验证的令牌", func(t *testing.T) {
		service := newTestService(t, &fakeLLM{}, &fakeVision{})
		service.authToken = auth.NewAuthToken("test-secret")

		token, err := service.issueStartupToken()
		if err != nil {
			t.Fatalf("issueStartupToken失败: %v", err)
		}
		if token == "" {
			t.Fatal("签发的令牌不应为空")
		}

		isValid, clientID, err := service.authToken.VerifyToken(token)
		if err != nil || !isValid {
			t.Fatalf("签发的令牌应通过验证: %v", err)
		}
		if clientID != "web-ui" {
			t.Errorf("client_id = %q, want %q", clientID, "web-ui")
		}
	})

	t.Run("认证关闭时不签发", func(t *testing.T) {
		service := newTestService(t, &fakeLLM{}, &fakeVision{})

		token, err := service.issueStartupToken()
		if err != nil {
			t.Fatalf("issueStartupToken失败: %v", err)
		}
		if token != "" {
			t.Error("认证关闭时不应签发令牌")
		}
	})
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	textProvider := &fakeLLM{response: "ok"}
	service := newTestService(t, textProvider, &fakeVision{})
	service.authToken = auth.NewAuthToken("test-secret")
	engine := newTestEngine(t, service)

	t.Run("缺少令牌返回401", func(t *testing.T) {
		w := doJSON(t, engine, http.MethodPost, "/chat", ChatRequest{NewMessage: "hello"})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("状态码 = %d, want 401", w.Code)
		}
	})

	t.Run("有效令牌放行", func(t *testing.T) {
		token, err := service.authToken.GenerateToken("web-client")
		if err != nil {
			t.Fatalf("签发token失败: %v", err)
		}

		data, _ := json.Marshal(ChatRequest{NewMessage: "hello"})
		req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("状态码 = %d, want 200, body: %s", w.Code, w.Body.String())
		}
	})
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
