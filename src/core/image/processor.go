package image

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"imagechat-server-go/src/configs"
	"imagechat-server-go/src/core/utils"

	"github.com/google/uuid"
)

// Processor 图片处理器，把上传载荷规整为经过验证的base64数据
type Processor struct {
	security   *configs.SecurityConfig
	validator  *Validator
	logger     *utils.Logger
	tempDir    string
	metrics    *ImageMetrics
	httpClient *http.Client
}

// NewProcessor 创建新的图片处理器
func NewProcessor(security *configs.SecurityConfig, logger *utils.Logger) (*Processor, error) {
	// 创建临时目录
	tempDir := filepath.Join("tmp", "images")
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("创建临时目录失败: %v", err)
	}

	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// 限制重定向次数为3次
			if len(via) >= 3 {
				return fmt.Errorf("stopped after 3 redirects")
			}
			return nil
		},
	}

	return &Processor{
		security:   security,
		validator:  NewValidator(security, logger),
		logger:     logger,
		tempDir:    tempDir,
		metrics:    &ImageMetrics{},
		httpClient: httpClient,
	}, nil
}

// ProcessImage 处理图片数据，返回验证通过的规整ImageData（Data为base64，Format为实际格式）
func (p *Processor) ProcessImage(ctx context.Context, imageData ImageData) (ImageData, error) {
	atomic.AddInt64(&p.metrics.TotalProcessed, 1)

	var finalImageData ImageData

	switch {
	case imageData.URL != "":
		atomic.AddInt64(&p.metrics.URLDownloads, 1)

		base64Data, err := p.downloadToBase64(ctx, imageData.URL)
		if err != nil {
			atomic.AddInt64(&p.metrics.FailedValidations, 1)
			return ImageData{}, fmt.Errorf("failed to fetch image from URL: %v", err)
		}
		finalImageData = ImageData{Data: base64Data, Format: imageData.Format}

	case imageData.Data != "":
		atomic.AddInt64(&p.metrics.Base64Direct, 1)
		finalImageData = imageData

	default:
		return ImageData{}, fmt.Errorf("image payload has neither URL nor base64 data")
	}

	// 声明格式缺失时从字节头检测
	if finalImageData.Format == "" {
		if raw, err := base64.StdEncoding.DecodeString(finalImageData.Data); err == nil {
			finalImageData.Format = DetectFormat(raw)
		}
	}

	// 安全验证
	validationResult := p.validator.ValidateImageData(finalImageData)
	if !validationResult.IsValid {
		atomic.AddInt64(&p.metrics.FailedValidations, 1)
		return ImageData{}, validationResult.Error
	}

	if validationResult.Format != "" {
		finalImageData.Format = validationResult.Format
	}

	p.logger.Debug("图片处理完成", map[string]interface{}{
		"format":    validationResult.Format,
		"width":     validationResult.Width,
		"height":    validationResult.Height,
		"file_size": validationResult.FileSize,
	})

	return finalImageData, nil
}

// downloadToBase64 下载URL图片并转为base64
func (p *Processor) downloadToBase64(ctx context.Context, url string) (string, error) {
	// 下载到唯一命名的临时文件，结束后删除
	tempPath := filepath.Join(p.tempDir, fmt.Sprintf("img_%d_%s", time.Now().UnixNano(), uuid.New().String()))
	defer func() {
		if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("删除临时文件失败", map[string]interface{}{
				"path":  tempPath,
				"error": err.Error(),
			})
		}
	}()

	if err := p.downloadImage(ctx, url, tempPath); err != nil {
		return "", err
	}

	imageData, err := os.ReadFile(tempPath)
	if err != nil {
		return "", fmt.Errorf("读取临时文件失败: %v", err)
	}

	return base64.StdEncoding.EncodeToString(imageData), nil
}

// downloadImage 下载图片到临时文件
func (p *Processor) downloadImage(ctx context.Context, url string, tempPath string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("创建请求失败: %v", err)
	}

	req.Header.Set("User-Agent", "ImageChat-Bot/1.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP响应错误: %d %s", resp.StatusCode, resp.Status)
	}

	if resp.ContentLength > p.maxFileSize() {
		return fmt.Errorf("文件过大: %d bytes，最大允许: %d bytes",
			resp.ContentLength, p.maxFileSize())
	}

	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %v", err)
	}
	defer tempFile.Close()

	// LimitReader防止无限下载
	limitedReader := io.LimitReader(resp.Body, p.maxFileSize()+1)
	written, err := io.Copy(tempFile, limitedReader)
	if err != nil {
		return fmt.Errorf("下载文件失败: %v", err)
	}
	if written > p.maxFileSize() {
		return fmt.Errorf("文件过大: 超过最大允许 %d bytes", p.maxFileSize())
	}

	p.logger.Info("图片下载完成", map[string]interface{}{
		"url":  url,
		"size": written,
	})

	return nil
}

func (p *Processor) maxFileSize() int64 {
	if p.security != nil && p.security.MaxFileSize > 0 {
		return p.security.MaxFileSize
	}
	return DefaultMaxFileSize
}

// GetMetrics 获取处理统计信息
func (p *Processor) GetMetrics() ImageMetrics {
	return ImageMetrics{
		TotalProcessed:    atomic.LoadInt64(&p.metrics.TotalProcessed),
		URLDownloads:      atomic.LoadInt64(&p.metrics.URLDownloads),
		Base64Direct:      atomic.LoadInt64(&p.metrics.Base64Direct),
		FailedValidations: atomic.LoadInt64(&p.metrics.FailedValidations),
	}
}

// Cleanup 清理超过1小时的临时文件
func (p *Processor) Cleanup() error {
	entries, err := os.ReadDir(p.tempDir)
	if err != nil {
		return fmt.Errorf("读取临时目录失败: %v", err)
	}

	now := time.Now()
	cleanedCount := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if now.Sub(info.ModTime()) > time.Hour {
			filePath := filepath.Join(p.tempDir, entry.Name())
			if err := os.Remove(filePath); err != nil {
				p.logger.Warn("删除过期临时文件失败", map[string]interface{}{
					"path":  filePath,
					"error": err.Error(),
				})
			} else {
				cleanedCount++
			}
		}
	}

	if cleanedCount > 0 {
		p.logger.Info("清理临时文件完成", map[string]interface{}{
			"cleaned_count": cleanedCount,
		})
	}

	return nil
}
