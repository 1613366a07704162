package image

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	"imagechat-server-go/src/configs"
	"imagechat-server-go/src/core/utils"

	_ "image/gif"  // 注册GIF解码器
	_ "image/jpeg" // 注册JPEG解码器
	_ "image/png"  // 注册PNG解码器

	_ "golang.org/x/image/webp" // 注册WEBP解码器
)

// 缺省安全限制，配置未指定时使用
const (
	DefaultMaxFileSize = 5 * 1024 * 1024 // 5MB
	defaultMaxPixels   = 50_000_000
	defaultMaxWidth    = 8192
	defaultMaxHeight   = 8192
)

var defaultAllowedFormats = []string{"jpeg", "jpg", "png", "gif", "webp"}

// 图片格式魔数签名
var imageSignatures = map[string][]byte{
	"jpeg": {0xFF, 0xD8}, // JPEG只需要前两个字节
	"jpg":  {0xFF, 0xD8},
	"png":  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	"gif":  {0x47, 0x49, 0x46, 0x38},
	"webp": {0x52, 0x49, 0x46, 0x46}, // RIFF，还需检查WEBP标识
}

// Validator 图片安全验证器
type Validator struct {
	config *configs.SecurityConfig
	logger *utils.Logger
}

// NewValidator 创建新的图片安全验证器
func NewValidator(config *configs.SecurityConfig, logger *utils.Logger) *Validator {
	return &Validator{
		config: config,
		logger: logger,
	}
}

// ValidateImageData 验证图片数据
func (v *Validator) ValidateImageData(imageData ImageData) ValidationResult {
	result := ValidationResult{IsValid: false}

	if imageData.Data == "" {
		result.Error = fmt.Errorf("missing image data")
		return result
	}

	imageBytes, err := base64.StdEncoding.DecodeString(imageData.Data)
	if err != nil {
		result.Error = fmt.Errorf("invalid base64 image data: %v", err)
		return result
	}

	return v.validateBytes(imageBytes, imageData.Format)
}

// validateBytes 按声明格式验证解码后的图片字节
func (v *Validator) validateBytes(data []byte, declaredFormat string) ValidationResult {
	result := ValidationResult{IsValid: false}

	// 1. 大小检查
	if int64(len(data)) > v.maxFileSize() {
		result.Error = fmt.Errorf("image is too large: %d bytes, maximum is %d bytes",
			len(data), v.maxFileSize())
		v.logger.Warn("检测到超大图片", map[string]interface{}{
			"size":     len(data),
			"max_size": v.maxFileSize(),
			"format":   declaredFormat,
		})
		return result
	}

	// 2. 格式允许列表检查
	if declaredFormat != "" && !v.isFormatAllowed(declaredFormat) {
		result.Error = fmt.Errorf("invalid image type: %s, allowed types are %s",
			declaredFormat, strings.Join(v.allowedFormats(), ", "))
		return result
	}

	// 3. 文件头与声明格式比对，不匹配只告警，以解码结果为准
	if declaredFormat != "" && !v.matchesSignature(data, declaredFormat) {
		v.logger.Warn("文件头与声明格式不匹配，继续尝试解码", map[string]interface{}{
			"declared_format": declaredFormat,
			"actual_header":   fmt.Sprintf("%x", data[:min(len(data), 16)]),
		})
	}

	// 4. 解码验证，这是最可靠的判定方式
	return v.validateDecoding(data, declaredFormat)
}

// matchesSignature 验证文件头签名
func (v *Validator) matchesSignature(data []byte, format string) bool {
	signature, exists := imageSignatures[strings.ToLower(format)]
	if !exists {
		return false
	}

	if len(data) < len(signature) || !bytes.HasPrefix(data, signature) {
		return false
	}

	// WEBP需要额外验证RIFF容器里的标识
	if strings.ToLower(format) == "webp" {
		return len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP"))
	}

	return true
}

// isFormatAllowed 检查格式是否在允许列表中
func (v *Validator) isFormatAllowed(format string) bool {
	formatLower := strings.ToLower(format)
	for _, allowed := range v.allowedFormats() {
		if strings.ToLower(allowed) == formatLower {
			return true
		}
	}
	return false
}

// validateDecoding 解码图片并检查尺寸限制
func (v *Validator) validateDecoding(data []byte, format string) ValidationResult {
	result := ValidationResult{Format: format}

	config, actualFormat, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		result.Error = fmt.Errorf("failed to decode image: %v", err)
		return result
	}

	if actualFormat != "" {
		result.Format = actualFormat
	}

	if config.Width > v.maxWidth() || config.Height > v.maxHeight() {
		result.Error = fmt.Errorf("image dimensions too large: %dx%d, maximum is %dx%d",
			config.Width, config.Height, v.maxWidth(), v.maxHeight())
		return result
	}

	totalPixels := int64(config.Width) * int64(config.Height)
	if totalPixels > v.maxPixels() {
		result.Error = fmt.Errorf("image has too many pixels: %d, maximum is %d",
			totalPixels, v.maxPixels())
		return result
	}

	result.IsValid = true
	result.Width = config.Width
	result.Height = config.Height
	result.FileSize = int64(len(data))

	v.logger.Debug("图片验证成功", map[string]interface{}{
		"format": result.Format,
		"width":  result.Width,
		"height": result.Height,
		"size":   result.FileSize,
	})

	return result
}

func (v *Validator) maxFileSize() int64 {
	if v.config != nil && v.config.MaxFileSize > 0 {
		return v.config.MaxFileSize
	}
	return DefaultMaxFileSize
}

func (v *Validator) maxPixels() int64 {
	if v.config != nil && v.config.MaxPixels > 0 {
		return v.config.MaxPixels
	}
	return defaultMaxPixels
}

func (v *Validator) maxWidth() int {
	if v.config != nil && v.config.MaxWidth > 0 {
		return v.config.MaxWidth
	}
	return defaultMaxWidth
}

func (v *Validator) maxHeight() int {
	if v.config != nil && v.config.MaxHeight > 0 {
		return v.config.MaxHeight
	}
	return defaultMaxHeight
}

func (v *Validator) allowedFormats() []string {
	if v.config != nil && len(v.config.AllowedFormats) > 0 {
		return v.config.AllowedFormats
	}
	return defaultAllowedFormats
}
