package image

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeDataURI 将图片字节编码为自包含的data URI
func EncodeDataURI(data []byte, format string) string {
	if format == "" {
		format = DetectFormat(data)
	}
	return fmt.Sprintf("data:image/%s;base64,%s", format, base64.StdEncoding.EncodeToString(data))
}

// ParseImagePayload 解析上传的图片载荷。
// 支持三种形式：data URI、http(s) URL、裸base64字符串。
func ParseImagePayload(payload string) (ImageData, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return ImageData{}, fmt.Errorf("image payload is empty")
	}

	if strings.HasPrefix(payload, "data:") {
		return parseDataURI(payload)
	}

	if strings.HasPrefix(payload, "http://") || strings.HasPrefix(payload, "https://") {
		return ImageData{URL: payload}, nil
	}

	// 裸base64，格式留空等待从字节头检测
	return ImageData{Data: payload}, nil
}

// parseDataURI 解析 data:image/<fmt>;base64,<data> 形式的URI
func parseDataURI(uri string) (ImageData, error) {
	meta, encoded, found := strings.Cut(uri, ",")
	if !found {
		return ImageData{}, fmt.Errorf("malformed data URI: missing comma separator")
	}

	meta = strings.TrimPrefix(meta, "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return ImageData{}, fmt.Errorf("malformed data URI: only base64 encoding is supported")
	}

	mediaType := strings.TrimSuffix(meta, ";base64")
	format := strings.TrimPrefix(mediaType, "image/")
	if format == mediaType {
		return ImageData{}, fmt.Errorf("unsupported media type: %s", mediaType)
	}

	return ImageData{Data: encoded, Format: format}, nil
}

// DetectFormat 从文件头检测图片格式，识别失败时返回空字符串
func DetectFormat(data []byte) string {
	switch {
	case hasJPEGHeader(data):
		return "jpeg"
	case hasPNGHeader(data):
		return "png"
	case hasGIFHeader(data):
		return "gif"
	case hasWebPHeader(data):
		return "webp"
	default:
		return ""
	}
}

// hasJPEGHeader 检查JPEG文件头
func hasJPEGHeader(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8
}

// hasPNGHeader 检查PNG文件头
func hasPNGHeader(data []byte) bool {
	return len(data) >= 8 &&
		data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 &&
		data[4] == 0x0D && data[5] == 0x0A && data[6] == 0x1A && data[7] == 0x0A
}

// hasGIFHeader 检查GIF文件头
func hasGIFHeader(data []byte) bool {
	return len(data) >= 6 &&
		((data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38 && data[4] == 0x37 && data[5] == 0x61) ||
			(data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38 && data[4] == 0x39 && data[5] == 0x61))
}

// hasWebPHeader 检查WebP文件头
func hasWebPHeader(data []byte) bool {
	return len(data) >= 12 &&
		data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
		data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50
}
