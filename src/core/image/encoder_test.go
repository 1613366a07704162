package image

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestEncodeDataURIRoundTrip(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(tinyPNGBase64)
	if err != nil {
		t.Fatalf("解码测试图片失败: %v", err)
	}

	uri := EncodeDataURI(raw, "")
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		t.Fatalf("data URI前缀错误: %s", uri[:min(len(uri), 40)])
	}

	// 同一次编码既是传输载荷也是预览源，解析后必须还原出相同数据
	parsed, err := ParseImagePayload(uri)
	if err != nil {
		t.Fatalf("解析data URI失败: %v", err)
	}
	if parsed.Data != tinyPNGBase64 {
		t.Error("解析出的base64数据与编码前不一致")
	}
	if parsed.Format != "png" {
		t.Errorf("Format = %q, want %q", parsed.Format, "png")
	}
}

func TestParseImagePayload(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantErr    bool
		wantURL    string
		wantData   string
		wantFormat string
	}{
		{
			name:       "jpeg data URI",
			payload:    "data:image/jpeg;base64,AAAA",
			wantData:   "AAAA",
			wantFormat: "jpeg",
		},
		{
			name:    "http URL",
			payload: "https://example.com/cat.png",
			wantURL: "https://example.com/cat.png",
		},
		{
			name:     "裸base64",
			payload:  tinyGIFBase64,
			wantData: tinyGIFBase64,
		},
		{
			name:    "空载荷",
			payload: "   ",
			wantErr: true,
		},
		{
			name:    "缺少逗号的data URI",
			payload: "data:image/png;base64",
			wantErr: true,
		},
		{
			name:    "非base64编码的data URI",
			payload: "data:image/png;utf8,hello",
			wantErr: true,
		},
		{
			name:    "非图片媒体类型",
			payload: "data:text/plain;base64,aGVsbG8=",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseImagePayload(tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Fatal("应该返回错误")
				}
				return
			}
			if err != nil {
				t.Fatalf("解析失败: %v", err)
			}
			if got.URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", got.URL, tt.wantURL)
			}
			if got.Data != tt.wantData {
				t.Errorf("Data = %q, want %q", got.Data, tt.wantData)
			}
			if got.Format != tt.wantFormat {
				t.Errorf("Format = %q, want %q", got.Format, tt.wantFormat)
			}
		})
	}
}

func TestDetectFormat(t *testing.T) {
	pngBytes, _ := base64.StdEncoding.DecodeString(tinyPNGBase64)
	gifBytes, _ := base64.StdEncoding.DecodeString(tinyGIFBase64)

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{name: "png", data: pngBytes, want: "png"},
		{name: "gif", data: gifBytes, want: "gif"},
		{name: "jpeg", data: []byte{0xFF, 0xD8, 0xFF, 0xE0}, want: "jpeg"},
		{name: "webp", data: []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), want: "webp"},
		{name: "未知", data: []byte("plain text"), want: ""},
		{name: "空", data: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFormat(tt.data); got != tt.want {
				t.Errorf("DetectFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}
