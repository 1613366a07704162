package auth

import (
	"testing"
)

func TestGenerateAndVerifyToken(t *testing.T) {
	at := NewAuthToken("test-secret-key")

	tokenString, err := at.GenerateToken("web-client-01")
	if err != nil {
		t.Fatalf("GenerateToken失败: %v", err)
	}
	if tokenString == "" {
		t.Fatal("生成的token为空")
	}

	isValid, clientID, err := at.VerifyToken(tokenString)
	if err != nil {
		t.Fatalf("VerifyToken失败: %v", err)
	}
	if !isValid {
		t.Error("token应该有效")
	}
	if clientID != "web-client-01" {
		t.Errorf("client_id = %q, want %q", clientID, "web-client-01")
	}
}

func TestVerifyTokenRejectsOtherKey(t *testing.T) {
	at := NewAuthToken("key-a")
	other := NewAuthToken("key-b")

	tokenString, err := at.GenerateToken("web-client-01")
	if err != nil {
		t.Fatalf("GenerateToken失败: %v", err)
	}

	isValid, _, err := other.VerifyToken(tokenString)
	if err == nil {
		t.Error("使用不同密钥验证应该返回错误")
	}
	if isValid {
		t.Error("使用不同密钥验证不应通过")
	}
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	at := NewAuthToken("test-secret-key")

	isValid, _, err := at.VerifyToken("not-a-jwt")
	if err == nil {
		t.Error("无效token应该返回错误")
	}
	if isValid {
		t.Error("无效token不应通过验证")
	}
}
