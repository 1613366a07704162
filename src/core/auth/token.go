package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthToken API访问令牌工具，HS256签名
type AuthToken struct {
	secretKey []byte
}

func NewAuthToken(secretKey string) *AuthToken {
	return &AuthToken{
		secretKey: []byte(secretKey),
	}
}

// GenerateToken 为客户端签发一个有效期24小时的访问令牌
func (at *AuthToken) GenerateToken(clientID string) (string, error) {
	expireTime := time.Now().Add(24 * time.Hour)

	claims := jwt.MapClaims{
		"client_id": clientID,
		"exp":       expireTime.Unix(),
		"iat":       time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(at.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// VerifyToken 验证令牌并返回其中的客户端ID
func (at *AuthToken) VerifyToken(tokenString string) (bool, string, error) {
	if at == nil || len(at.secretKey) == 0 {
		return false, "", errors.New("secret key is not initialized")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// 只接受HMAC签名
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return at.secretKey, nil
	})

	if err != nil {
		return false, "", fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return false, "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false, "", errors.New("invalid claims")
	}

	clientID, ok := claims["client_id"].(string)
	if !ok {
		return false, "", errors.New("invalid client_id in claims")
	}

	return true, clientID, nil
}
