package relay

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// headerServiceToken はゲートウェイ通過を証明するサービストークンのHTTPヘッダーキー。
const headerServiceToken = "X-Gateway-Token"

// serviceTokenTTL はサービストークンの有効期間。
// 呼び出しごとに署名し直すため短くてよい。
const serviceTokenTTL = time.Minute

// signServiceToken はゲートウェイを通過したリクエストであることを上流が検証できるよう、
// 短命のHS256トークンを署名する。ユーザー認証とは独立した付加的な仕組みであり、
// 受信側の認証トークンの意味は変えない。
func (c *Client) signServiceToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "tunegate-gateway",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(serviceTokenTTL)),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(c.serviceSecret))
	if err != nil {
		return "", fmt.Errorf("サービストークンの署名に失敗: %w", err)
	}
	return signed, nil
}
