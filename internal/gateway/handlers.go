package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/tunegate/pkg/relay"
)

// respondRelayError は上流呼び出しの失敗をHTTPレスポンスへ変換する。
// 上流の非2xxはステータスとメッセージを概ねそのまま透過し（デバッグ容易性を優先）、
// トランスポート障害は502に正規化する。どの失敗も必ず {"error": ...} ボディを持つ。
func respondRelayError(c *gin.Context, err error) {
	var upErr *relay.UpstreamError
	if errors.As(err, &upErr) {
		c.JSON(upErr.Status, gin.H{"error": upErr.Message})
		return
	}
	log.Printf("[Gateway] 上流サービスとの通信に失敗: %v", err)
	c.JSON(http.StatusBadGateway, gin.H{"error": "Upstream service unavailable"})
}

// bindOptionalJSON はJSONボディをmapに読み込む。ボディが空の場合はnilを返す。
func bindOptionalJSON(c *gin.Context) (map[string]any, error) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return body, nil
}

// handleRelayGet は上流のGETエンドポイントへそのまま中継するハンドラを返す。
func (s *Server) handleRelayGet(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.relay.Call(s.relayContext(c), http.MethodGet, endpoint, nil)
		if err != nil {
			respondRelayError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", result)
	}
}

// handleRelayGetParam はURLパラメータを連結して上流のGETエンドポイントへ中継するハンドラを返す。
func (s *Server) handleRelayGetParam(endpointPrefix, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoint := endpointPrefix + url.PathEscape(c.Param(paramName))
		result, err := s.relay.Call(s.relayContext(c), http.MethodGet, endpoint, nil)
		if err != nil {
			respondRelayError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", result)
	}
}

// handleRelayPost はJSONボディを上流のPOSTエンドポイントへそのまま中継するハンドラを返す。
func (s *Server) handleRelayPost(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := bindOptionalJSON(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		var payload any
		if len(body) > 0 {
			payload = body
		}
		result, err := s.relay.Call(s.relayContext(c), http.MethodPost, endpoint, payload)
		if err != nil {
			respondRelayError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", result)
	}
}

// mergeToken は上流のJSONレスポンスに発行済みトークンを合成する。
// 上流のボディがオブジェクトでない場合はトークンのみのオブジェクトになる。
func mergeToken(raw json.RawMessage, tok string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		m = map[string]any{}
	}
	m["token"] = tok
	return m
}
