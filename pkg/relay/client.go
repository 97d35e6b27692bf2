package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// UpstreamError は上流サービスが返した非2xx応答を表す。
// HTTPステータスと、レスポンスボディから抽出したメッセージを保持する。
type UpstreamError struct {
	// Status は上流サービスが返したHTTPステータスコード。
	Status int
	// Message はレスポンスボディから抽出したエラーメッセージ。
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status=%d, message=%s", e.Status, e.Message)
}

// successBody は非JSONの2xx応答を正規化するための固定の成功レスポンス。
var successBody = json.RawMessage(`{"success":true}`)

// Client は上流サービスへのHTTPリレークライアント。
// 設定は起動時に一度だけ行われ、以降は不変。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は上流サービスのベースURL。
	baseURL string
	// serviceSecret はゲートウェイ通過を証明するサービストークンの署名鍵。
	// 空の場合はトークンを付与しない。
	serviceSecret string
}

// New は新しいリレークライアントを生成する。
// baseURLには上流サービスのベースURL（例: "http://localhost:5000"）を指定する。
func New(baseURL, serviceSecret string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		serviceSecret: serviceSecret,
	}
}

// Call は上流サービスのエンドポイントを呼び出し、正規化したJSONボディを返す。
// GET以外のメソッドではbodyをJSONシリアライズして送信し、GETではボディを付けない。
func (c *Client) Call(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	return c.CallWithFallback(ctx, method, endpoint, body, "")
}

// CallWithFallback はCallと同様に上流を呼び出すが、主エンドポイントが404を返した場合に
// フォールバック先へ同じメソッド・同じボディで一度だけ再試行する。
// 404以外の失敗、およびフォールバック先の失敗は再試行せずそのまま返す。
func (c *Client) CallWithFallback(ctx context.Context, method, endpoint string, body any, fallbackEndpoint string) (json.RawMessage, error) {
	var payload []byte
	if method != http.MethodGet && body != nil {
		p, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		payload = p
	}

	result, upErr, err := c.once(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}
	if upErr != nil && upErr.Status == http.StatusNotFound && fallbackEndpoint != "" {
		log.Printf("[Relay] 主エンドポイントが404のためフォールバックへ再試行: %s -> %s", endpoint, fallbackEndpoint)
		result, upErr, err = c.once(ctx, method, fallbackEndpoint, payload)
		if err != nil {
			return nil, err
		}
	}
	if upErr != nil {
		return nil, upErr
	}
	return result, nil
}

// ForwardAuthorized は受信したAuthorizationヘッダーをそのまま付けて
// 上流のエンドポイントへGETリクエストを送信する。
// 2xx以外の応答は*UpstreamError、ネットワーク障害はラップしたエラーとして返す。
func (c *Client) ForwardAuthorized(ctx context.Context, endpoint, authorization string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+normalizeEndpoint(endpoint), nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Authorization", authorization)
	c.setGatewayHeaders(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &UpstreamError{Status: resp.StatusCode, Message: extractErrorMessage(respBody)}
	}
	return nil
}

// once は1回分の上流呼び出しを実行する。
// 戻り値は (正規化済みボディ, 上流の非2xx応答, トランスポート層のエラー) で、
// 呼び出し側が404フォールバックを判断できるよう非2xx応答はエラーと区別して返す。
func (c *Client) once(ctx context.Context, method, endpoint string, payload []byte) (json.RawMessage, *UpstreamError, error) {
	var bodyReader io.Reader
	if method != http.MethodGet && payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	url := c.baseURL + normalizeEndpoint(endpoint)
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setGatewayHeaders(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode, Message: extractErrorMessage(respBody)}, nil
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/json") || !json.Valid(respBody) {
		log.Printf("[Relay] 上流が非JSONの2xx応答を返した: url=%s, content-type=%s", url, contentType)
		return successBody, nil, nil
	}
	return json.RawMessage(respBody), nil, nil
}

// setGatewayHeaders はゲートウェイ発のリクエストに共通ヘッダーを付与する。
// サービストークンと、コンテキストにあればリクエストIDを転送する。
func (c *Client) setGatewayHeaders(ctx context.Context, req *http.Request) {
	if c.serviceSecret != "" {
		if svc, err := c.signServiceToken(); err == nil {
			req.Header.Set(headerServiceToken, svc)
		} else {
			log.Printf("[Relay] サービストークンの署名に失敗: %v", err)
		}
	}
	if rid, ok := ctx.Value(contextKeyRequestID).(string); ok && rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}
}

// normalizeEndpoint はエンドポイントが必ず"/"で始まるように正規化する。
func normalizeEndpoint(endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		return "/" + endpoint
	}
	return endpoint
}

// extractErrorMessage はエラーレスポンスのボディからメッセージを抽出する。
// JSONとして解釈できれば error / message フィールドを優先し、
// できなければ生のテキストをそのまま使う。
func extractErrorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return strings.TrimSpace(string(body))
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyRequestID はコンテキストにリクエストIDを格納するためのキー。
const contextKeyRequestID contextKey = "request_id"

// WithRequestID はコンテキストにリクエストIDを設定する。
// 上流サービスへのリクエストにX-Request-IDとして伝播される。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}
