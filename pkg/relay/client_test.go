package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

// recordedRequest はテストサーバーが受け取ったリクエスト情報を保持する構造体。
type recordedRequest struct {
	// Method はHTTPメソッド。
	Method string
	// Path はリクエストパス。
	Path string
	// Body はリクエストボディ。
	Body []byte
	// Headers はリクエストヘッダー。
	Headers http.Header
}

// TestNew はNew関数でクライアントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("クライアントが正常に生成されること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:5000", "svc-secret")
		if client == nil {
			t.Fatal("New()がnilを返した")
		}
		if client.baseURL != "http://localhost:5000" {
			t.Errorf("baseURL = %q, want %q", client.baseURL, "http://localhost:5000")
		}
		if client.httpClient == nil {
			t.Fatal("httpClientがnil")
		}
	})

	t.Run("ベースURL末尾のスラッシュが除去されること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:5000/", "")
		if client.baseURL != "http://localhost:5000" {
			t.Errorf("baseURL = %q, want %q", client.baseURL, "http://localhost:5000")
		}
	})

	t.Run("タイムアウトが30秒に設定されていること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:5000", "")
		if client.httpClient.Timeout.Seconds() != 30 {
			t.Errorf("Timeout = %v, want 30s", client.httpClient.Timeout)
		}
	})
}

// TestCall はCall関数の基本動作を検証する。
func TestCall(t *testing.T) {
	t.Parallel()

	t.Run("POSTでJSONボディが送信されること", func(t *testing.T) {
		t.Parallel()

		var received recordedRequest
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received.Method = r.Method
			received.Path = r.URL.Path
			received.Body, _ = io.ReadAll(r.Body)
			received.Headers = r.Header.Clone()

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		result, err := client.Call(context.Background(), http.MethodPost, "/registerUser", map[string]string{"email": "a@x.com"})
		if err != nil {
			t.Fatalf("Call()がエラーを返した: %v", err)
		}

		if received.Method != http.MethodPost {
			t.Errorf("メソッド: got %q, want POST", received.Method)
		}
		if received.Headers.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type: got %q, want application/json", received.Headers.Get("Content-Type"))
		}
		var body map[string]string
		if err := json.Unmarshal(received.Body, &body); err != nil {
			t.Fatalf("送信ボディのパースに失敗: %v", err)
		}
		if body["email"] != "a@x.com" {
			t.Errorf("送信ボディ: got %q, want %q", body["email"], "a@x.com")
		}
		if string(result) != `{"ok":true}` {
			t.Errorf("結果: got %s, want %s", result, `{"ok":true}`)
		}
	})

	t.Run("GETではボディが送信されないこと", func(t *testing.T) {
		t.Parallel()

		var received recordedRequest
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received.Body, _ = io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[]`))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		// GETではbodyを渡しても無視される
		if _, err := client.Call(context.Background(), http.MethodGet, "/getAllSongs", map[string]string{"ignored": "x"}); err != nil {
			t.Fatalf("Call()がエラーを返した: %v", err)
		}
		if len(received.Body) != 0 {
			t.Errorf("GETリクエストにボディが付与された: %s", received.Body)
		}
	})

	t.Run("スラッシュなしのエンドポイントが正規化されること", func(t *testing.T) {
		t.Parallel()

		var received recordedRequest
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received.Path = r.URL.Path
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		if _, err := client.Call(context.Background(), http.MethodPost, "verify-email", nil); err != nil {
			t.Fatalf("Call()がエラーを返した: %v", err)
		}
		if received.Path != "/verify-email" {
			t.Errorf("パス: got %q, want %q", received.Path, "/verify-email")
		}
	})

	t.Run("非JSONの2xx応答は固定の成功レスポンスに正規化されること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("OK"))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		result, err := client.Call(context.Background(), http.MethodPost, "/toggle-2fa", nil)
		if err != nil {
			t.Fatalf("Call()がエラーを返した: %v", err)
		}
		if string(result) != `{"success":true}` {
			t.Errorf("結果: got %s, want %s", result, `{"success":true}`)
		}
	})

	t.Run("Content-TypeがJSONでもボディが不正なら成功レスポンスに正規化されること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{broken"))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		result, err := client.Call(context.Background(), http.MethodPost, "/toggle-2fa", nil)
		if err != nil {
			t.Fatalf("Call()がエラーを返した: %v", err)
		}
		if string(result) != `{"success":true}` {
			t.Errorf("結果: got %s, want %s", result, `{"success":true}`)
		}
	})

	t.Run("ネットワーク障害はUpstreamErrorではなくトランスポートエラーになること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		ts.Close() // 接続拒否させる

		client := New(ts.URL, "")
		_, err := client.Call(context.Background(), http.MethodPost, "/registerUser", nil)
		if err == nil {
			t.Fatal("エラーが返らなかった")
		}
		var upErr *UpstreamError
		if errors.As(err, &upErr) {
			t.Errorf("トランスポートエラーがUpstreamErrorとして返った: %v", err)
		}
	})
}

// TestCallUpstreamError は非2xx応答のエラー正規化を検証する。
func TestCallUpstreamError(t *testing.T) {
	t.Parallel()

	t.Run("errorフィールドからメッセージが抽出されること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"email already registered"}`))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		_, err := client.Call(context.Background(), http.MethodPost, "/registerUser", nil)

		var upErr *UpstreamError
		if !errors.As(err, &upErr) {
			t.Fatalf("UpstreamErrorが返らなかった: %v", err)
		}
		if upErr.Status != http.StatusBadRequest {
			t.Errorf("Status: got %d, want %d", upErr.Status, http.StatusBadRequest)
		}
		if upErr.Message != "email already registered" {
			t.Errorf("Message: got %q, want %q", upErr.Message, "email already registered")
		}
	})

	t.Run("messageフィールドからメッセージが抽出されること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message":"database unavailable"}`))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		_, err := client.Call(context.Background(), http.MethodPost, "/registerUser", nil)

		var upErr *UpstreamError
		if !errors.As(err, &upErr) {
			t.Fatalf("UpstreamErrorが返らなかった: %v", err)
		}
		if upErr.Message != "database unavailable" {
			t.Errorf("Message: got %q, want %q", upErr.Message, "database unavailable")
		}
	})

	t.Run("JSONでないボディは生のテキストがメッセージになること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("Bad Gateway\n"))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		_, err := client.Call(context.Background(), http.MethodPost, "/registerUser", nil)

		var upErr *UpstreamError
		if !errors.As(err, &upErr) {
			t.Fatalf("UpstreamErrorが返らなかった: %v", err)
		}
		if upErr.Message != "Bad Gateway" {
			t.Errorf("Message: got %q, want %q", upErr.Message, "Bad Gateway")
		}
	})
}

// TestCallWithFallback は404時のフォールバック再試行を検証する。
func TestCallWithFallback(t *testing.T) {
	t.Parallel()

	t.Run("主エンドポイントが404ならフォールバックへ一度だけ再試行すること", func(t *testing.T) {
		t.Parallel()

		var requests atomic.Int64
		var fallbackReq recordedRequest
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			if r.URL.Path == "/api/addComment" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			fallbackReq.Method = r.Method
			fallbackReq.Path = r.URL.Path
			fallbackReq.Body, _ = io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"commented":true}`))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		result, err := client.CallWithFallback(context.Background(), http.MethodPost, "/api/addComment",
			map[string]string{"songId": "42", "text": "great"}, "/addComment")
		if err != nil {
			t.Fatalf("CallWithFallback()がエラーを返した: %v", err)
		}

		if got := requests.Load(); got != 2 {
			t.Errorf("リクエスト回数: got %d, want 2", got)
		}
		if fallbackReq.Path != "/addComment" {
			t.Errorf("フォールバック先パス: got %q, want %q", fallbackReq.Path, "/addComment")
		}
		// 再試行は元のメソッドとボディを維持する
		if fallbackReq.Method != http.MethodPost {
			t.Errorf("フォールバックのメソッド: got %q, want POST", fallbackReq.Method)
		}
		var body map[string]string
		if err := json.Unmarshal(fallbackReq.Body, &body); err != nil {
			t.Fatalf("フォールバックのボディのパースに失敗: %v", err)
		}
		if body["songId"] != "42" {
			t.Errorf("フォールバックのボディ: got %q, want %q", body["songId"], "42")
		}
		if string(result) != `{"commented":true}` {
			t.Errorf("結果: got %s, want %s", result, `{"commented":true}`)
		}
	})

	t.Run("PUTの404でもメソッドを維持して再試行すること", func(t *testing.T) {
		t.Parallel()

		var fallbackMethod string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/primary" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			fallbackMethod = r.Method
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		if _, err := client.CallWithFallback(context.Background(), http.MethodPut, "/primary", map[string]string{"a": "b"}, "/secondary"); err != nil {
			t.Fatalf("CallWithFallback()がエラーを返した: %v", err)
		}
		if fallbackMethod != http.MethodPut {
			t.Errorf("フォールバックのメソッド: got %q, want PUT", fallbackMethod)
		}
	})

	t.Run("フォールバック未指定の404はUpstreamErrorのまま返ること", func(t *testing.T) {
		t.Parallel()

		var requests atomic.Int64
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		_, err := client.Call(context.Background(), http.MethodPost, "/api/addComment", nil)

		var upErr *UpstreamError
		if !errors.As(err, &upErr) {
			t.Fatalf("UpstreamErrorが返らなかった: %v", err)
		}
		if upErr.Status != http.StatusNotFound {
			t.Errorf("Status: got %d, want 404", upErr.Status)
		}
		if got := requests.Load(); got != 1 {
			t.Errorf("リクエスト回数: got %d, want 1", got)
		}
	})

	t.Run("404以外の失敗ではフォールバックしないこと", func(t *testing.T) {
		t.Parallel()

		var requests atomic.Int64
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		_, err := client.CallWithFallback(context.Background(), http.MethodPost, "/primary", nil, "/secondary")

		var upErr *UpstreamError
		if !errors.As(err, &upErr) {
			t.Fatalf("UpstreamErrorが返らなかった: %v", err)
		}
		if upErr.Status != http.StatusInternalServerError {
			t.Errorf("Status: got %d, want 500", upErr.Status)
		}
		if got := requests.Load(); got != 1 {
			t.Errorf("リクエスト回数: got %d, want 1", got)
		}
	})

	t.Run("フォールバック先も404ならそれ以上再試行しないこと", func(t *testing.T) {
		t.Parallel()

		var requests atomic.Int64
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		_, err := client.CallWithFallback(context.Background(), http.MethodPost, "/primary", nil, "/secondary")

		var upErr *UpstreamError
		if !errors.As(err, &upErr) {
			t.Fatalf("UpstreamErrorが返らなかった: %v", err)
		}
		if got := requests.Load(); got != 2 {
			t.Errorf("リクエスト回数: got %d, want 2", got)
		}
	})
}

// TestGatewayHeaders はサービストークンとリクエストIDの付与を検証する。
func TestGatewayHeaders(t *testing.T) {
	t.Parallel()

	t.Run("サービス秘密鍵があればX-Gateway-Tokenが付与されること", func(t *testing.T) {
		t.Parallel()

		var received recordedRequest
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received.Headers = r.Header.Clone()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		client := New(ts.URL, "svc-secret")
		if _, err := client.Call(context.Background(), http.MethodPost, "/registerUser", nil); err != nil {
			t.Fatalf("Call()がエラーを返した: %v", err)
		}

		raw := received.Headers.Get("X-Gateway-Token")
		if raw == "" {
			t.Fatal("X-Gateway-Tokenが付与されていない")
		}
		parsed, err := jwt.Parse(raw, func(_ *jwt.Token) (any, error) {
			return []byte("svc-secret"), nil
		})
		if err != nil || !parsed.Valid {
			t.Errorf("サービストークンの検証に失敗: %v", err)
		}
	})

	t.Run("サービス秘密鍵が空ならX-Gateway-Tokenを付与しないこと", func(t *testing.T) {
		t.Parallel()

		var received recordedRequest
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received.Headers = r.Header.Clone()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		if _, err := client.Call(context.Background(), http.MethodPost, "/registerUser", nil); err != nil {
			t.Fatalf("Call()がエラーを返した: %v", err)
		}
		if received.Headers.Get("X-Gateway-Token") != "" {
			t.Error("秘密鍵なしでX-Gateway-Tokenが付与された")
		}
	})

	t.Run("コンテキストのリクエストIDがX-Request-IDとして伝播されること", func(t *testing.T) {
		t.Parallel()

		var received recordedRequest
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received.Headers = r.Header.Clone()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		ctx := WithRequestID(context.Background(), "req-123")
		if _, err := client.Call(ctx, http.MethodPost, "/registerUser", nil); err != nil {
			t.Fatalf("Call()がエラーを返した: %v", err)
		}
		if got := received.Headers.Get("X-Request-ID"); got != "req-123" {
			t.Errorf("X-Request-ID: got %q, want %q", got, "req-123")
		}
	})
}

// TestForwardAuthorized は管理者検証用のヘッダー転送を検証する。
func TestForwardAuthorized(t *testing.T) {
	t.Parallel()

	t.Run("Authorizationヘッダーがそのまま転送されること", func(t *testing.T) {
		t.Parallel()

		var received recordedRequest
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received.Method = r.Method
			received.Path = r.URL.Path
			received.Headers = r.Header.Clone()
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		if err := client.ForwardAuthorized(context.Background(), "/api/admin/verify", "Bearer admin-token"); err != nil {
			t.Fatalf("ForwardAuthorized()がエラーを返した: %v", err)
		}
		if received.Method != http.MethodGet {
			t.Errorf("メソッド: got %q, want GET", received.Method)
		}
		if got := received.Headers.Get("Authorization"); got != "Bearer admin-token" {
			t.Errorf("Authorization: got %q, want %q", got, "Bearer admin-token")
		}
	})

	t.Run("非2xx応答はUpstreamErrorになること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"not admin"}`))
		}))
		defer ts.Close()

		client := New(ts.URL, "")
		err := client.ForwardAuthorized(context.Background(), "/api/admin/verify", "Bearer user-token")

		var upErr *UpstreamError
		if !errors.As(err, &upErr) {
			t.Fatalf("UpstreamErrorが返らなかった: %v", err)
		}
		if upErr.Status != http.StatusForbidden {
			t.Errorf("Status: got %d, want 403", upErr.Status)
		}
		if upErr.Message != "not admin" {
			t.Errorf("Message: got %q, want %q", upErr.Message, "not admin")
		}
	})

	t.Run("接続不能はトランスポートエラーになること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		ts.Close()

		client := New(ts.URL, "")
		err := client.ForwardAuthorized(context.Background(), "/api/admin/verify", "Bearer admin-token")
		if err == nil {
			t.Fatal("エラーが返らなかった")
		}
		var upErr *UpstreamError
		if errors.As(err, &upErr) {
			t.Errorf("トランスポートエラーがUpstreamErrorとして返った: %v", err)
		}
	})
}
