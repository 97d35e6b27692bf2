package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/tunegate/pkg/middleware"
	"github.com/nao1215/tunegate/pkg/relay"
	"github.com/nao1215/tunegate/pkg/token"
)

// ErrUserNotFound は上流サービスにユーザーレコードが存在しないことを表す。
// 上流に到達できない障害とは区別され、ログ上で追跡できる。
// 外部へはどちらも401として返る。
var ErrUserNotFound = errors.New("user not found")

// contextKeyUser はGinコンテキストに認証済みユーザーを格納するためのキー。
const contextKeyUser = "auth_user"

// userRecord は上流サービスが保有するユーザーレコード。
// ゲートウェイはこのレコードを直接変更せず、変更要求を上流へ中継する。
type userRecord struct {
	// Email はユーザーの識別キー。
	Email string `json:"email"`
	// Password はハッシュ済みパスワード。ログイン時の照合にのみ使用し、
	// レスポンスへ含める前に必ず消去する。
	Password string `json:"password,omitempty"`
	// EmailVerified はメールアドレス確認済みかどうか。
	EmailVerified bool `json:"email_verified"`
	// TwoFactorEnabled は二要素認証が有効かどうか。
	TwoFactorEnabled bool `json:"two_factor_enabled"`
	// FavoriteGenre は好きなジャンル。
	FavoriteGenre string `json:"favorite_genre"`
	// FavoriteArtist は好きなアーティスト。
	FavoriteArtist string `json:"favorite_artist"`
	// Bio は自己紹介文。
	Bio string `json:"bio"`
	// Avatar はアバター画像の相対ファイル名。
	Avatar string `json:"avatar"`
}

// relayContext はリクエストIDを引き継いだ上流呼び出し用コンテキストを返す。
// クライアントが切断するとコンテキスト経由で上流呼び出しも取り消される。
func (s *Server) relayContext(c *gin.Context) context.Context {
	return relay.WithRequestID(c.Request.Context(), middleware.GetRequestID(c))
}

// resolveUser は上流サービスからメールアドレスでユーザーレコードを取得する。
// 戻り値は明示的に分岐する: ユーザー不在はErrUserNotFound、
// 上流の失敗・到達不能はそれ以外のエラーとして返す。
func (s *Server) resolveUser(ctx context.Context, email string) (*userRecord, error) {
	raw, err := s.relay.Call(ctx, http.MethodPost, "/getUserByEmail", gin.H{"email": email})
	if err != nil {
		var upErr *relay.UpstreamError
		if errors.As(err, &upErr) && upErr.Status == http.StatusNotFound {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	var user userRecord
	if err := json.Unmarshal(raw, &user); err != nil || user.Email == "" {
		// 上流が空のボディや空レコードを返した場合も不在として扱う
		return nil, ErrUserNotFound
	}
	return &user, nil
}

// bearerToken はリクエストから認証トークンを取り出す。
// Authorization: Bearer ヘッダーを優先し、無ければtokenクエリパラメータを見る。
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if t, found := strings.CutPrefix(h, "Bearer "); found {
			return t
		}
	}
	return c.Query("token")
}

// requireAuth はベアラートークンを検証するミドルウェアを返す。
// トークンの抽出・復号・ユーザー解決・メール確認済みチェックを順に行い、
// 成功した場合はユーザーレコードをコンテキストに格納する。
// 内部分類（トークン欠落・復号失敗・ユーザー不在・上流障害）はログで区別するが、
// 外部へはメール未確認の403を除きすべて401で返す。
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c)
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication token required"})
			return
		}

		email, err := s.codec.Decode(tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}
		if email == "" {
			// 復号は成功したが中身が空。復号失敗とは別の不正トークン扱い。
			log.Printf("[Auth] 空のメールアドレスに復号された: %v", token.ErrInvalidToken)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		// ユーザー解決はメール確認済みチェックより必ず先に行う
		user, err := s.resolveUser(s.relayContext(c), email)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				log.Printf("[Auth] トークンは有効だがユーザーが存在しない: email=%s", email)
			} else {
				log.Printf("[Auth] ユーザー解決で上流呼び出しに失敗: %v", err)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
			return
		}

		if !user.EmailVerified {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":             "Email not verified",
				"needsVerification": true,
				"email":             user.Email,
			})
			return
		}

		c.Set(contextKeyUser, user)
		c.Next()
	}
}

// requireAdmin は上流の管理者検証エンドポイントで認可するミドルウェアを返す。
// 受信したAuthorizationヘッダーをそのまま転送し、2xx以外・到達不能は
// 区別せずすべて401で拒否する。コンテキストには何も格納しない純粋なゲート。
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.relay.ForwardAuthorized(s.relayContext(c), "/api/admin/verify", c.GetHeader("Authorization")); err != nil {
			log.Printf("[Auth] 管理者検証に失敗: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Admin verification failed"})
			return
		}
		c.Next()
	}
}

// currentUser はGinコンテキストから認証済みユーザーを取得する。
// requireAuthミドルウェアが事前に適用されている必要がある。
func currentUser(c *gin.Context) *userRecord {
	v, _ := c.Get(contextKeyUser)
	if user, ok := v.(*userRecord); ok {
		return user
	}
	return nil
}
