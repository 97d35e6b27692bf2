package gateway

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/nao1215/tunegate/pkg/middleware"
	"github.com/nao1215/tunegate/pkg/relay"
	"github.com/nao1215/tunegate/pkg/token"
)

// Server は音楽ライブラリゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// codec は認証トークンのコーデック。
	codec *token.Codec
	// relay は上流サービスへのリレークライアント。
	relay *relay.Client
	// db はアップロード索引用のSQLiteデータベース接続。
	db *sql.DB
	// cfg は起動時に確定する設定。以降は不変。
	cfg config
}

// config はゲートウェイの環境変数設定。
type config struct {
	// upstreamURL は上流サービスのベースURL。
	upstreamURL string
	// backupUpstreamURL は予備の上流サービスURL。現在は無効化されており、
	// 読み込むだけでどこからも参照されない。
	backupUpstreamURL string
	// tokenSecret は認証トークンの共有秘密鍵。
	tokenSecret string
	// serviceSecret は上流向けサービストークンの署名鍵。
	serviceSecret string
	// frontendURL はCORSで許可するフロントエンドのオリジン。
	frontendURL string
	// frontendDir はビルド済みフロントエンドの配信ディレクトリ。
	frontendDir string
	// uploadDir はアップロードファイルの保存ディレクトリ。
	uploadDir string
	// dbPath はアップロード索引のSQLiteファイルパス。
	dbPath string
}

// loadConfig は環境変数から設定を読み込む。未設定の項目はデフォルト値を使う。
func loadConfig() config {
	return config{
		upstreamURL:       getEnvOr("UPSTREAM_URL", "http://localhost:5000"),
		backupUpstreamURL: getEnvOr("BACKUP_UPSTREAM_URL", ""),
		tokenSecret:       getEnvOr("TOKEN_SECRET", "dev-token-secret"),
		serviceSecret:     getEnvOr("SERVICE_SECRET", ""),
		frontendURL:       getEnvOr("FRONTEND_URL", "http://localhost:3000"),
		frontendDir:       getEnvOr("FRONTEND_DIR", "frontend/dist"),
		uploadDir:         getEnvOr("UPLOAD_DIR", "uploads"),
		dbPath:            getEnvOr("GATEWAY_DB_PATH", "/data/gateway.db"),
	}
}

// NewServer は新しいゲートウェイサーバーを生成する。
// アップロード保存ディレクトリの作成と索引データベースの初期化を行う。
func NewServer(port string) (*Server, error) {
	cfg := loadConfig()

	codec, err := token.NewCodec(cfg.tokenSecret)
	if err != nil {
		return nil, fmt.Errorf("トークンコーデックの初期化に失敗: %w", err)
	}

	if err := os.MkdirAll(cfg.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("アップロードディレクトリの作成に失敗: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", cfg.dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS([]string{cfg.frontendURL}))

	s := &Server{
		router: router,
		port:   port,
		codec:  codec,
		relay:  relay.New(cfg.upstreamURL, cfg.serviceSecret),
		db:     sqlDB,
		cfg:    cfg,
	}
	s.setupRoutes()
	s.setupStatic()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")

	// ヘルスチェック
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})

	// 認証系エンドポイント（総当たり対策のレート制限付き）
	limited := api.Group("")
	limited.Use(middleware.RateLimit(rate.Limit(5), 10))
	{
		limited.POST("/register", s.handleRegister())
		limited.POST("/verify-email", s.handleVerifyEmail())
		limited.POST("/login", s.handleLogin())
		limited.POST("/verify-2fa", s.handleVerify2FA())
		limited.POST("/toggle-2fa", s.handleToggle2FA())
		limited.POST("/admin/login", s.handleRelayPost("/api/admin/login"))
	}

	// 認証必須エンドポイント
	authed := api.Group("")
	authed.Use(s.requireAuth())
	{
		authed.GET("/verify-token", s.handleVerifyToken())
		authed.GET("/profile", s.handleProfile())
		authed.POST("/update", s.handleUpdateProfile())
		authed.POST("/songs/review", s.handleSongAction("/api/addReview", ""))
		authed.POST("/songs/comment", s.handleSongAction("/api/addComment", "/addComment"))
		authed.POST("/songs/like", s.handleSongAction("/api/addToLiked", ""))
		authed.POST("/songs/liked", s.handleSongAction("/api/getLikedSongs", ""))
	}

	// 楽曲カタログの参照（認証不要）
	api.GET("/songs", s.handleRelayGet("/getAllSongs"))
	api.GET("/song", s.handleRelayGet("/getAllSongs"))
	api.GET("/songs/search/:query", s.handleRelayGetParam("/api/searchSongs/", "query"))
	api.GET("/songs/details/:trackId", s.handleRelayGetParam("/api/getSongDetails/", "trackId"))
	api.GET("/songs/:songId", s.handleRelayGetParam("/getSongById/", "songId"))

	// 管理者専用エンドポイント
	admin := api.Group("/admin")
	admin.Use(s.requireAdmin())
	{
		admin.POST("/songs", s.handleAdminAddSong())
		admin.DELETE("/songs/:songId", s.handleAdminDeleteSong())
		admin.GET("/uploads", s.handleAdminUploads())
	}

	// 評価別の最多ジャンル集計（歴史的経緯で/apiの外にある）
	s.router.GET("/mostCommonGenre/:rating", s.handleRelayGetParam("/mostCommonGenre/", "rating"))
}

// setupStatic は静的ファイルの配信を設定する。
// アップロード済みファイルと、ビルド済みフロントエンド（SPAフォールバック付き）を配信する。
func (s *Server) setupStatic() {
	s.router.Static("/uploads", s.cfg.uploadDir)

	s.router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}

		p := filepath.Join(s.cfg.frontendDir, filepath.Clean("/"+c.Request.URL.Path))
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			c.File(p)
			return
		}
		c.File(filepath.Join(s.cfg.frontendDir, "index.html"))
	})
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
