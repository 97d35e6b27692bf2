package gateway

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
)

// handleSongAction は認証済みユーザーによる楽曲操作（評価・コメント・お気に入り）を
// 上流へ中継するハンドラを返す。リクエストボディに認証済みユーザーのメールアドレスを
// 合成するため、クライアントが他人になりすますことはできない。
// fallbackEndpointが空でない場合、主エンドポイントの404時に一度だけ再試行する。
func (s *Server) handleSongAction(endpoint, fallbackEndpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
			return
		}

		body, err := bindOptionalJSON(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if body == nil {
			body = map[string]any{}
		}
		body["email"] = user.Email

		result, err := s.relay.CallWithFallback(s.relayContext(c), http.MethodPost, endpoint, body, fallbackEndpoint)
		if err != nil {
			respondRelayError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", result)
	}
}

// handleAdminAddSong は管理者による楽曲追加を処理するハンドラを返す。
// マルチパートフォームから楽曲メタデータとジャケット画像・音源ファイルを受け取り、
// ファイルはローカルに保存して保存名のみ上流へ渡す。
func (s *Server) handleAdminAddSong() gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"title":  c.PostForm("title"),
			"artist": c.PostForm("artist"),
			"genre":  c.PostForm("genre"),
			"album":  c.PostForm("album"),
		}

		if fh, err := c.FormFile(fieldAlbumCover); err == nil {
			storedName, err := s.saveUpload(c, fh, fieldAlbumCover)
			if err != nil {
				respondUploadError(c, err)
				return
			}
			body["album_cover"] = storedName
		}

		if fh, err := c.FormFile(fieldAudioFile); err == nil {
			storedName, err := s.saveUpload(c, fh, fieldAudioFile)
			if err != nil {
				respondUploadError(c, err)
				return
			}
			body["audio_file"] = storedName
		}

		result, err := s.relay.Call(s.relayContext(c), http.MethodPost, "/api/addSong", body)
		if err != nil {
			respondRelayError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", result)
	}
}

// handleAdminDeleteSong は管理者による楽曲削除を上流へ中継するハンドラを返す。
func (s *Server) handleAdminDeleteSong() gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoint := "/api/deleteSong/" + url.PathEscape(c.Param("songId"))
		result, err := s.relay.Call(s.relayContext(c), http.MethodDelete, endpoint, nil)
		if err != nil {
			respondRelayError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", result)
	}
}

// handleAdminUploads はアップロード索引の一覧を返すハンドラを返す。
// ゲートウェイ自身が保持する唯一のローカルデータであり、上流へは中継しない。
func (s *Server) handleAdminUploads() gin.HandlerFunc {
	return func(c *gin.Context) {
		uploads, err := s.listUploads(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list uploads"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"uploads": uploads})
	}
}
