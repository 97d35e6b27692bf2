package gateway

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	// Email はログインするユーザーのメールアドレス。
	Email string `json:"email" binding:"required"`
	// Password は平文パスワード。上流のハッシュと照合後は保持しない。
	Password string `json:"password" binding:"required"`
}

// verifyRequest はメール確認・2FA検証リクエストのJSON構造。
type verifyRequest struct {
	// Email は検証対象のメールアドレス。
	Email string `json:"email" binding:"required"`
	// Code は検証コード。
	Code string `json:"code" binding:"required"`
}

// handleRegister はユーザー登録を上流へ中継するハンドラを返す。
// 資格情報の保存方式は上流の責務であり、ゲートウェイは中継のみ行う。
func (s *Server) handleRegister() gin.HandlerFunc {
	return s.handleRelayPost("/registerUser")
}

// handleToggle2FA は二要素認証の有効・無効切り替えを上流へ中継するハンドラを返す。
func (s *Server) handleToggle2FA() gin.HandlerFunc {
	return s.handleRelayPost("/toggle-2fa")
}

// handleVerifyEmail はメールアドレス確認を上流へ中継するハンドラを返す。
// 確認に成功した場合、以降のリクエストで使う認証トークンを発行して応答に合成する。
func (s *Server) handleVerifyEmail() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Email and verification code are required"})
			return
		}

		result, err := s.relay.Call(s.relayContext(c), http.MethodPost, "/verify-email",
			gin.H{"email": req.Email, "code": req.Code})
		if err != nil {
			respondRelayError(c, err)
			return
		}

		tok, err := s.codec.Encode(req.Email)
		if err != nil {
			log.Printf("[Gateway] トークン発行に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
			return
		}
		c.JSON(http.StatusOK, mergeToken(result, tok))
	}
}

// handleVerify2FA は二要素認証コードの検証を上流へ中継するハンドラを返す。
// 検証に成功した場合、認証トークンを発行して応答に合成する。
func (s *Server) handleVerify2FA() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Email and verification code are required"})
			return
		}

		result, err := s.relay.Call(s.relayContext(c), http.MethodPost, "/verify-2fa",
			gin.H{"email": req.Email, "code": req.Code})
		if err != nil {
			respondRelayError(c, err)
			return
		}

		tok, err := s.codec.Encode(req.Email)
		if err != nil {
			log.Printf("[Gateway] トークン発行に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
			return
		}
		c.JSON(http.StatusOK, mergeToken(result, tok))
	}
}

// handleLogin はログインを処理するハンドラを返す。
// ユーザー解決は上流に委ね、パスワード照合のみゲートウェイで行う。
// メール未確認の場合は確認フローへ誘導するため一時トークンを添えて403を返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required"})
			return
		}

		user, err := s.resolveUser(s.relayContext(c), req.Email)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
				return
			}
			respondRelayError(c, err)
			return
		}

		if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
			return
		}

		if !user.EmailVerified {
			tempToken, err := s.codec.Encode(user.Email)
			if err != nil {
				log.Printf("[Gateway] 一時トークン発行に失敗: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
				return
			}
			c.JSON(http.StatusForbidden, gin.H{
				"error":             "Email not verified",
				"needsVerification": true,
				"email":             user.Email,
				"tempToken":         tempToken,
			})
			return
		}

		if user.TwoFactorEnabled {
			// 二要素認証が有効な場合はコード検証が完了するまでトークンを発行しない
			c.JSON(http.StatusOK, gin.H{"requires2FA": true, "email": user.Email})
			return
		}

		tok, err := s.codec.Encode(user.Email)
		if err != nil {
			log.Printf("[Gateway] トークン発行に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
			return
		}

		user.Password = ""
		c.JSON(http.StatusOK, gin.H{
			"message": "Login successful",
			"token":   tok,
			"user":    user,
		})
	}
}

// handleVerifyToken はトークンの有効性を確認するハンドラを返す。
// 検証自体はrequireAuthミドルウェアが行うため、ここに到達した時点で有効。
func (s *Server) handleVerifyToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
			return
		}
		user.Password = ""
		c.JSON(http.StatusOK, gin.H{"valid": true, "user": user})
	}
}

// handleProfile は認証済みユーザーのプロフィールを返すハンドラを返す。
func (s *Server) handleProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
			return
		}
		user.Password = ""
		c.JSON(http.StatusOK, gin.H{"user": user})
	}
}

// handleUpdateProfile はプロフィール更新を処理するハンドラを返す。
// マルチパートフォームからテキスト項目とアバター画像（任意）を受け取り、
// 画像はローカルに保存してファイル名のみ上流へ渡す。
func (s *Server) handleUpdateProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
			return
		}

		body := gin.H{
			"email":           user.Email,
			"favorite_genre":  c.PostForm("favorite_genre"),
			"favorite_artist": c.PostForm("favorite_artist"),
			"bio":             c.PostForm("bio"),
		}

		if fh, err := c.FormFile(fieldAvatar); err == nil {
			storedName, err := s.saveUpload(c, fh, fieldAvatar)
			if err != nil {
				respondUploadError(c, err)
				return
			}
			body["avatar"] = storedName
		}

		result, err := s.relay.Call(s.relayContext(c), http.MethodPost, "/update-profile", body)
		if err != nil {
			respondRelayError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", result)
	}
}
