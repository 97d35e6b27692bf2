package gateway

import (
	"errors"
	"fmt"
	"log"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// マルチパートフォームのファイルフィールド名。
const (
	// fieldAvatar はプロフィールのアバター画像。
	fieldAvatar = "avatar"
	// fieldAlbumCover は楽曲のジャケット画像。
	fieldAlbumCover = "albumCover"
	// fieldAudioFile は楽曲の音源ファイル。
	fieldAudioFile = "audioFile"
)

// maxUploadBytes はアップロードファイルの上限サイズ（50MiB）。
const maxUploadBytes = 50 << 20

// uploadMIMEPrefixes はフィールドごとに許可するMIMEタイプの接頭辞。
var uploadMIMEPrefixes = map[string]string{
	fieldAvatar:     "image/",
	fieldAlbumCover: "image/",
	fieldAudioFile:  "audio/",
}

// uploadValidationError はアップロードファイルの制約違反を表す。
// メッセージはそのままクライアントへ400で返せる形式にする。
type uploadValidationError struct {
	// reason は制約違反の内容。
	reason string
}

// Error はerrorインターフェースを実装する。
func (e *uploadValidationError) Error() string {
	return e.reason
}

// respondUploadError はアップロード処理の失敗をHTTPレスポンスへ変換する。
// 制約違反は400、それ以外の保存失敗は500として返す。
func respondUploadError(c *gin.Context, err error) {
	var vErr *uploadValidationError
	if errors.As(err, &vErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.reason})
		return
	}
	log.Printf("[Upload] ファイル保存に失敗: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save uploaded file"})
}

// saveUpload はマルチパートのファイルを検証してローカルディスクへ保存し、保存名を返す。
// 保存名は受付時刻のミリ秒タイムスタンプと元のファイル名から決まる。
// 同一ミリ秒に同名ファイルが届いた場合は衝突しうるが、既知の狭い競合として許容する。
func (s *Server) saveUpload(c *gin.Context, fh *multipart.FileHeader, field string) (string, error) {
	mimePrefix, ok := uploadMIMEPrefixes[field]
	if !ok {
		return "", fmt.Errorf("未定義のアップロードフィールド: %s", field)
	}

	if fh.Size > maxUploadBytes {
		return "", &uploadValidationError{reason: fmt.Sprintf("%s exceeds the 50MB size limit", field)}
	}

	contentType := fh.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, mimePrefix) {
		kind := "an image"
		if mimePrefix == "audio/" {
			kind = "an audio"
		}
		return "", &uploadValidationError{reason: fmt.Sprintf("%s must be %s file", field, kind)}
	}

	originalName := filepath.Base(fh.Filename)
	storedName := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), originalName)
	if err := c.SaveUploadedFile(fh, filepath.Join(s.cfg.uploadDir, storedName)); err != nil {
		return "", fmt.Errorf("アップロードファイルの書き込みに失敗: %w", err)
	}

	// 索引への記録失敗はアップロード自体を失敗させない
	if err := s.insertUpload(c.Request.Context(), uploadRecord{
		Field:        field,
		OriginalName: originalName,
		StoredName:   storedName,
		SizeBytes:    fh.Size,
		ContentType:  contentType,
	}); err != nil {
		log.Printf("[Upload] 索引への記録に失敗: stored=%s, error=%v", storedName, err)
	}

	return storedName, nil
}
