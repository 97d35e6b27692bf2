package gateway

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// アップロード索引のスキーマ定義。
// ゲートウェイが保持するローカル状態はアップロード済みファイルとこの索引のみで、
// ユーザー・楽曲データは一切持たない（上流サービスの責務）。
const schema = `
CREATE TABLE IF NOT EXISTS uploads (
    id TEXT PRIMARY KEY,
    field TEXT NOT NULL,
    original_name TEXT NOT NULL,
    stored_name TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    uploaded_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_uploads_field
    ON uploads(field);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}

// uploadRecord はアップロード索引の1行。
type uploadRecord struct {
	// ID は索引レコードの一意識別子。
	ID string `json:"id"`
	// Field はアップロード時のフォームフィールド名。
	Field string `json:"field"`
	// OriginalName はクライアントが送った元のファイル名。
	OriginalName string `json:"original_name"`
	// StoredName はローカルディスク上の保存名。
	StoredName string `json:"stored_name"`
	// SizeBytes はファイルサイズ。
	SizeBytes int64 `json:"size_bytes"`
	// ContentType はクライアントが申告したMIMEタイプ。
	ContentType string `json:"content_type"`
	// UploadedAt は受付日時。
	UploadedAt string `json:"uploaded_at"`
}

// insertUpload はアップロード索引にレコードを追加する。
func (s *Server) insertUpload(ctx context.Context, rec uploadRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (id, field, original_name, stored_name, size_bytes, content_type)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), rec.Field, rec.OriginalName, rec.StoredName, rec.SizeBytes, rec.ContentType,
	)
	if err != nil {
		return fmt.Errorf("索引レコードの挿入に失敗: %w", err)
	}
	return nil
}

// listUploads はアップロード索引を新しい順に取得する。
func (s *Server) listUploads(ctx context.Context) ([]uploadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, field, original_name, stored_name, size_bytes, content_type, uploaded_at
		FROM uploads
		ORDER BY uploaded_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("索引の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	uploads := make([]uploadRecord, 0)
	for rows.Next() {
		var rec uploadRecord
		if err := rows.Scan(&rec.ID, &rec.Field, &rec.OriginalName, &rec.StoredName,
			&rec.SizeBytes, &rec.ContentType, &rec.UploadedAt); err != nil {
			return nil, fmt.Errorf("索引レコードの読み取りに失敗: %w", err)
		}
		uploads = append(uploads, rec)
	}
	return uploads, rows.Err()
}
