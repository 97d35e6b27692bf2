// Package middleware はGinベースのゲートウェイで使用する共通ミドルウェアを提供する。
//
// パニックリカバリ、CORS設定、リクエストIDの採番、
// 認証系エンドポイントのレート制限を含む。
// ベアラートークンの検証は上流サービスへの問い合わせを伴うため、
// このパッケージではなくゲートウェイ本体が担当する。
package middleware
