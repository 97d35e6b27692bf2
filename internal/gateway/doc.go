// Package gateway は音楽ライブラリWebアプリのAPIゲートウェイの内部実装を提供する。
//
// ブラウザからのHTTPリクエストを受け付け、対称暗号トークンによる認証、
// マルチパートアップロードの検証と保存を行い、
// ユーザー・楽曲・評価・コメント等の実体処理はすべて上流サービスへHTTPで中継する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として機能する。
// ゲートウェイ自身が保持するローカル状態はアップロード済みファイルとその索引のみ。
package gateway
