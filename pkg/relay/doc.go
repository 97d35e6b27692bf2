// Package relay はゲートウェイから上流サービスへのHTTP通信を行うクライアントを提供する。
//
// エンドポイントの正規化、404時のフォールバック再試行、
// エラーレスポンスからのメッセージ抽出、非JSON応答の正規化など、
// 上流サービスとの通信パターンを統一する。
// 上流サービス自体のAPI仕様には関知せず、不透明なJSONとして中継する。
package relay
