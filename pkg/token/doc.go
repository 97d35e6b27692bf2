// Package token はユーザーの識別子（メールアドレス）を不透明なベアラートークンに
// 変換するコーデックを提供する。
//
// プロセス全体で共有する静的な秘密鍵による対称暗号（AES-256-GCM）を使用し、
// エンコードした値はデコードで正確に元のメールアドレスへ復元できる。
// トークンには有効期限も失効機構もなく、秘密鍵をローテーションするまで有効である。
package token
