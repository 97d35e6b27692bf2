package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrDecrypt は不正な形式のトークン、または異なる秘密鍵で生成された
	// トークンの復号に失敗したことを表す。
	ErrDecrypt = errors.New("token decrypt failed")
	// ErrInvalidToken は復号結果が空など、トークンとして無効であることを表す。
	// 復号自体の失敗（ErrDecrypt）とは区別される。
	ErrInvalidToken = errors.New("invalid token")
)

// Codec はメールアドレスとベアラートークンを相互変換する対称暗号コーデック。
// 秘密鍵は起動時に一度だけ設定され、以降は不変。
type Codec struct {
	// aead はAES-256-GCMの暗号化・復号オブジェクト。
	aead cipher.AEAD
}

// NewCodec は共有秘密鍵から新しいコーデックを生成する。
// 秘密鍵はSHA-256で32バイトの鍵に正規化されるため、任意の長さの文字列を使える。
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("トークン秘密鍵が空")
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("暗号器の初期化に失敗: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCMモードの初期化に失敗: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Encode はメールアドレスを不透明なトークン文字列に変換する。
// トークンごとにランダムなnonceを生成するため、同じメールアドレスでも
// 呼び出しごとに異なるトークンが得られる。
func (c *Codec) Encode(email string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonceの生成に失敗: %w", err)
	}

	// 出力形式: base64url(nonce || ciphertext)
	sealed := c.aead.Seal(nonce, nonce, []byte(email), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode はEncodeが生成したトークンからメールアドレスを復元する。
// 切り詰められたトークンや別の秘密鍵で生成されたトークンはErrDecryptで失敗し、
// 誤ったメールアドレスを黙って返すことはない。
func (c *Codec) Decode(tok string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) <= c.aead.NonceSize() {
		return "", ErrDecrypt
	}

	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
