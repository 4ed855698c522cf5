package auth

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// トークン検証エラー。validate-tokenエンドポイントの境界ではすべて
// valid=falseに畳み込まれ、呼び出し側がエラー種別を区別することはない。
var (
	// ErrTokenMalformed はトークンの構造が解析できないことを示す。
	ErrTokenMalformed = errors.New("トークンの形式が不正です")
	// ErrTokenBadSignature はトークンの署名が一致しないことを示す。
	ErrTokenBadSignature = errors.New("トークンの署名が不正です")
	// ErrTokenExpired はトークンの有効期限が切れていることを示す。
	ErrTokenExpired = errors.New("トークンの有効期限が切れています")
)

// DefaultTokenTTL はログイン時に発行するトークンの既定の有効期間。
const DefaultTokenTTL = 24 * time.Hour

// tokenIssuer は発行するトークンのiss（発行者）クレーム値。
const tokenIssuer = "jobhub-auth"

// minKeyLen はHS256署名鍵の最小バイト長。
// base64でない秘密鍵はこの長さまでゼロ埋め（または切り詰め）される。
const minKeyLen = 32

// TokenClaims はトークンに埋め込むクレームセット。
// subjectにはアカウントのメールアドレスを格納する。
type TokenClaims struct {
	jwt.RegisteredClaims
	// AccountID はアカウントの一意識別子。
	AccountID string `json:"accountId"`
	// Role はアカウントの種別（APPLICANT | EMPLOYER）。
	Role string `json:"role"`
	// ExternalAccountID は下流サービスが後から紐付けるドメイン固有ID。
	ExternalAccountID string `json:"externalAccountId,omitempty"`
}

// TokenCodec はトークンの発行と検証を行う。
// 署名鍵は生成時に導出され、以後不変。検証はI/Oを伴わない純粋な処理。
type TokenCodec struct {
	// key はHS256署名に使う共通鍵。
	key []byte
}

// NewTokenCodec は秘密鍵文字列から署名鍵を導出してコーデックを生成する。
//
// 秘密鍵はまずbase64としてデコードを試み、失敗した場合は生のバイト列を
// 32バイトまでゼロ埋め（超える場合は切り詰め）して鍵材料とする。
// このフォールバックは設定ミスのあるデプロイ環境をクラッシュさせずに
// 動かし続けるためのもので、互換性の理由から保持している。
// 短い生鍵は署名強度を弱めるため、運用上はbase64エンコードされた
// 32バイト以上の鍵を設定すること。
func NewTokenCodec(secret string) *TokenCodec {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		raw := []byte(secret)
		key = make([]byte, minKeyLen)
		copy(key, raw)
	}
	return &TokenCodec{key: key}
}

// Issue は指定したアカウント情報を埋め込んだ署名済みトークンを発行する。
// issuedAt = now、expiresAt = now + ttl となる。
func (tc *TokenCodec) Issue(email, accountID, role, externalAccountID string, now time.Time, ttl time.Duration) (string, error) {
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		AccountID:         accountID,
		Role:              role,
		ExternalAccountID: externalAccountID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tc.key)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Verify はトークンの署名と有効期限を検証し、クレームを返す。
// 失敗時はErrTokenMalformed / ErrTokenBadSignature / ErrTokenExpiredの
// いずれかを返す。nowを基準時刻として有効期限を判定する。
func (tc *TokenCodec) Verify(tokenString string, now time.Time) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return tc.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenBadSignature
		default:
			return nil, ErrTokenMalformed
		}
	}
	if !token.Valid {
		return nil, ErrTokenBadSignature
	}
	return claims, nil
}
