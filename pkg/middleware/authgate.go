package middleware

import (
	"log"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/jobhub/pkg/authclient"
)

// AuthCookieName はクエリパラメータで受け取ったトークンを
// 再送するためのCookie名。
const AuthCookieName = "authToken"

// authCookieMaxAge はトークンCookieの有効期間（秒）。トークンの
// 既定TTLと同じ24時間。Cookieはあくまで利便性のためのキャッシュで、
// 値は毎リクエスト認証サービスで再検証される。
const authCookieMaxAge = 24 * 60 * 60

// headerKeyAccountID はサービス間でアカウントIDを伝播するHTTPヘッダーキー。
const headerKeyAccountID = "X-Account-ID"

// Ginコンテキストに識別情報を格納するキー。
const (
	ctxKeyAccountID         = "account_id"
	ctxKeyEmail             = "email"
	ctxKeyDisplayName       = "display_name"
	ctxKeyRole              = "role"
	ctxKeyExternalAccountID = "external_account_id"
)

// PathMatcher はパスの集合をexact一致・前方一致・後方一致・正規表現で
// 表現する。AuthGateの公開パス許可リストに使う。
type PathMatcher struct {
	// Exact は完全一致で公開となるパス。
	Exact []string
	// Prefixes は前方一致で公開となるパス（静的アセットなど）。
	Prefixes []string
	// Suffixes は後方一致で公開となるパス（拡張子など）。
	Suffixes []string
	// Patterns は正規表現一致で公開となるパス（サービス間コールバックなど）。
	Patterns []*regexp.Regexp
}

// Matches はパスがいずれかの規則に一致するかを返す。
func (m PathMatcher) Matches(path string) bool {
	for _, p := range m.Exact {
		if path == p {
			return true
		}
	}
	for _, p := range m.Prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	for _, s := range m.Suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	for _, re := range m.Patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// AuthGateConfig はAuthGateミドルウェアのサービスごとの設定。
// ゲート本体は全サービス共通で、公開パスとブラウザページの集合だけが
// サービスごとに異なる。
type AuthGateConfig struct {
	// Client は認証サービスへのクライアント。
	Client *authclient.Client
	// Public は認証なしで通過させるパスの許可リスト。
	Public PathMatcher
	// PublicGet はGETリクエストに限り認証なしで通過させるパスの
	// 許可リスト。公開の一覧取得APIなど、同じパスの書き込み系
	// メソッドは保護したい場合に使う。
	PublicGet PathMatcher
	// BrowserPages はトークン不在・無効時に401ではなくログインページへ
	// リダイレクトするブラウザ閲覧用ページのパス集合（完全一致）。
	BrowserPages []string
	// LoginURL は認証サービスのログインページURL。
	LoginURL string
}

// AuthGate はリクエストごとに認証を強制するGinミドルウェアを返す。
//
// トークンはAuthorizationヘッダー（Bearer）、クエリパラメータtoken、
// Cookieの順で探す。見つかったトークンは認証サービスに問い合わせて
// 検証し、成功時は識別情報をコンテキストに設定する。検証結果は
// キャッシュせず、毎リクエスト1回の同期的なネットワーク往復を払う。
// 通信エラー・200以外・valid=falseはすべて拒否となる（フェイルクローズ）。
func AuthGate(cfg AuthGateConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		if cfg.Public.Matches(path) {
			c.Next()
			return
		}
		if c.Request.Method == http.MethodGet && cfg.PublicGet.Matches(path) {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			rejectRequest(c, cfg, "認証トークンがありません")
			return
		}

		validation, err := cfg.Client.ValidateToken(c.Request.Context(), token)
		if err != nil {
			// 認証サービスに到達できない場合もリクエストは通さない
			log.Printf("トークン検証の呼び出しに失敗: path=%s, error=%v", path, err)
			rejectRequest(c, cfg, "認証サービスでエラーが発生しました")
			return
		}
		if !validation.Valid {
			rejectRequest(c, cfg, "認証トークンが無効です")
			return
		}

		c.Set(ctxKeyAccountID, validation.AccountID)
		c.Set(ctxKeyEmail, validation.Email)
		c.Set(ctxKeyDisplayName, validation.DisplayName)
		c.Set(ctxKeyRole, validation.Role)
		c.Set(ctxKeyExternalAccountID, validation.ExternalAccountID)
		c.Header(headerKeyAccountID, validation.AccountID)
		c.Next()
	}
}

// extractToken はリクエストから候補トークンを取り出す。
// 優先順位はAuthorizationヘッダー、クエリパラメータ、Cookieの順。
// クエリパラメータで見つかった場合は、以降の画面遷移でパラメータを
// 再指定せずに済むようCookieを設定する。
func extractToken(c *gin.Context) string {
	if token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); found && token != "" {
		return token
	}

	if token := c.Query("token"); token != "" {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(AuthCookieName, token, authCookieMaxAge, "/", "", false, true)
		return token
	}

	if token, err := c.Cookie(AuthCookieName); err == nil && token != "" {
		return token
	}

	return ""
}

// rejectRequest は認証失敗時のレスポンスを書き込む。
// ブラウザ閲覧用ページはJSONエラーを表示できないためログインページへ
// リダイレクトし、それ以外（API呼び出し）は401を返す。
func rejectRequest(c *gin.Context, cfg AuthGateConfig, message string) {
	path := c.Request.URL.Path
	for _, page := range cfg.BrowserPages {
		if path == page {
			c.Redirect(http.StatusFound, cfg.LoginURL)
			c.Abort()
			return
		}
	}

	if strings.Contains(c.GetHeader("Accept"), "text/html") {
		c.Data(http.StatusUnauthorized, "text/html; charset=utf-8", []byte(unauthorizedHTML(message, cfg.LoginURL)))
		c.Abort()
		return
	}

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":     message,
		"login_url": cfg.LoginURL,
	})
}

// unauthorizedHTML は401レスポンス用の最小限のHTMLボディを組み立てる。
func unauthorizedHTML(message, loginURL string) string {
	return `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>ログインが必要です</title></head>
<body>
  <h2>ログインが必要です</h2>
  <p>` + message + `</p>
  <p><a href="` + loginURL + `">ログインページへ</a></p>
</body>
</html>`
}

// AccountID はGinコンテキストから認証済みアカウントIDを取得する。
// AuthGateミドルウェアが事前に適用されている必要がある。
func AccountID(c *gin.Context) string {
	return getString(c, ctxKeyAccountID)
}

// Email はGinコンテキストから認証済みメールアドレスを取得する。
func Email(c *gin.Context) string {
	return getString(c, ctxKeyEmail)
}

// DisplayName はGinコンテキストから認証済み表示名を取得する。
func DisplayName(c *gin.Context) string {
	return getString(c, ctxKeyDisplayName)
}

// Role はGinコンテキストから認証済みロールを取得する。
func Role(c *gin.Context) string {
	return getString(c, ctxKeyRole)
}

// ExternalAccountID はGinコンテキストから外部アカウントIDを取得する。
func ExternalAccountID(c *gin.Context) string {
	return getString(c, ctxKeyExternalAccountID)
}

// getString はGinコンテキストから文字列値を取得する。
func getString(c *gin.Context, key string) string {
	v, _ := c.Get(key)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
