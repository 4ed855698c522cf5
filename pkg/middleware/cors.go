package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS は許可リストに載ったオリジンからのクロスオリジンリクエストを
// 受け付けるGinミドルウェアを返す。求人・応募サービスの画面が
// 認証サービスのAPIを直接呼び出すために、認証サービス側で使用する。
// 許可リストに無いオリジンにはCORSヘッダーを一切付与しない。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		// キャッシュがオリジンごとにレスポンスを区別できるようにする
		c.Header("Vary", "Origin")

		origin := c.GetHeader("Origin")
		if _, ok := allowed[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "86400")
		}

		// プリフライトはここで完結させる
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
