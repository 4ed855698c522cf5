package auth

import "os"

// Config は認証サービスの設定。
// 環境変数の読み取りはLoadに集約し、サーバー本体はこの構造体のみに依存する。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string
	// JWTSecret はトークン署名鍵の導出元となる秘密鍵文字列。
	JWTSecret string

	// JobServiceURL は求人サービスのベースURL。
	// 外部プロバイダログイン後のEMPLOYER向けリダイレクト先。
	JobServiceURL string
	// ApplicationServiceURL は応募サービスのベースURL。
	// 外部プロバイダログイン後のAPPLICANT向けリダイレクト先。
	ApplicationServiceURL string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string

	// RedisAddr はOAuthステート保存用Redisのアドレス。
	// 空の場合はプロセス内メモリにフォールバックする。
	RedisAddr string
	// RedisPassword はRedisの認証パスワード。
	RedisPassword string

	// GoogleClientID はGoogle OAuth2のクライアントID。
	GoogleClientID string
	// GoogleClientSecret はGoogle OAuth2のクライアントシークレット。
	GoogleClientSecret string
	// GoogleRedirectURL はGoogle OAuth2のコールバックURL。
	GoogleRedirectURL string

	// GitHubClientID はGitHub OAuth2のクライアントID。
	GitHubClientID string
	// GitHubClientSecret はGitHub OAuth2のクライアントシークレット。
	GitHubClientSecret string
	// GitHubRedirectURL はGitHub OAuth2のコールバックURL。
	GitHubRedirectURL string
	// GitHubAPIBaseURL はGitHub APIのベースURL。テストで差し替える。
	GitHubAPIBaseURL string
}

// LoadConfig は環境変数から設定を読み込む。未設定の項目には
// ローカル開発用のデフォルト値を使う。
func LoadConfig() Config {
	return Config{
		Port:         getEnvOr("PORT", "8083"),
		DatabasePath: getEnvOr("DATABASE_PATH", "/data/auth.db"),
		JWTSecret:    getEnvOr("JWT_SECRET", "dev-secret-key"),

		JobServiceURL:         getEnvOr("JOB_SERVICE_URL", "http://localhost:8081"),
		ApplicationServiceURL: getEnvOr("APPLICATION_SERVICE_URL", "http://localhost:8082"),
		AllowedOrigins: []string{
			getEnvOr("JOB_SERVICE_URL", "http://localhost:8081"),
			getEnvOr("APPLICATION_SERVICE_URL", "http://localhost:8082"),
		},

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  getEnvOr("GOOGLE_REDIRECT_URL", "http://localhost:8083/auth/google/callback"),

		GitHubClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		GitHubClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		GitHubRedirectURL:  getEnvOr("GITHUB_REDIRECT_URL", "http://localhost:8083/auth/github/callback"),
		GitHubAPIBaseURL:   getEnvOr("GITHUB_API_BASE_URL", "https://api.github.com"),
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
