package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/nao1215/jobhub/pkg/middleware"
	"github.com/nao1215/jobhub/pkg/migration"
)

// Server は認証サービスのHTTPサーバー。
// アカウント管理・トークン発行・トークン検証エンドポイントを提供し、
// すべての下流サービスのAuthGateから参照される。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービス設定。
	cfg Config
	// db はSQLiteデータベース接続。
	db *sql.DB
	// store はアカウント永続化層。
	store *Store
	// codec はトークンコーデック。
	codec *TokenCodec
	// service は認証ロジック。
	service *Service
	// federation は外部プロバイダログインの設定。
	federation *federation
}

// NewServer は新しい認証サーバーを生成する。
// SQLiteデータベースを開き、embedされたマイグレーションを適用する。
func NewServer(cfg Config) (*Server, error) {
	sqlDB, err := sql.Open("sqlite", cfg.DatabasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := migration.Run(sqlDB, migrationsFS, migrationsDir); err != nil {
		return nil, fmt.Errorf("マイグレーションの適用に失敗: %w", err)
	}

	var states StateStore
	if cfg.RedisAddr != "" {
		states = NewRedisStateStore(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		log.Print("REDIS_ADDRが未設定のため、OAuthステートをプロセス内メモリに保存します")
		states = NewMemoryStateStore()
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	store := NewStore(sqlDB)
	codec := NewTokenCodec(cfg.JWTSecret)

	s := &Server{
		router:     router,
		cfg:        cfg,
		db:         sqlDB,
		store:      store,
		codec:      codec,
		service:    NewService(store, codec),
		federation: newFederation(cfg, states),
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.cfg.Port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/auth")
	{
		// アカウント登録（トークンは発行しない）
		api.POST("/register", s.handleRegister())
		// ログインとトークン発行
		api.POST("/login", s.handleLogin())
		// トークン検証（ボディ指定）。全下流サービスのAuthGateが依存する。
		api.POST("/validate-token", s.handleValidateToken())
		// トークン検証（Authorizationヘッダー指定）
		api.POST("/validate", s.handleValidateHeader())
		// 外部アカウントIDの紐付け
		api.PUT("/users/:accountID/external-id", s.handleLinkExternalAccount())
	}

	// 外部プロバイダログイン（認証不要）
	oauth := s.router.Group("/auth")
	{
		oauth.GET("/google", s.handleGoogleLogin())
		oauth.GET("/google/callback", s.handleGoogleCallback())
		oauth.GET("/github", s.handleGitHubLogin())
		oauth.GET("/github/callback", s.handleGitHubCallback())
	}

	// 下流サービスのAuthGateがリダイレクトしてくるログインページ
	s.router.GET("/login", s.handleLoginPage())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "auth"})
	})
}

// registerRequest はアカウント登録リクエストのJSON構造。
type registerRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Password はパスワード。
	Password string `json:"password" binding:"required,min=8"`
	// Role はアカウント種別（APPLICANT | EMPLOYER）。
	Role string `json:"role" binding:"required"`
	// DisplayName は表示名。
	DisplayName string `json:"displayName" binding:"required"`
	// OrganizationName は組織名。EMPLOYERの場合は必須。
	OrganizationName string `json:"organizationName"`
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required"`
	// Password はパスワード。
	Password string `json:"password" binding:"required"`
}

// validateTokenRequest はトークン検証リクエストのJSON構造。
type validateTokenRequest struct {
	// Token は検証対象のトークン文字列。
	Token string `json:"token"`
}

// accountResponse はアカウント情報のJSONレスポンス。
type accountResponse struct {
	// AccountID はアカウントの一意識別子。
	AccountID string `json:"accountId"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// DisplayName は表示名。
	DisplayName string `json:"displayName"`
	// Role はアカウント種別。
	Role string `json:"role"`
	// ExternalAccountID は紐付け済み外部アカウントID。
	ExternalAccountID string `json:"externalAccountId,omitempty"`
	// OrganizationName は組織名。
	OrganizationName string `json:"organizationName,omitempty"`
}

// validationResponse はトークン検証のJSONレスポンス。常に200で返す。
type validationResponse struct {
	// Valid はトークンが有効かどうか。
	Valid bool `json:"valid"`
	// AccountID はアカウントの一意識別子。
	AccountID string `json:"accountId,omitempty"`
	// Email はメールアドレス。
	Email string `json:"email,omitempty"`
	// DisplayName は表示名。
	DisplayName string `json:"displayName,omitempty"`
	// Role はアカウント種別。
	Role string `json:"role,omitempty"`
	// ExternalAccountID は紐付け済み外部アカウントID。
	ExternalAccountID string `json:"externalAccountId,omitempty"`
	// OrganizationName は組織名。
	OrganizationName string `json:"organizationName,omitempty"`
}

// handleRegister はアカウント登録ハンドラを返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		account, err := s.service.Register(c.Request.Context(), req.Email, req.Password, req.Role, req.DisplayName, req.OrganizationName)
		if err != nil {
			switch {
			case errors.Is(err, ErrDuplicateEmail),
				errors.Is(err, ErrMissingOrganization),
				errors.Is(err, ErrInvalidRole):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				log.Printf("アカウント登録エラー: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "アカウントの作成に失敗しました"})
			}
			return
		}

		c.JSON(http.StatusOK, accountResponse{
			AccountID:        account.ID,
			Email:            account.Email,
			DisplayName:      account.DisplayName,
			Role:             account.Role,
			OrganizationName: account.OrganizationName,
		})
	}
}

// handleLogin はログインハンドラを返す。成功時にトークンを発行する。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		token, account, err := s.service.Login(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			log.Printf("ログインエラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ログイン処理に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":             token,
			"accountId":         account.ID,
			"email":             account.Email,
			"displayName":       account.DisplayName,
			"role":              account.Role,
			"externalAccountId": account.ExternalAccountID,
			"organizationName":  account.OrganizationName,
		})
	}
}

// handleValidateToken はトークン検証ハンドラを返す。
// このエンドポイントは常に200を返し、いかなる失敗もvalid=falseに
// 畳み込む。下流のAuthGateは200以外のレスポンスを認証失敗として
// 扱うため、境界の外へエラーを漏らしてはならない。
func (s *Server) handleValidateToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req validateTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, validationResponse{Valid: false})
			return
		}
		s.writeValidation(c, req.Token)
	}
}

// handleValidateHeader はAuthorizationヘッダー版のトークン検証ハンドラを返す。
func (s *Server) handleValidateHeader() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found {
			c.JSON(http.StatusOK, validationResponse{Valid: false})
			return
		}
		s.writeValidation(c, token)
	}
}

// writeValidation はトークンを検証して結果を書き込む共通処理。
func (s *Server) writeValidation(c *gin.Context, token string) {
	result, err := s.service.Validate(c.Request.Context(), token)
	if err != nil {
		// ストア障害もvalid=falseとして返す。失敗時は閉じる。
		log.Printf("トークン検証エラー: %v", err)
		c.JSON(http.StatusOK, validationResponse{Valid: false})
		return
	}
	c.JSON(http.StatusOK, validationResponse{
		Valid:             result.Valid,
		AccountID:         result.AccountID,
		Email:             result.Email,
		DisplayName:       result.DisplayName,
		Role:              result.Role,
		ExternalAccountID: result.ExternalAccountID,
		OrganizationName:  result.OrganizationName,
	})
}

// handleLinkExternalAccount は外部アカウントID紐付けハンドラを返す。冪等。
func (s *Server) handleLinkExternalAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("accountID")
		externalAccountID := c.Query("externalAccountId")
		if externalAccountID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "externalAccountIdクエリパラメータが必要です"})
			return
		}

		if err := s.service.LinkExternalAccount(c.Request.Context(), accountID, externalAccountID); err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			log.Printf("外部アカウントID紐付けエラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "外部アカウントIDの紐付けに失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "外部アカウントIDを紐付けました"})
	}
}

// loginPageHTML はAuthGateのリダイレクト先となる最小限のログインページ。
// ページレンダリングはこのサブシステムの範囲外のため、静的なHTMLを返す。
const loginPageHTML = `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>ログイン - JobHub</title></head>
<body>
  <h2>ログイン</h2>
  <form method="post" action="/api/auth/login" id="login-form">
    <label>メールアドレス <input type="email" name="email" required></label>
    <label>パスワード <input type="password" name="password" required></label>
    <button type="submit">ログイン</button>
  </form>
  <p><a href="/auth/google">Googleでログイン</a> / <a href="/auth/github">GitHubでログイン</a></p>
</body>
</html>`

// handleLoginPage はログインページを返すハンドラを返す。
func (s *Server) handleLoginPage() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(loginPageHTML))
	}
}
