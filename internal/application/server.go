package application

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nao1215/jobhub/pkg/authclient"
	"github.com/nao1215/jobhub/pkg/middleware"
)

// Config は応募サービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string
	// AuthServiceURL は認証サービスのベースURL。
	AuthServiceURL string
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() Config {
	return Config{
		Port:           getEnvOr("PORT", "8082"),
		DatabasePath:   getEnvOr("DATABASE_PATH", "/data/application.db"),
		AuthServiceURL: getEnvOr("AUTH_SERVICE_URL", "http://localhost:8083"),
	}
}

// jobApplicationsPattern は求人サービスからのサービス間コールバックパス。
// 求人サービスが自分の求人への応募一覧を取得するために呼び出す。
var jobApplicationsPattern = regexp.MustCompile(`^/api/jobs/[0-9a-fA-F-]+/applications$`)

// browserPages は未認証時にログインページへリダイレクトする
// ブラウザ閲覧用ページ。JSONエラーを表示できないため401を返さない。
var browserPages = []string{"/dashboard", "/browse-jobs", "/my-applications", "/profile"}

// Server は応募サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービス設定。
	cfg Config
	// store は応募・プロフィール永続化層。
	store *Store
	// db はSQLiteデータベース接続。
	db *sql.DB
	// authClient は認証サービスへのクライアント。外部アカウントID紐付けに使う。
	authClient *authclient.Client
}

// NewServer は新しい応募サーバーを生成する。
func NewServer(cfg Config) (*Server, error) {
	sqlDB, err := sql.Open("sqlite", cfg.DatabasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	authClient := authclient.New(cfg.AuthServiceURL)

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.AuthGate(authGateConfig(cfg, authClient)))

	s := &Server{
		router:     router,
		cfg:        cfg,
		store:      NewStore(sqlDB),
		db:         sqlDB,
		authClient: authClient,
	}
	s.setupRoutes()

	return s, nil
}

// authGateConfig は応募サービス用のAuthGate設定を組み立てる。
func authGateConfig(cfg Config, client *authclient.Client) middleware.AuthGateConfig {
	return middleware.AuthGateConfig{
		Client: client,
		Public: middleware.PathMatcher{
			Exact:    []string{"/", "/health", "/favicon.ico"},
			Prefixes: []string{"/css/", "/js/", "/images/", "/static/", "/webjars/", "/resources/"},
			Suffixes: []string{".js", ".css", ".png", ".jpg", ".ico", ".gif", ".svg", ".woff", ".woff2", ".ttf", ".eot"},
			// 求人サービスからのサービス間コールバック
			Patterns: []*regexp.Regexp{jobApplicationsPattern},
		},
		BrowserPages: browserPages,
		LoginURL:     cfg.AuthServiceURL + "/login",
	}
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.cfg.Port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		applications := api.Group("/applications")
		{
			// 応募の作成（APPLICANTのみ）
			applications.POST("", s.handleCreateApplication())
			// 自分の応募一覧
			applications.GET("/my", s.handleMyApplications())
			// 選考状況の更新
			applications.PUT("/:id/status", s.handleUpdateStatus())
		}

		// 求人サービス向け: 求人への応募一覧（公開、サービス間コールバック）
		api.GET("/jobs/:jobID/applications", s.handleApplicationsForJob())

		profile := api.Group("/profile")
		{
			// 自分のプロフィール取得
			profile.GET("", s.handleGetProfile())
			// プロフィールの作成・更新
			profile.PUT("", s.handleUpsertProfile())
		}
	}

	// ブラウザ閲覧用ページ（認証必須、未認証はログインへリダイレクト）
	for _, page := range browserPages {
		s.router.GET(page, s.handlePage())
	}
	// ランディングページ（公開）
	s.router.GET("/", s.handlePage())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "application"})
	})
}

// createApplicationRequest は応募作成リクエストのJSON構造。
type createApplicationRequest struct {
	// JobID は応募先求人のID。
	JobID string `json:"jobId" binding:"required"`
	// CoverLetter は応募時の添え状。
	CoverLetter string `json:"coverLetter"`
}

// updateStatusRequest は選考状況更新リクエストのJSON構造。
type updateStatusRequest struct {
	// Status は新しい選考状況。
	Status string `json:"status" binding:"required,oneof=APPLIED REVIEWING ACCEPTED REJECTED"`
}

// applicationResponse は応募情報のJSONレスポンス。
type applicationResponse struct {
	// ID は応募の一意識別子。
	ID string `json:"id"`
	// JobID は応募先求人のID。
	JobID string `json:"jobId"`
	// ApplicantAccountID は応募者アカウントのID。
	ApplicantAccountID string `json:"applicantAccountId"`
	// CoverLetter は応募時の添え状。
	CoverLetter string `json:"coverLetter"`
	// Status は選考状況。
	Status string `json:"status"`
}

// profileRequest はプロフィール作成・更新リクエストのJSON構造。
type profileRequest struct {
	// Headline は自己紹介の見出し。
	Headline string `json:"headline"`
	// Skills はスキルのカンマ区切り表記。
	Skills string `json:"skills"`
	// ExperienceYears は経験年数。
	ExperienceYears int `json:"experienceYears"`
}

// profileResponse はプロフィールのJSONレスポンス。
type profileResponse struct {
	// ID はプロフィールの一意識別子。
	ID string `json:"id"`
	// AccountID は認証サービスのアカウントID。
	AccountID string `json:"accountId"`
	// Headline は自己紹介の見出し。
	Headline string `json:"headline"`
	// Skills はスキルのカンマ区切り表記。
	Skills string `json:"skills"`
	// ExperienceYears は経験年数。
	ExperienceYears int `json:"experienceYears"`
}

// toApplicationResponse はレコードをレスポンス形式に変換する。
func toApplicationResponse(a Application) applicationResponse {
	return applicationResponse{
		ID:                 a.ID,
		JobID:              a.JobID,
		ApplicantAccountID: a.ApplicantAccountID,
		CoverLetter:        a.CoverLetter,
		Status:             a.Status,
	}
}

// handleCreateApplication は応募作成ハンドラを返す。APPLICANTのみ許可する。
func (s *Server) handleCreateApplication() gin.HandlerFunc {
	return func(c *gin.Context) {
		if middleware.Role(c) != "APPLICANT" {
			c.JSON(http.StatusForbidden, gin.H{"error": "応募は求職者アカウントのみ可能です"})
			return
		}

		var req createApplicationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		a := Application{
			ID:                 uuid.New().String(),
			JobID:              req.JobID,
			ApplicantAccountID: middleware.AccountID(c),
			CoverLetter:        req.CoverLetter,
			Status:             "APPLIED",
		}
		if err := s.store.CreateApplication(c.Request.Context(), a); err != nil {
			if errors.Is(err, ErrDuplicateApplication) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			log.Printf("応募作成エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "応募の作成に失敗しました"})
			return
		}

		c.JSON(http.StatusCreated, toApplicationResponse(a))
	}
}

// handleMyApplications は自分の応募一覧を返すハンドラを返す。
func (s *Server) handleMyApplications() gin.HandlerFunc {
	return func(c *gin.Context) {
		applications, err := s.store.ListApplicationsByApplicant(c.Request.Context(), middleware.AccountID(c))
		if err != nil {
			log.Printf("応募一覧取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "応募一覧の取得に失敗しました"})
			return
		}

		responses := make([]applicationResponse, 0, len(applications))
		for _, a := range applications {
			responses = append(responses, toApplicationResponse(a))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleUpdateStatus は選考状況更新ハンドラを返す。
func (s *Server) handleUpdateStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		if err := s.store.UpdateApplicationStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
			if errors.Is(err, ErrApplicationNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			log.Printf("選考状況更新エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "選考状況の更新に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "選考状況を更新しました"})
	}
}

// handleApplicationsForJob は指定求人への応募一覧を返すハンドラを返す。
// 求人サービスからのサービス間コールバックとして公開されている。
func (s *Server) handleApplicationsForJob() gin.HandlerFunc {
	return func(c *gin.Context) {
		applications, err := s.store.ListApplicationsByJob(c.Request.Context(), c.Param("jobID"))
		if err != nil {
			log.Printf("応募一覧取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "応募一覧の取得に失敗しました"})
			return
		}

		responses := make([]applicationResponse, 0, len(applications))
		for _, a := range applications {
			responses = append(responses, toApplicationResponse(a))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleGetProfile は自分のプロフィールを返すハンドラを返す。
func (s *Server) handleGetProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.store.GetProfileByAccount(c.Request.Context(), middleware.AccountID(c))
		if err != nil {
			if errors.Is(err, ErrProfileNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			log.Printf("プロフィール取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィールの取得に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, profileResponse{
			ID:              p.ID,
			AccountID:       p.AccountID,
			Headline:        p.Headline,
			Skills:          p.Skills,
			ExperienceYears: p.ExperienceYears,
		})
	}
}

// handleUpsertProfile はプロフィール作成・更新ハンドラを返す。
// 初回作成時はプロフィールIDを外部アカウントIDとして認証サービスに
// 紐付ける。紐付けは冪等であり、失敗してもプロフィール自体は保存される。
func (s *Server) handleUpsertProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req profileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		accountID := middleware.AccountID(c)
		existing, err := s.store.GetProfileByAccount(c.Request.Context(), accountID)
		if err != nil && !errors.Is(err, ErrProfileNotFound) {
			log.Printf("プロフィール取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィールの取得に失敗しました"})
			return
		}

		if existing != nil {
			existing.Headline = req.Headline
			existing.Skills = req.Skills
			existing.ExperienceYears = req.ExperienceYears
			if err := s.store.UpdateProfile(c.Request.Context(), *existing); err != nil {
				log.Printf("プロフィール更新エラー: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィールの更新に失敗しました"})
				return
			}
			c.JSON(http.StatusOK, profileResponse{
				ID:              existing.ID,
				AccountID:       existing.AccountID,
				Headline:        existing.Headline,
				Skills:          existing.Skills,
				ExperienceYears: existing.ExperienceYears,
			})
			return
		}

		p := Profile{
			ID:              uuid.New().String(),
			AccountID:       accountID,
			Headline:        req.Headline,
			Skills:          req.Skills,
			ExperienceYears: req.ExperienceYears,
		}
		if err := s.store.CreateProfile(c.Request.Context(), p); err != nil {
			log.Printf("プロフィール作成エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィールの作成に失敗しました"})
			return
		}

		// プロフィールIDを認証サービスのアカウントに紐付ける。
		// 以後発行されるトークンにexternalAccountIdとして埋め込まれる。
		if err := s.authClient.LinkExternalAccount(c.Request.Context(), accountID, p.ID); err != nil {
			log.Printf("外部アカウントID紐付けエラー: account_id=%s, error=%v", accountID, err)
		}

		c.JSON(http.StatusCreated, profileResponse{
			ID:              p.ID,
			AccountID:       p.AccountID,
			Headline:        p.Headline,
			Skills:          p.Skills,
			ExperienceYears: p.ExperienceYears,
		})
	}
}

// pageHTML はブラウザ閲覧用ページの最小限のHTML。
const pageHTML = `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>JobHub 応募サービス</title></head>
<body>
  <h2>JobHub 応募サービス</h2>
  <p>このページの表示内容はクライアントサイドでAPIから取得します。</p>
</body>
</html>`

// handlePage はブラウザ閲覧用ページを返すハンドラを返す。
func (s *Server) handlePage() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(pageHTML))
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
