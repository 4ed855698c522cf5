package job

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nao1215/jobhub/pkg/authclient"
	"github.com/nao1215/jobhub/pkg/httpclient"
	"github.com/nao1215/jobhub/pkg/middleware"
)

// Config は求人サービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string
	// AuthServiceURL は認証サービスのベースURL。
	AuthServiceURL string
	// ApplicationServiceURL は応募サービスのベースURL。
	ApplicationServiceURL string
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() Config {
	return Config{
		Port:                  getEnvOr("PORT", "8081"),
		DatabasePath:          getEnvOr("DATABASE_PATH", "/data/job.db"),
		AuthServiceURL:        getEnvOr("AUTH_SERVICE_URL", "http://localhost:8083"),
		ApplicationServiceURL: getEnvOr("APPLICATION_SERVICE_URL", "http://localhost:8082"),
	}
}

// Server は求人サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービス設定。
	cfg Config
	// store は求人永続化層。
	store *Store
	// db はSQLiteデータベース接続。
	db *sql.DB
	// applicationClient は応募サービスへのHTTPクライアント。
	applicationClient *httpclient.Client
}

// NewServer は新しい求人サーバーを生成する。
func NewServer(cfg Config) (*Server, error) {
	sqlDB, err := sql.Open("sqlite", cfg.DatabasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.AuthGate(authGateConfig(cfg)))

	s := &Server{
		router:            router,
		cfg:               cfg,
		store:             NewStore(sqlDB),
		db:                sqlDB,
		applicationClient: httpclient.New(cfg.ApplicationServiceURL),
	}
	s.setupRoutes()

	return s, nil
}

// authGateConfig は求人サービス用のAuthGate設定を組み立てる。
// 閲覧用ページは未ログインでも表示し、画面側のスクリプトが必要に
// 応じてログインへ誘導する。保護するのはAPIの書き込み系操作。
func authGateConfig(cfg Config) middleware.AuthGateConfig {
	return middleware.AuthGateConfig{
		Client: authclient.New(cfg.AuthServiceURL),
		Public: middleware.PathMatcher{
			Exact: []string{
				"/", "/health", "/favicon.ico",
				"/dashboard", "/jobs", "/create-job", "/job-details", "/profile", "/job-listings",
			},
			Prefixes: []string{"/css/", "/js/", "/images/", "/static/"},
			Suffixes: []string{".js", ".css", ".png", ".ico", ".svg"},
		},
		// 求人一覧の取得のみ公開。同じパスのPOST（求人作成）は保護する。
		PublicGet: middleware.PathMatcher{
			Exact: []string{"/api/jobs"},
		},
		// 求人サービスの閲覧ページは公開のため、リダイレクト対象のページは無い
		BrowserPages: nil,
		LoginURL:     cfg.AuthServiceURL + "/login",
	}
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.cfg.Port))
}

// setupRoutes はAPIルーティングを設定する。
// 認証の判定はAuthGateミドルウェアが行うため、ここでは公開・保護を
// 区別せずに登録する。GET /api/jobsのみ公開APIとなる。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		jobs := api.Group("/jobs")
		{
			// 求人一覧（公開）
			jobs.GET("", s.handleListJobs())
			// 求人作成（EMPLOYERのみ）
			jobs.POST("", s.handleCreateJob())
			// 自分の求人一覧
			jobs.GET("/my", s.handleMyJobs())
			// 求人詳細
			jobs.GET("/:id", s.handleGetJob())
			// 求人更新（作成者のみ）
			jobs.PUT("/:id", s.handleUpdateJob())
			// 求人削除（作成者のみ）
			jobs.DELETE("/:id", s.handleDeleteJob())
			// 求人への応募一覧（作成者のみ、応募サービスへ問い合わせ）
			jobs.GET("/:id/applications", s.handleJobApplications())
		}
	}

	// 閲覧用ページ（公開）
	for _, page := range []string{"/", "/dashboard", "/jobs", "/create-job", "/job-details", "/profile", "/job-listings"} {
		s.router.GET(page, s.handlePage())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "job"})
	})
}

// jobRequest は求人作成・更新リクエストのJSON構造。
type jobRequest struct {
	// Title は求人タイトル。
	Title string `json:"title" binding:"required"`
	// Description は求人の詳細説明。
	Description string `json:"description"`
	// Location は勤務地。
	Location string `json:"location"`
	// SalaryRange は給与レンジの表記。
	SalaryRange string `json:"salaryRange"`
	// OrganizationName は募集元の組織名。
	OrganizationName string `json:"organizationName"`
}

// jobResponse は求人情報のJSONレスポンス。
type jobResponse struct {
	// ID は求人の一意識別子。
	ID string `json:"id"`
	// EmployerAccountID は求人を作成した企業アカウントのID。
	EmployerAccountID string `json:"employerAccountId"`
	// Title は求人タイトル。
	Title string `json:"title"`
	// Description は求人の詳細説明。
	Description string `json:"description"`
	// Location は勤務地。
	Location string `json:"location"`
	// SalaryRange は給与レンジの表記。
	SalaryRange string `json:"salaryRange"`
	// OrganizationName は募集元の組織名。
	OrganizationName string `json:"organizationName"`
}

// toJobResponse はレコードをレスポンス形式に変換する。
func toJobResponse(j Job) jobResponse {
	return jobResponse{
		ID:                j.ID,
		EmployerAccountID: j.EmployerAccountID,
		Title:             j.Title,
		Description:       j.Description,
		Location:          j.Location,
		SalaryRange:       j.SalaryRange,
		OrganizationName:  j.OrganizationName,
	}
}

// handleListJobs は求人一覧を返すハンドラを返す。認証不要。
func (s *Server) handleListJobs() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := s.store.ListJobs(c.Request.Context())
		if err != nil {
			log.Printf("求人一覧取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "求人一覧の取得に失敗しました"})
			return
		}

		responses := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			responses = append(responses, toJobResponse(j))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleCreateJob は求人作成ハンドラを返す。EMPLOYERロールのみ許可する。
func (s *Server) handleCreateJob() gin.HandlerFunc {
	return func(c *gin.Context) {
		if middleware.Role(c) != "EMPLOYER" {
			c.JSON(http.StatusForbidden, gin.H{"error": "求人の作成は企業アカウントのみ可能です"})
			return
		}

		var req jobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		j := Job{
			ID:                uuid.New().String(),
			EmployerAccountID: middleware.AccountID(c),
			Title:             req.Title,
			Description:       req.Description,
			Location:          req.Location,
			SalaryRange:       req.SalaryRange,
			OrganizationName:  req.OrganizationName,
		}
		if err := s.store.CreateJob(c.Request.Context(), j); err != nil {
			log.Printf("求人作成エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "求人の作成に失敗しました"})
			return
		}

		c.JSON(http.StatusCreated, toJobResponse(j))
	}
}

// handleMyJobs は自分が作成した求人一覧を返すハンドラを返す。
func (s *Server) handleMyJobs() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := s.store.ListJobsByEmployer(c.Request.Context(), middleware.AccountID(c))
		if err != nil {
			log.Printf("求人一覧取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "求人一覧の取得に失敗しました"})
			return
		}

		responses := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			responses = append(responses, toJobResponse(j))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleGetJob は求人詳細を返すハンドラを返す。
func (s *Server) handleGetJob() gin.HandlerFunc {
	return func(c *gin.Context) {
		j, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			log.Printf("求人取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "求人の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, toJobResponse(*j))
	}
}

// handleUpdateJob は求人更新ハンドラを返す。作成者のみ更新できる。
func (s *Server) handleUpdateJob() gin.HandlerFunc {
	return func(c *gin.Context) {
		j, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			log.Printf("求人取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "求人の取得に失敗しました"})
			return
		}
		if j.EmployerAccountID != middleware.AccountID(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "この求人を更新する権限がありません"})
			return
		}

		var req jobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		j.Title = req.Title
		j.Description = req.Description
		j.Location = req.Location
		j.SalaryRange = req.SalaryRange
		j.OrganizationName = req.OrganizationName
		if err := s.store.UpdateJob(c.Request.Context(), *j); err != nil {
			log.Printf("求人更新エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "求人の更新に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, toJobResponse(*j))
	}
}

// handleDeleteJob は求人削除ハンドラを返す。作成者のみ削除できる。
func (s *Server) handleDeleteJob() gin.HandlerFunc {
	return func(c *gin.Context) {
		j, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			log.Printf("求人取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "求人の取得に失敗しました"})
			return
		}
		if j.EmployerAccountID != middleware.AccountID(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "この求人を削除する権限がありません"})
			return
		}

		if err := s.store.DeleteJob(c.Request.Context(), j.ID); err != nil {
			log.Printf("求人削除エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "求人の削除に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "求人を削除しました"})
	}
}

// handleJobApplications は求人への応募一覧を返すハンドラを返す。
// 応募レコードは応募サービスが所有するため、サービス間通信で取得する。
func (s *Server) handleJobApplications() gin.HandlerFunc {
	return func(c *gin.Context) {
		j, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			log.Printf("求人取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "求人の取得に失敗しました"})
			return
		}
		if j.EmployerAccountID != middleware.AccountID(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "この求人の応募を閲覧する権限がありません"})
			return
		}

		ctx := httpclient.WithAccountID(c.Request.Context(), middleware.AccountID(c))
		var applications []map[string]any
		if err := s.applicationClient.GetJSON(ctx, "/api/jobs/"+j.ID+"/applications", &applications); err != nil {
			log.Printf("応募一覧取得エラー: job_id=%s, error=%v", j.ID, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "応募サービスとの通信に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, applications)
	}
}

// pageHTML は閲覧用ページの最小限のHTML。
// ページレンダリングはこのサブシステムの範囲外のため、静的なHTMLを返す。
const pageHTML = `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>JobHub 求人サービス</title></head>
<body>
  <h2>JobHub 求人サービス</h2>
  <p>このページの表示内容はクライアントサイドでAPIから取得します。</p>
</body>
</html>`

// handlePage は閲覧用ページを返すハンドラを返す。
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
