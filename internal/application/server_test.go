package application

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/nao1215/jobhub/pkg/authclient"
	"github.com/nao1215/jobhub/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// テスト用アカウント。モック認証サービスがトークン文字列から引く。
var testAccounts = map[string]map[string]any{
	"applicant-token": {
		"valid": true, "accountId": "acc-applicant", "email": "taro@gmail.com",
		"displayName": "山田太郎", "role": "APPLICANT",
	},
	"applicant2-token": {
		"valid": true, "accountId": "acc-applicant-2", "email": "hanako@gmail.com",
		"displayName": "佐藤花子", "role": "APPLICANT",
	},
	"employer-token": {
		"valid": true, "accountId": "acc-employer", "email": "hr@acme.co.jp",
		"displayName": "採用担当", "role": "EMPLOYER", "organizationName": "ACME株式会社",
	},
}

// mockAuthServer はトークン検証と外部アカウントID紐付けを備えた
// モック認証サービス。紐付け呼び出しを記録する。
type mockAuthServer struct {
	*httptest.Server

	mu    sync.Mutex
	links []string
}

// linkCalls は記録された紐付け呼び出し（"accountID=externalAccountID"形式）を返す。
func (m *mockAuthServer) linkCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.links...)
}

// newMockAuthServer はモック認証サービスを構築する。
func newMockAuthServer(t *testing.T) *mockAuthServer {
	t.Helper()

	m := &mockAuthServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/validate-token", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		account, ok := testAccounts[req.Token]
		if !ok {
			fmt.Fprint(w, `{"valid":false}`)
			return
		}
		if err := json.NewEncoder(w).Encode(account); err != nil {
			t.Errorf("モックレスポンスのエンコードに失敗: %v", err)
		}
	})

	mux.HandleFunc("PUT /api/auth/users/{accountID}/external-id", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.links = append(m.links, r.PathValue("accountID")+"="+r.URL.Query().Get("externalAccountId"))
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message":"ok"}`)
	})

	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// setupTestServer はテスト用の応募サーバーをインメモリSQLiteで構築する。
func setupTestServer(t *testing.T) (*Server, *gin.Engine, *mockAuthServer) {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := initSchema(sqlDB); err != nil {
		t.Fatalf("スキーマ初期化に失敗: %v", err)
	}

	auth := newMockAuthServer(t)
	cfg := Config{AuthServiceURL: auth.URL}
	client := authclient.New(auth.URL)

	router := gin.New()
	router.Use(middleware.AuthGate(authGateConfig(cfg, client)))

	s := &Server{
		router:     router,
		cfg:        cfg,
		store:      NewStore(sqlDB),
		db:         sqlDB,
		authClient: client,
	}
	s.setupRoutes()

	return s, router, auth
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをmapにデコードするヘルパー関数。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSONのデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// parseJSONArray はレスポンスボディをスライスにデコードするヘルパー関数。
func parseJSONArray(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var result []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSON配列のデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// applyToJob はテスト用に応募を作成し、そのIDを返すヘルパー関数。
func applyToJob(t *testing.T, router *gin.Engine, token, jobID string) string {
	t.Helper()
	w := doRequest(router, http.MethodPost, "/api/applications", token, map[string]string{
		"jobId":       jobID,
		"coverLetter": "よろしくお願いします",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("テスト用応募の作成に失敗: status=%d, body=%s", w.Code, w.Body.String())
	}
	return parseJSON(t, w)["id"].(string)
}

// TestApplicationHealthCheck はヘルスチェックエンドポイントの正常動作を検証する。
func TestApplicationHealthCheck(t *testing.T) {
	t.Parallel()

	_, router, _ := setupTestServer(t)

	w := doRequest(router, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	if result := parseJSON(t, w); result["service"] != "application" {
		t.Errorf("service: got %v, want application", result["service"])
	}
}

// TestHandleCreateApplication は応募作成ハンドラのテスト。
func TestHandleCreateApplication(t *testing.T) {
	t.Parallel()

	t.Run("求職者は応募できる", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/applications", "applicant-token", map[string]string{
			"jobId":       "job-1",
			"coverLetter": "よろしくお願いします",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}

		result := parseJSON(t, w)
		if result["applicantAccountId"] != "acc-applicant" {
			t.Errorf("applicantAccountId: got %v, want acc-applicant", result["applicantAccountId"])
		}
		if result["status"] != "APPLIED" {
			t.Errorf("status: got %v, want APPLIED", result["status"])
		}
	})

	t.Run("企業アカウントはForbidden", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/applications", "employer-token", map[string]string{
			"jobId": "job-1",
		})
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("トークン無しはUnauthorized", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/applications", "", map[string]string{
			"jobId": "job-1",
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("同じ求人への二重応募はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		applyToJob(t, router, "applicant-token", "job-1")

		w := doRequest(router, http.MethodPost, "/api/applications", "applicant-token", map[string]string{
			"jobId": "job-1",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}

		// 別の求職者による同じ求人への応募は成功する
		applyToJob(t, router, "applicant2-token", "job-1")
	})

	t.Run("jobIdが無い場合はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/applications", "applicant-token", map[string]string{
			"coverLetter": "よろしくお願いします",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleMyApplications は自分の応募一覧のテスト。
func TestHandleMyApplications(t *testing.T) {
	t.Parallel()

	_, router, _ := setupTestServer(t)

	applyToJob(t, router, "applicant-token", "job-1")
	applyToJob(t, router, "applicant-token", "job-2")
	applyToJob(t, router, "applicant2-token", "job-1")

	w := doRequest(router, http.MethodGet, "/api/applications/my", "applicant-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}

	applications := parseJSONArray(t, w)
	if len(applications) != 2 {
		t.Fatalf("応募数: got %d, want 2", len(applications))
	}
	for _, a := range applications {
		if a["applicantAccountId"] != "acc-applicant" {
			t.Errorf("他人の応募が含まれている: %v", a)
		}
	}
}

// TestHandleUpdateStatus は選考状況更新ハンドラのテスト。
func TestHandleUpdateStatus(t *testing.T) {
	t.Parallel()

	t.Run("選考状況を更新できる", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		id := applyToJob(t, router, "applicant-token", "job-1")

		w := doRequest(router, http.MethodPut, "/api/applications/"+id+"/status", "employer-token", map[string]string{
			"status": "REVIEWING",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}
	})

	t.Run("存在しない応募はNotFound", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodPut, "/api/applications/no-such-id/status", "employer-token", map[string]string{
			"status": "REVIEWING",
		})
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("不正な選考状況はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		id := applyToJob(t, router, "applicant-token", "job-1")

		w := doRequest(router, http.MethodPut, "/api/applications/"+id+"/status", "employer-token", map[string]string{
			"status": "UNKNOWN",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleApplicationsForJob は求人サービス向けコールバックのテスト。
func TestHandleApplicationsForJob(t *testing.T) {
	t.Parallel()

	_, router, _ := setupTestServer(t)

	applyToJob(t, router, "applicant-token", "job-1")
	applyToJob(t, router, "applicant2-token", "job-1")
	applyToJob(t, router, "applicant-token", "job-2")

	// サービス間コールバックのため認証無しでアクセスできる
	w := doRequest(router, http.MethodGet, "/api/jobs/job-1/applications", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}

	applications := parseJSONArray(t, w)
	if len(applications) != 2 {
		t.Fatalf("応募数: got %d, want 2", len(applications))
	}
	for _, a := range applications {
		if a["jobId"] != "job-1" {
			t.Errorf("別の求人の応募が含まれている: %v", a)
		}
	}
}

// TestHandleProfile はプロフィールAPIのテスト。
func TestHandleProfile(t *testing.T) {
	t.Parallel()

	t.Run("未作成のプロフィールはNotFound", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/profile", "applicant-token", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("初回作成でプロフィールIDが認証サービスに紐付けられる", func(t *testing.T) {
		t.Parallel()
		_, router, auth := setupTestServer(t)

		w := doRequest(router, http.MethodPut, "/api/profile", "applicant-token", map[string]any{
			"headline":        "バックエンドエンジニア",
			"skills":          "Go, SQL",
			"experienceYears": 5,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}

		result := parseJSON(t, w)
		profileID, _ := result["id"].(string)
		if profileID == "" {
			t.Fatal("プロフィールIDが空です")
		}
		if result["accountId"] != "acc-applicant" {
			t.Errorf("accountId: got %v, want acc-applicant", result["accountId"])
		}

		calls := auth.linkCalls()
		if len(calls) != 1 {
			t.Fatalf("紐付け呼び出し回数: got %d, want 1", len(calls))
		}
		if calls[0] != "acc-applicant="+profileID {
			t.Errorf("紐付け内容: got %q, want acc-applicant=%s", calls[0], profileID)
		}
	})

	t.Run("2回目の保存は更新となり再紐付けしない", func(t *testing.T) {
		t.Parallel()
		_, router, auth := setupTestServer(t)

		first := doRequest(router, http.MethodPut, "/api/profile", "applicant-token", map[string]any{
			"headline": "最初の見出し",
		})
		if first.Code != http.StatusCreated {
			t.Fatalf("初回保存のステータスコード: got %d, want %d", first.Code, http.StatusCreated)
		}

		second := doRequest(router, http.MethodPut, "/api/profile", "applicant-token", map[string]any{
			"headline":        "更新後の見出し",
			"experienceYears": 3,
		})
		if second.Code != http.StatusOK {
			t.Fatalf("更新のステータスコード: got %d, want %d, body=%s", second.Code, http.StatusOK, second.Body.String())
		}

		result := parseJSON(t, second)
		if result["headline"] != "更新後の見出し" {
			t.Errorf("headline: got %v, want 更新後の見出し", result["headline"])
		}
		if result["id"] != parseJSON(t, first)["id"] {
			t.Error("更新でプロフィールIDが変わった")
		}

		if calls := auth.linkCalls(); len(calls) != 1 {
			t.Errorf("紐付け呼び出し回数: got %d, want 1", len(calls))
		}

		// 取得でも更新後の内容が返る
		get := parseJSON(t, doRequest(router, http.MethodGet, "/api/profile", "applicant-token", nil))
		if get["headline"] != "更新後の見出し" {
			t.Errorf("取得したheadline: got %v, want 更新後の見出し", get["headline"])
		}
	})
}

// TestApplicationBrowserPages はブラウザ閲覧用ページの認証挙動のテスト。
func TestApplicationBrowserPages(t *testing.T) {
	t.Parallel()

	t.Run("未認証のブラウザページはログインページへリダイレクト", func(t *testing.T) {
		t.Parallel()
		_, router, auth := setupTestServer(t)

		for _, path := range []string{"/dashboard", "/browse-jobs", "/my-applications", "/profile"} {
			w := doRequest(router, http.MethodGet, path, "", nil)
			if w.Code != http.StatusFound {
				t.Errorf("path=%s のステータスコード: got %d, want %d", path, w.Code, http.StatusFound)
				continue
			}
			if loc := w.Header().Get("Location"); loc != auth.URL+"/login" {
				t.Errorf("path=%s のリダイレクト先: got %q, want %s/login", path, loc, auth.URL)
			}
		}
	})

	t.Run("認証済みならブラウザページを表示できる", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/dashboard", "applicant-token", nil)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("クエリパラメータのトークンでもページを表示できる", func(t *testing.T) {
		t.Parallel()
		_, router, _ := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/dashboard?token=applicant-token", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		// トークンはCookieとして保存される
		found := false
		for _, c := range w.Result().Cookies() {
			if c.Name == middleware.AuthCookieName && c.Value == "applicant-token" {
				found = true
			}
		}
		if !found {
			t.Error("トークンCookieが設定されていない")
		}
	})
}
