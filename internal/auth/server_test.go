package auth

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/nao1215/jobhub/pkg/migration"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupTestServer はテスト用の認証サーバーをインメモリSQLiteで構築する。
func setupTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	// インメモリDBは接続ごとに独立するため、単一接続に固定する
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := migration.Run(sqlDB, migrationsFS, migrationsDir); err != nil {
		t.Fatalf("マイグレーションの適用に失敗: %v", err)
	}

	cfg := Config{
		JWTSecret:             "test-secret",
		JobServiceURL:         "http://job.example",
		ApplicationServiceURL: "http://application.example",
		GitHubAPIBaseURL:      "http://github-api.example",
	}

	router := gin.New()
	store := NewStore(sqlDB)
	codec := NewTokenCodec(cfg.JWTSecret)
	s := &Server{
		router:     router,
		cfg:        cfg,
		db:         sqlDB,
		store:      store,
		codec:      codec,
		service:    NewService(store, codec),
		federation: newFederation(cfg, NewMemoryStateStore()),
	}
	s.setupRoutes()

	return s, router
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
// tokenが空でない場合はAuthorizationヘッダーに設定する。
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

// registerAccount はテスト用にアカウントを登録するヘルパー関数。
func registerAccount(t *testing.T, router *gin.Engine, email, password, role, displayName, organizationName string) map[string]any {
	t.Helper()
	w := doRequest(router, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":            email,
		"password":         password,
		"role":             role,
		"displayName":      displayName,
		"organizationName": organizationName,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("テスト用アカウントの登録に失敗: status=%d, body=%s", w.Code, w.Body.String())
	}
	return parseJSON(t, w)
}

// TestAuthHealthCheck はヘルスチェックエンドポイントの正常動作を検証する。
func TestAuthHealthCheck(t *testing.T) {
	t.Parallel()

	_, router := setupTestServer(t)

	w := doRequest(router, http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	result := parseJSON(t, w)
	if result["service"] != "auth" {
		t.Errorf("service: got %v, want auth", result["service"])
	}
}

// TestHandleRegister はアカウント登録ハンドラのテスト。
func TestHandleRegister(t *testing.T) {
	t.Parallel()

	t.Run("求職者アカウントを登録できる", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		result := registerAccount(t, router, "taro@gmail.com", "password123", "APPLICANT", "山田太郎", "")

		if result["accountId"] == nil || result["accountId"] == "" {
			t.Error("accountIdが空です")
		}
		if result["email"] != "taro@gmail.com" {
			t.Errorf("email: got %v, want taro@gmail.com", result["email"])
		}
		if result["role"] != "APPLICANT" {
			t.Errorf("role: got %v, want APPLICANT", result["role"])
		}
		// 登録レスポンスにトークンは含まれない
		if _, ok := result["token"]; ok {
			t.Error("登録レスポンスにトークンが含まれています")
		}
	})

	t.Run("企業アカウントは組織名付きで登録できる", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		result := registerAccount(t, router, "hr@acme.co.jp", "password123", "EMPLOYER", "採用担当", "ACME株式会社")

		if result["role"] != "EMPLOYER" {
			t.Errorf("role: got %v, want EMPLOYER", result["role"])
		}
		if result["organizationName"] != "ACME株式会社" {
			t.Errorf("organizationName: got %v, want ACME株式会社", result["organizationName"])
		}
	})

	t.Run("組織名のない企業アカウントはBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/auth/register", "", map[string]string{
			"email":       "hr@acme.co.jp",
			"password":    "password123",
			"role":        "EMPLOYER",
			"displayName": "採用担当",
		})

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("同じメールアドレスの二重登録はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		registerAccount(t, router, "taro@gmail.com", "password123", "APPLICANT", "山田太郎", "")

		// 大文字小文字が違っても同一アドレスとして扱う
		w := doRequest(router, http.MethodPost, "/api/auth/register", "", map[string]string{
			"email":       "Taro@Gmail.com",
			"password":    "password456",
			"role":        "APPLICANT",
			"displayName": "別の太郎",
		})

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("同時登録は1件だけ成功する", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t)

		const workers = 8
		ctx := t.Context()
		errs := make(chan error, workers)
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.service.Register(ctx, "race@gmail.com", "password123", RoleApplicant, "山田太郎", "")
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		var succeeded, duplicated int
		for err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrDuplicateEmail):
				duplicated++
			default:
				t.Errorf("想定外のエラー: %v", err)
			}
		}
		if succeeded != 1 {
			t.Errorf("成功数: got %d, want 1", succeeded)
		}
		if duplicated != workers-1 {
			t.Errorf("重複エラー数: got %d, want %d", duplicated, workers-1)
		}
	})

	t.Run("不正なロールはBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/auth/register", "", map[string]string{
			"email":       "taro@gmail.com",
			"password":    "password123",
			"role":        "ADMIN",
			"displayName": "山田太郎",
		})

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("短いパスワードはBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/auth/register", "", map[string]string{
			"email":       "taro@gmail.com",
			"password":    "short",
			"role":        "APPLICANT",
			"displayName": "山田太郎",
		})

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleLogin はログインハンドラのテスト。
func TestHandleLogin(t *testing.T) {
	t.Parallel()

	t.Run("正しい資格情報でトークンが発行される", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)

		registerAccount(t, router, "taro@gmail.com", "password123", "APPLICANT", "山田太郎", "")

		w := doRequest(router, http.MethodPost, "/api/auth/login", "", map[string]string{
			"email":    "taro@gmail.com",
			"password": "password123",
		})

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}

		result := parseJSON(t, w)
		token, _ := result["token"].(string)
		if token == "" {
			t.Fatal("トークンが空です")
		}

		claims, err := s.codec.Verify(token, time.Now())
		if err != nil {
			t.Fatalf("発行されたトークンの検証に失敗: %v", err)
		}
		if claims.Subject != "taro@gmail.com" {
			t.Errorf("subject: got %q, want taro@gmail.com", claims.Subject)
		}
		if claims.Role != "APPLICANT" {
			t.Errorf("role: got %q, want APPLICANT", claims.Role)
		}
	})

	t.Run("パスワード不一致とメールアドレス不明は同じエラーになる", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		registerAccount(t, router, "taro@gmail.com", "password123", "APPLICANT", "山田太郎", "")

		wrongPassword := doRequest(router, http.MethodPost, "/api/auth/login", "", map[string]string{
			"email":    "taro@gmail.com",
			"password": "wrong-password",
		})
		unknownEmail := doRequest(router, http.MethodPost, "/api/auth/login", "", map[string]string{
			"email":    "nobody@gmail.com",
			"password": "password123",
		})

		if wrongPassword.Code != http.StatusBadRequest {
			t.Errorf("パスワード不一致のステータスコード: got %d, want %d", wrongPassword.Code, http.StatusBadRequest)
		}
		if unknownEmail.Code != http.StatusBadRequest {
			t.Errorf("メールアドレス不明のステータスコード: got %d, want %d", unknownEmail.Code, http.StatusBadRequest)
		}

		// どちらが誤っているかをレスポンスから区別できない
		if wrongPassword.Body.String() != unknownEmail.Body.String() {
			t.Errorf("エラーレスポンスが一致しない: %s != %s", wrongPassword.Body.String(), unknownEmail.Body.String())
		}
	})
}

// TestHandleValidateToken はトークン検証エンドポイントのテスト。
// このエンドポイントは入力がどうであれ常に200を返す。
func TestHandleValidateToken(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンはアカウント情報を返す", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		registerAccount(t, router, "taro@gmail.com", "password123", "APPLICANT", "山田太郎", "")
		login := parseJSON(t, doRequest(router, http.MethodPost, "/api/auth/login", "", map[string]string{
			"email":    "taro@gmail.com",
			"password": "password123",
		}))

		w := doRequest(router, http.MethodPost, "/api/auth/validate-token", "", map[string]string{
			"token": login["token"].(string),
		})

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		result := parseJSON(t, w)
		if result["valid"] != true {
			t.Fatalf("valid: got %v, want true", result["valid"])
		}
		if result["email"] != "taro@gmail.com" {
			t.Errorf("email: got %v, want taro@gmail.com", result["email"])
		}
		if result["displayName"] != "山田太郎" {
			t.Errorf("displayName: got %v, want 山田太郎", result["displayName"])
		}
		if result["role"] != "APPLICANT" {
			t.Errorf("role: got %v, want APPLICANT", result["role"])
		}
	})

	t.Run("不正なトークンでも200でvalid=false", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		for _, token := range []string{"", "garbage", "a.b.c"} {
			w := doRequest(router, http.MethodPost, "/api/auth/validate-token", "", map[string]string{"token": token})
			if w.Code != http.StatusOK {
				t.Errorf("token=%q のステータスコード: got %d, want %d", token, w.Code, http.StatusOK)
			}
			if result := parseJSON(t, w); result["valid"] != false {
				t.Errorf("token=%q のvalid: got %v, want false", token, result["valid"])
			}
		}
	})

	t.Run("ボディが不正でも200でvalid=false", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/validate-token", strings.NewReader("not-json"))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if result := parseJSON(t, w); result["valid"] != false {
			t.Errorf("valid: got %v, want false", result["valid"])
		}
	})

	t.Run("有効期限切れのトークンは200でvalid=false", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)

		registerAccount(t, router, "taro@gmail.com", "password123", "APPLICANT", "山田太郎", "")

		expired, err := s.codec.Issue("taro@gmail.com", "acc-1", "APPLICANT", "", time.Now().Add(-48*time.Hour), time.Hour)
		if err != nil {
			t.Fatalf("トークン発行に失敗: %v", err)
		}

		w := doRequest(router, http.MethodPost, "/api/auth/validate-token", "", map[string]string{"token": expired})
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if result := parseJSON(t, w); result["valid"] != false {
			t.Errorf("valid: got %v, want false", result["valid"])
		}
	})

	t.Run("署名は正しいがアカウントが存在しない場合もvalid=false", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)

		orphan, err := s.codec.Issue("ghost@gmail.com", "acc-ghost", "APPLICANT", "", time.Now(), time.Hour)
		if err != nil {
			t.Fatalf("トークン発行に失敗: %v", err)
		}

		w := doRequest(router, http.MethodPost, "/api/auth/validate-token", "", map[string]string{"token": orphan})
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if result := parseJSON(t, w); result["valid"] != false {
			t.Errorf("valid: got %v, want false", result["valid"])
		}
	})
}

// TestHandleValidateHeader はAuthorizationヘッダー版のトークン検証のテスト。
func TestHandleValidateHeader(t *testing.T) {
	t.Parallel()

	t.Run("Bearerトークンを検証できる", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		registerAccount(t, router, "taro@gmail.com", "password123", "APPLICANT", "山田太郎", "")
		login := parseJSON(t, doRequest(router, http.MethodPost, "/api/auth/login", "", map[string]string{
			"email":    "taro@gmail.com",
			"password": "password123",
		}))

		w := doRequest(router, http.MethodPost, "/api/auth/validate", login["token"].(string), nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if result := parseJSON(t, w); result["valid"] != true {
			t.Errorf("valid: got %v, want true", result["valid"])
		}
	})

	t.Run("ヘッダーが無い場合は200でvalid=false", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/auth/validate", "", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if result := parseJSON(t, w); result["valid"] != false {
			t.Errorf("valid: got %v, want false", result["valid"])
		}
	})
}

// TestHandleLinkExternalAccount は外部アカウントID紐付けのテスト。
func TestHandleLinkExternalAccount(t *testing.T) {
	t.Parallel()

	t.Run("外部アカウントIDを紐付けられる", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		account := registerAccount(t, router, "taro@gmail.com", "password123", "APPLICANT", "山田太郎", "")
		accountID := account["accountId"].(string)

		w := doRequest(router, http.MethodPut, "/api/auth/users/"+accountID+"/external-id?externalAccountId=profile-1", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}

		// 紐付け後のトークン検証結果に外部アカウントIDが含まれる
		login := parseJSON(t, doRequest(router, http.MethodPost, "/api/auth/login", "", map[string]string{
			"email":    "taro@gmail.com",
			"password": "password123",
		}))
		result := parseJSON(t, doRequest(router, http.MethodPost, "/api/auth/validate-token", "", map[string]string{
			"token": login["token"].(string),
		}))
		if result["externalAccountId"] != "profile-1" {
			t.Errorf("externalAccountId: got %v, want profile-1", result["externalAccountId"])
		}
	})

	t.Run("同じ値での再実行は成功する", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		account := registerAccount(t, router, "taro@gmail.com", "password123", "APPLICANT", "山田太郎", "")
		accountID := account["accountId"].(string)

		for range 2 {
			w := doRequest(router, http.MethodPut, "/api/auth/users/"+accountID+"/external-id?externalAccountId=profile-1", "", nil)
			if w.Code != http.StatusOK {
				t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
			}
		}
	})

	t.Run("存在しないアカウントはBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPut, "/api/auth/users/no-such-account/external-id?externalAccountId=profile-1", "", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("externalAccountIdが無い場合はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		account := registerAccount(t, router, "taro@gmail.com", "password123", "APPLICANT", "山田太郎", "")
		accountID := account["accountId"].(string)

		w := doRequest(router, http.MethodPut, "/api/auth/users/"+accountID+"/external-id", "", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleLoginPage はログインページのテスト。
func TestHandleLoginPage(t *testing.T) {
	t.Parallel()

	_, router := setupTestServer(t)

	w := doRequest(router, http.MethodGet, "/login", "", nil)

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}
	if !strings.Contains(w.Body.String(), "/api/auth/login") {
		t.Error("ログインページにログインフォームが含まれていない")
	}
}
