package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// consumerDomains は個人向けWebメールのドメイン集合。
// このドメインのメールアドレスはAPPLICANT、それ以外はEMPLOYERと推定する。
// あくまで既定値を決めるためのヒューリスティックであり、保証ではない。
// 独自ドメインで企業向けWebメールを使うユーザーは誤分類されうるが、
// 仕様上この推定規則は固定である。
var consumerDomains = map[string]struct{}{
	"gmail.com":      {},
	"googlemail.com": {},
	"outlook.com":    {},
	"hotmail.com":    {},
	"live.com":       {},
	"msn.com":        {},
	"yahoo.com":      {},
	"ymail.com":      {},
	"rocketmail.com": {},
}

// providerProfile は外部プロバイダから取得したプロフィール情報。
type providerProfile struct {
	// Email はメールアドレス。プロバイダによっては取得できないことがある。
	Email string
	// Name は表示名。
	Name string
}

// federation は外部プロバイダログインの設定と依存をまとめて保持する。
type federation struct {
	// google はGoogle OAuth2の設定。未設定の場合はnil。
	google *oauth2.Config
	// github はGitHub OAuth2の設定。未設定の場合はnil。
	github *oauth2.Config
	// states はstateパラメータの一時ストア。
	states StateStore
	// githubAPIBase はGitHub APIのベースURL。テストで差し替える。
	githubAPIBase string
	// jobServiceURL はEMPLOYER向けリダイレクト先のベースURL。
	jobServiceURL string
	// applicationServiceURL はAPPLICANT向けリダイレクト先のベースURL。
	applicationServiceURL string
	// httpClient はプロバイダAPI呼び出しに使うHTTPクライアント。
	httpClient *http.Client

	// verifyGoogleIDToken はGoogleのid_tokenを検証してプロフィールを返す。
	// 既定はOIDCディスカバリを使った実装。テストで差し替える。
	verifyGoogleIDToken func(ctx context.Context, rawIDToken string) (*providerProfile, error)

	// oidcOnce 以下はGoogle OIDCプロバイダの遅延初期化用。
	// サービス起動時にGoogleへの到達性を要求しないため、
	// 最初のコールバック処理まで初期化を遅らせる。
	oidcOnce     sync.Once
	oidcVerifier *oidc.IDTokenVerifier
	oidcErr      error
}

// newFederation は設定からfederationを組み立てる。
func newFederation(cfg Config, states StateStore) *federation {
	f := &federation{
		states:                states,
		githubAPIBase:         cfg.GitHubAPIBaseURL,
		jobServiceURL:         cfg.JobServiceURL,
		applicationServiceURL: cfg.ApplicationServiceURL,
		httpClient:            &http.Client{Timeout: 10 * time.Second},
	}

	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		f.google = &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
			Scopes: []string{oidc.ScopeOpenID, "profile", "email"},
		}
		f.verifyGoogleIDToken = func(ctx context.Context, raw string) (*providerProfile, error) {
			return f.verifyWithOIDC(ctx, cfg.GoogleClientID, raw)
		}
	}

	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "" {
		f.github = &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://github.com/login/oauth/authorize",
				TokenURL: "https://github.com/login/oauth/access_token",
			},
			Scopes: []string{"user:email"},
		}
	}

	return f
}

// verifyWithOIDC はGoogleのOIDCディスカバリを遅延初期化し、
// id_tokenを検証してメールアドレスと表示名を取り出す。
func (f *federation) verifyWithOIDC(ctx context.Context, clientID, rawIDToken string) (*providerProfile, error) {
	f.oidcOnce.Do(func() {
		provider, err := oidc.NewProvider(ctx, "https://accounts.google.com")
		if err != nil {
			f.oidcErr = fmt.Errorf("Google OIDCプロバイダの初期化に失敗: %w", err)
			return
		}
		f.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: clientID})
	})
	if f.oidcErr != nil {
		return nil, f.oidcErr
	}

	idToken, err := f.oidcVerifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("id_tokenの検証に失敗: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("id_tokenクレームの読み取りに失敗: %w", err)
	}
	return &providerProfile{Email: claims.Email, Name: claims.Name}, nil
}

// isConsumerEmail はメールアドレスのドメインが個人向けWebメールかを判定する。
func isConsumerEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	_, ok := consumerDomains[domain]
	return ok
}

// inferRole はメールアドレスのドメインからロールを推定する。
func inferRole(email string) string {
	if isConsumerEmail(email) {
		return RoleApplicant
	}
	return RoleEmployer
}

// resolveServiceBase はリダイレクト先サービスのベースURLを決める。
// メールアドレスが得られなかった場合は求人サービスを安全な既定値とする。
func (f *federation) resolveServiceBase(email string) string {
	if email == "" || !strings.Contains(email, "@") {
		return f.jobServiceURL
	}
	if isConsumerEmail(email) {
		return f.applicationServiceURL
	}
	return f.jobServiceURL
}

// ensureFederatedAccount はメールアドレスでアカウントを解決する。
// 存在しない場合は開示されないランダムパスワードで新規作成し、
// 存在する場合は未設定の表示名・ロールのみを補完する。
func (s *Server) ensureFederatedAccount(ctx context.Context, email, name, role string) (*Account, error) {
	account, err := s.store.GetAccountByEmail(ctx, email)
	if err == nil {
		if account.DisplayName == "" || account.Role == "" {
			if err := s.store.UpdateBackfill(ctx, account.ID, name, role); err != nil {
				return nil, err
			}
			return s.store.GetAccountByID(ctx, account.ID)
		}
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	if name == "" {
		if at := strings.Index(email, "@"); at > 0 {
			name = email[:at]
		}
	}

	// 使用不能なランダムパスワード。値はどこにも開示されない。
	hash, err := bcrypt.GenerateFromPassword([]byte(uuid.New().String()), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("ランダムパスワードのハッシュ化に失敗: %w", err)
	}

	account = &Account{
		ID:           uuid.New().String(),
		Email:        strings.ToLower(email),
		DisplayName:  name,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := s.store.CreateAccount(ctx, *account); err != nil {
		// コールバックの二重配送などで同時作成された場合は既存を引く
		if errors.Is(err, ErrDuplicateEmail) {
			return s.store.GetAccountByEmail(ctx, email)
		}
		return nil, err
	}
	return account, nil
}

// handleGoogleLogin はGoogle OAuth2ログインを開始するハンドラを返す。
func (s *Server) handleGoogleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.federation.google == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Google OAuth2が設定されていません"})
			return
		}
		state := uuid.New().String()
		if err := s.federation.states.Save(c.Request.Context(), state, stateTTL); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ログイン処理の開始に失敗しました"})
			return
		}
		c.Redirect(http.StatusTemporaryRedirect, s.federation.google.AuthCodeURL(state))
	}
}

// handleGitHubLogin はGitHub OAuth2ログインを開始するハンドラを返す。
func (s *Server) handleGitHubLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.federation.github == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "GitHub OAuth2が設定されていません"})
			return
		}
		state := uuid.New().String()
		if err := s.federation.states.Save(c.Request.Context(), state, stateTTL); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ログイン処理の開始に失敗しました"})
			return
		}
		c.Redirect(http.StatusTemporaryRedirect, s.federation.github.AuthCodeURL(state))
	}
}

// handleGoogleCallback はGoogle OAuth2コールバックを処理するハンドラを返す。
func (s *Server) handleGoogleCallback() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.federation.google == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Google OAuth2が設定されていません"})
			return
		}
		if !s.consumeState(c) {
			return
		}

		token, err := s.federation.google.Exchange(c.Request.Context(), c.Query("code"))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Googleとのトークン交換に失敗しました"})
			return
		}

		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok || rawIDToken == "" {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Googleからid_tokenが返されませんでした"})
			return
		}

		profile, err := s.federation.verifyGoogleIDToken(c.Request.Context(), rawIDToken)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Google id_tokenの検証に失敗しました"})
			return
		}

		s.finishFederatedLogin(c, profile.Email, profile.Name)
	}
}

// handleGitHubCallback はGitHub OAuth2コールバックを処理するハンドラを返す。
// GitHubは既定のプロフィールにメールアドレスを含まないことがあるため、
// その場合はアクセストークンでメールアドレス一覧APIを追加で呼ぶ。
func (s *Server) handleGitHubCallback() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.federation.github == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "GitHub OAuth2が設定されていません"})
			return
		}
		if !s.consumeState(c) {
			return
		}

		token, err := s.federation.github.Exchange(c.Request.Context(), c.Query("code"))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "GitHubとのトークン交換に失敗しました"})
			return
		}

		profile, err := s.federation.fetchGitHubProfile(c.Request.Context(), token.AccessToken)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "GitHubプロフィールの取得に失敗しました"})
			return
		}

		s.finishFederatedLogin(c, profile.Email, profile.Name)
	}
}

// consumeState はstateパラメータを検証して消費する。
// 検証に失敗した場合はレスポンスを書き込みfalseを返す。
func (s *Server) consumeState(c *gin.Context) bool {
	ok, err := s.federation.states.Consume(c.Request.Context(), c.Query("state"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stateの検証に失敗しました"})
		return false
	}
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stateパラメータが不正です"})
		return false
	}
	return true
}

// finishFederatedLogin はプロバイダから得たプロフィールを内部アカウントに
// 解決し、トークンを付与して適切な下流サービスへリダイレクトする。
// メールアドレスが得られなかった場合はトークン無しで安全な既定の
// ランディングページへリダイレクトする。
func (s *Server) finishFederatedLogin(c *gin.Context, email, name string) {
	baseTarget := s.federation.resolveServiceBase(email)

	if email == "" || !strings.Contains(email, "@") {
		c.Redirect(http.StatusFound, baseTarget)
		return
	}

	role := inferRole(email)
	account, err := s.ensureFederatedAccount(c.Request.Context(), email, name, role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "アカウントの解決に失敗しました"})
		return
	}

	token, err := s.codec.Issue(account.Email, account.ID, account.Role, account.ExternalAccountID, time.Now(), DefaultTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの発行に失敗しました"})
		return
	}

	c.Redirect(http.StatusFound, baseTarget+"/dashboard?token="+url.QueryEscape(token))
}

// fetchGitHubProfile はGitHubのユーザーAPIからプロフィールを取得する。
// プロフィールにメールアドレスが無い場合はメールアドレス一覧APIで補う。
func (f *federation) fetchGitHubProfile(ctx context.Context, accessToken string) (*providerProfile, error) {
	var user struct {
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := f.githubGet(ctx, accessToken, "/user", &user); err != nil {
		return nil, err
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	email := user.Email
	if email == "" {
		fetched, err := f.fetchGitHubPrimaryEmail(ctx, accessToken)
		if err != nil {
			// メールアドレス取得の失敗は致命的ではない。
			// 空のままにしてトークン無しのフォールバックに任せる。
			fetched = ""
		}
		email = fetched
	}

	return &providerProfile{Email: email, Name: name}, nil
}

// fetchGitHubPrimaryEmail はメールアドレス一覧から最適な1件を選ぶ。
// primaryかつverifiedを最優先し、次に最初のverified、無ければ空を返す。
func (f *federation) fetchGitHubPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := f.githubGet(ctx, accessToken, "/user/emails", &emails); err != nil {
		return "", err
	}

	candidate := ""
	for _, e := range emails {
		if e.Email == "" {
			continue
		}
		if e.Primary && e.Verified {
			return e.Email, nil
		}
		if e.Verified && candidate == "" {
			candidate = e.Email
		}
	}
	return candidate, nil
}

// githubGet はGitHub APIへの認証付きGETリクエストを実行する。
func (f *federation) githubGet(ctx context.Context, accessToken, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.githubAPIBase+path, nil)
	if err != nil {
		return fmt.Errorf("GitHub APIリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GitHub APIの呼び出しに失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GitHub APIエラー: status=%d, body=%s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("GitHub APIレスポンスの解析に失敗: %w", err)
	}
	return nil
}
