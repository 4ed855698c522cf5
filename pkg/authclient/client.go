package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// validateTimeout はトークン検証呼び出しのタイムアウト。
// 認証サービスの応答が無い場合はこの時間で打ち切り、
// 呼び出し側は通信エラーと同様に認証失敗として扱う（フェイルクローズ）。
const validateTimeout = 5 * time.Second

// Validation はトークン検証のレスポンス。
// Validがfalseの場合、他のフィールドはすべて空。
type Validation struct {
	// Valid はトークンが有効かどうか。
	Valid bool `json:"valid"`
	// AccountID はアカウントの一意識別子。
	AccountID string `json:"accountId"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// DisplayName は表示名。
	DisplayName string `json:"displayName"`
	// Role はアカウント種別（APPLICANT | EMPLOYER）。
	Role string `json:"role"`
	// ExternalAccountID は紐付け済みの外部アカウントID。
	ExternalAccountID string `json:"externalAccountId"`
	// OrganizationName は組織名。
	OrganizationName string `json:"organizationName"`
}

// Client は認証サービスへのHTTPクライアント。
// 下流サービスのAuthGateと外部アカウントID紐付けで使用する。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は認証サービスのベースURL。
	baseURL string
}

// New は新しい認証サービスクライアントを生成する。
// baseURLには認証サービスのベースURL（例: "http://auth:8083"）を指定する。
func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: validateTimeout,
		},
		baseURL: baseURL,
	}
}

// ValidateToken はトークンを認証サービスに問い合わせて検証する。
// 通信エラーおよび200以外のレスポンスはエラーとして返す。
// エラーを受け取った呼び出し側はリクエストを拒否しなければならない。
func (c *Client) ValidateToken(ctx context.Context, token string) (*Validation, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, fmt.Errorf("検証リクエストのシリアライズに失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/validate-token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("検証リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("認証サービスへの接続に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("認証サービスが異常なステータスを返しました: status=%d", resp.StatusCode)
	}

	var result Validation
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("検証レスポンスの解析に失敗: %w", err)
	}
	return &result, nil
}

// LinkExternalAccount はアカウントに外部アカウントIDを紐付ける。冪等。
// 下流サービスが自ドメインのレコードを作成した後に呼び出す。
func (c *Client) LinkExternalAccount(ctx context.Context, accountID, externalAccountID string) error {
	u := fmt.Sprintf("%s/api/auth/users/%s/external-id?externalAccountId=%s",
		c.baseURL, url.PathEscape(accountID), url.QueryEscape(externalAccountID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, nil)
	if err != nil {
		return fmt.Errorf("紐付けリクエストの作成に失敗: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("認証サービスへの接続に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("外部アカウントIDの紐付けに失敗: status=%d", resp.StatusCode)
	}
	return nil
}
