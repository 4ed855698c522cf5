package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// アカウントのロール。
const (
	// RoleApplicant は求職者アカウント。
	RoleApplicant = "APPLICANT"
	// RoleEmployer は求人企業アカウント。
	RoleEmployer = "EMPLOYER"
)

// サービスレベルのエラー。HTTP層で400として返す。
var (
	// ErrMissingOrganization はEMPLOYER登録に組織名が無いことを示す。
	ErrMissingOrganization = errors.New("求人企業の登録には組織名が必要です")
	// ErrInvalidCredentials はメールアドレスまたはパスワードの不一致を示す。
	// どちらが誤っているかを漏らさないよう、両方の場合で同じエラーを返す。
	ErrInvalidCredentials = errors.New("メールアドレスまたはパスワードが正しくありません")
	// ErrInvalidRole はロールがAPPLICANT/EMPLOYER以外であることを示す。
	ErrInvalidRole = errors.New("ロールはAPPLICANTまたはEMPLOYERを指定してください")
)

// Service はアカウントの認証・トークン発行・検証を提供する。
type Service struct {
	// store はアカウント永続化層。
	store *Store
	// codec はトークンの発行・検証を行うコーデック。
	codec *TokenCodec
}

// NewService は新しいServiceを生成する。
func NewService(store *Store, codec *TokenCodec) *Service {
	return &Service{store: store, codec: codec}
}

// ValidationResult はトークン検証の結果。永続化しない一時的な値。
// Validがfalseの場合、他のフィールドはすべて空。
type ValidationResult struct {
	// Valid はトークンが有効かどうか。
	Valid bool
	// AccountID はアカウントの一意識別子。
	AccountID string
	// Email はメールアドレス。
	Email string
	// DisplayName は表示名。
	DisplayName string
	// Role はアカウント種別。
	Role string
	// ExternalAccountID は紐付け済みの外部アカウントID。
	ExternalAccountID string
	// OrganizationName は組織名。
	OrganizationName string
}

// Register は新しいアカウントを作成する。トークンは発行しない。
// 登録後は別途ログインが必要となる。
func (s *Service) Register(ctx context.Context, email, password, role, displayName, organizationName string) (*Account, error) {
	if role != RoleApplicant && role != RoleEmployer {
		return nil, ErrInvalidRole
	}
	if role == RoleEmployer && strings.TrimSpace(organizationName) == "" {
		return nil, ErrMissingOrganization
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}

	account := Account{
		ID:               uuid.New().String(),
		Email:            strings.ToLower(email),
		DisplayName:      displayName,
		PasswordHash:     string(hash),
		Role:             role,
		OrganizationName: organizationName,
	}

	// 重複チェックは挿入時の一意制約に任せる。
	// 事前チェックでは同時登録の競合をすり抜ける可能性がある。
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return &account, nil
}

// Login は資格情報を検証し、成功時にトークンを発行する。
// メールアドレス不明とパスワード不一致は同じErrInvalidCredentialsになる。
func (s *Service) Login(ctx context.Context, email, password string) (string, *Account, error) {
	account, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.codec.Issue(account.Email, account.ID, account.Role, account.ExternalAccountID, time.Now(), DefaultTokenTTL)
	if err != nil {
		return "", nil, fmt.Errorf("トークンの発行に失敗: %w", err)
	}
	return token, account, nil
}

// Validate はトークンを検証し、有効な場合はアカウント情報のスナップショットを返す。
// 検証エラーの種別は区別せず、すべてValid=falseに畳み込む。
// この関数がエラーを返すのはストア障害時のみで、トークン不正では返さない。
func (s *Service) Validate(ctx context.Context, token string) (*ValidationResult, error) {
	claims, err := s.codec.Verify(token, time.Now())
	if err != nil {
		return &ValidationResult{Valid: false}, nil
	}

	account, err := s.store.GetAccountByEmail(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return &ValidationResult{Valid: false}, nil
		}
		return nil, err
	}

	return &ValidationResult{
		Valid:             true,
		AccountID:         account.ID,
		Email:             account.Email,
		DisplayName:       account.DisplayName,
		Role:              account.Role,
		ExternalAccountID: account.ExternalAccountID,
		OrganizationName:  account.OrganizationName,
	}, nil
}

// LinkExternalAccount はアカウントに外部アカウントIDを紐付ける。冪等。
func (s *Service) LinkExternalAccount(ctx context.Context, accountID, externalAccountID string) error {
	return s.store.UpdateExternalAccountID(ctx, accountID, externalAccountID)
}
