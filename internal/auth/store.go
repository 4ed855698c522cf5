package auth

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
)

//go:embed db/migrations/*.up.sql
var migrationsFS embed.FS

// migrationsDir はembedされたマイグレーションファイルのディレクトリ。
const migrationsDir = "db/migrations"

// ストアレベルのエラー。
var (
	// ErrDuplicateEmail は同じメールアドレスのアカウントが既に存在することを示す。
	ErrDuplicateEmail = errors.New("このメールアドレスは既に登録されています")
	// ErrAccountNotFound は指定されたアカウントが存在しないことを示す。
	ErrAccountNotFound = errors.New("アカウントが見つかりません")
)

// Account は認証サービスが所有する正規のアカウントレコード。
type Account struct {
	// ID はアカウントの一意識別子。作成時に割り当てられ以後不変。
	ID string
	// Email はメールアドレス。小文字に正規化して保存され、一意。
	Email string
	// DisplayName は表示名。
	DisplayName string
	// PasswordHash はパスワードのbcryptハッシュ。
	// 外部プロバイダ経由で作成されたアカウントにはランダムな
	// 使用不能パスワードのハッシュが入る。
	PasswordHash string
	// Role はアカウント種別（APPLICANT | EMPLOYER）。
	Role string
	// ExternalAccountID は下流サービスが自ドメインのレコード作成後に
	// 紐付けるID。作成時は未設定。
	ExternalAccountID string
	// OrganizationName は組織名。EMPLOYERのみ意味を持つ。
	OrganizationName string
}

// Store はaccountsテーブルへのアクセスを提供する。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateAccount はアカウントを挿入する。
// メールアドレスの一意制約に違反した場合はErrDuplicateEmailを返す。
func (s *Store) CreateAccount(ctx context.Context, a Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, display_name, password_hash, role, external_account_id, organization_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		strings.ToLower(a.Email),
		a.DisplayName,
		a.PasswordHash,
		a.Role,
		nullable(a.ExternalAccountID),
		nullable(a.OrganizationName),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("アカウントの挿入に失敗: %w", err)
	}
	return nil
}

// GetAccountByEmail はメールアドレス（大文字小文字を区別しない）で
// アカウントを検索する。見つからない場合はErrAccountNotFoundを返す。
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, role, external_account_id, organization_name
		FROM accounts WHERE email = ?`,
		strings.ToLower(email),
	)
	return scanAccount(row)
}

// GetAccountByID はIDでアカウントを検索する。
// 見つからない場合はErrAccountNotFoundを返す。
func (s *Store) GetAccountByID(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, role, external_account_id, organization_name
		FROM accounts WHERE id = ?`,
		id,
	)
	return scanAccount(row)
}

// UpdateExternalAccountID はアカウントに外部アカウントIDを紐付ける。
// 冪等であり、同じ値での再実行は成功する。
// アカウントが存在しない場合はErrAccountNotFoundを返す。
func (s *Store) UpdateExternalAccountID(ctx context.Context, accountID, externalAccountID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET external_account_id = ? WHERE id = ?`,
		externalAccountID, accountID,
	)
	if err != nil {
		return fmt.Errorf("外部アカウントIDの更新に失敗: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateBackfill は表示名とロールが未設定の場合のみ埋める。
// 外部プロバイダ経由のログインで既存アカウントを上書きしないための更新。
func (s *Store) UpdateBackfill(ctx context.Context, accountID, displayName, role string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET display_name = CASE WHEN display_name = '' THEN ? ELSE display_name END,
		    role = CASE WHEN role = '' THEN ? ELSE role END
		WHERE id = ?`,
		displayName, role, accountID,
	)
	if err != nil {
		return fmt.Errorf("アカウント情報の補完に失敗: %w", err)
	}
	return nil
}

// scanAccount は1行分のアカウントレコードを読み取る。
func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	var externalID, orgName sql.NullString
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.Role, &externalID, &orgName)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("アカウントの読み取りに失敗: %w", err)
	}
	a.ExternalAccountID = externalID.String
	a.OrganizationName = orgName.String
	return &a, nil
}

// nullable は空文字列をNULLとして保存するための変換。
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
