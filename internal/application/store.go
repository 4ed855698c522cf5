package application

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ストアレベルのエラー。
var (
	// ErrApplicationNotFound は指定された応募が存在しないことを示す。
	ErrApplicationNotFound = errors.New("応募が見つかりません")
	// ErrDuplicateApplication は同じ求人への二重応募を示す。
	ErrDuplicateApplication = errors.New("この求人には既に応募しています")
	// ErrProfileNotFound はプロフィールが未作成であることを示す。
	ErrProfileNotFound = errors.New("プロフィールが見つかりません")
)

// Application は応募レコード。
type Application struct {
	// ID は応募の一意識別子。
	ID string
	// JobID は応募先求人のID。求人サービスが所有するIDを参照する。
	JobID string
	// ApplicantAccountID は応募者アカウントのID。
	ApplicantAccountID string
	// CoverLetter は応募時の添え状。
	CoverLetter string
	// Status は選考状況（APPLIED | REVIEWING | ACCEPTED | REJECTED）。
	Status string
}

// Profile は求職者プロフィール。このサービスが所有するドメインレコードで、
// IDは外部アカウントIDとして認証サービスに紐付けられる。
type Profile struct {
	// ID はプロフィールの一意識別子。
	ID string
	// AccountID は認証サービスのアカウントID。
	AccountID string
	// Headline は自己紹介の見出し。
	Headline string
	// Skills はスキルのカンマ区切り表記。
	Skills string
	// ExperienceYears は経験年数。
	ExperienceYears int
}

// Store はapplications/profilesテーブルへのアクセスを提供する。
type Store struct {
	db *sql.DB
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateApplication は応募を挿入する。
// 同じ求人への二重応募はErrDuplicateApplicationを返す。
func (s *Store) CreateApplication(ctx context.Context, a Application) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applications (id, job_id, applicant_account_id, cover_letter, status)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.ApplicantAccountID, a.CoverLetter, a.Status,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateApplication
		}
		return fmt.Errorf("応募の挿入に失敗: %w", err)
	}
	return nil
}

// ListApplicationsByJob は指定求人への応募一覧を返す。
func (s *Store) ListApplicationsByJob(ctx context.Context, jobID string) ([]Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, applicant_account_id, cover_letter, status
		FROM applications WHERE job_id = ? ORDER BY applied_at DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("応募一覧の取得に失敗: %w", err)
	}
	defer rows.Close()
	return scanApplications(rows)
}

// ListApplicationsByApplicant は指定応募者の応募一覧を返す。
func (s *Store) ListApplicationsByApplicant(ctx context.Context, applicantAccountID string) ([]Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, applicant_account_id, cover_letter, status
		FROM applications WHERE applicant_account_id = ? ORDER BY applied_at DESC`, applicantAccountID)
	if err != nil {
		return nil, fmt.Errorf("応募一覧の取得に失敗: %w", err)
	}
	defer rows.Close()
	return scanApplications(rows)
}

// GetApplication はIDで応募を検索する。
func (s *Store) GetApplication(ctx context.Context, id string) (*Application, error) {
	var a Application
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, applicant_account_id, cover_letter, status
		FROM applications WHERE id = ?`, id).
		Scan(&a.ID, &a.JobID, &a.ApplicantAccountID, &a.CoverLetter, &a.Status)
	if err == sql.ErrNoRows {
		return nil, ErrApplicationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("応募の取得に失敗: %w", err)
	}
	return &a, nil
}

// UpdateApplicationStatus は応募の選考状況を更新する。
func (s *Store) UpdateApplicationStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE applications SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("選考状況の更新に失敗: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrApplicationNotFound
	}
	return nil
}

// GetProfileByAccount はアカウントIDでプロフィールを検索する。
func (s *Store) GetProfileByAccount(ctx context.Context, accountID string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, headline, skills, experience_years
		FROM profiles WHERE account_id = ?`, accountID).
		Scan(&p.ID, &p.AccountID, &p.Headline, &p.Skills, &p.ExperienceYears)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗: %w", err)
	}
	return &p, nil
}

// CreateProfile はプロフィールを挿入する。
func (s *Store) CreateProfile(ctx context.Context, p Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, account_id, headline, skills, experience_years)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.Headline, p.Skills, p.ExperienceYears,
	)
	if err != nil {
		return fmt.Errorf("プロフィールの挿入に失敗: %w", err)
	}
	return nil
}

// UpdateProfile はプロフィールを更新する。
func (s *Store) UpdateProfile(ctx context.Context, p Profile) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET headline = ?, skills = ?, experience_years = ?, updated_at = datetime('now')
		WHERE account_id = ?`,
		p.Headline, p.Skills, p.ExperienceYears, p.AccountID,
	)
	if err != nil {
		return fmt.Errorf("プロフィールの更新に失敗: %w", err)
	}
	return nil
}

// scanApplications は複数行の応募レコードを読み取る。
func scanApplications(rows *sql.Rows) ([]Application, error) {
	applications := []Application{}
	for rows.Next() {
		var a Application
		if err := rows.Scan(&a.ID, &a.JobID, &a.ApplicantAccountID, &a.CoverLetter, &a.Status); err != nil {
			return nil, fmt.Errorf("応募の読み取りに失敗: %w", err)
		}
		applications = append(applications, a)
	}
	return applications, rows.Err()
}
