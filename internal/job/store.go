package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrJobNotFound は指定された求人が存在しないことを示す。
var ErrJobNotFound = errors.New("求人が見つかりません")

// Job は求人レコード。
type Job struct {
	// ID は求人の一意識別子。
	ID string
	// EmployerAccountID は求人を作成した企業アカウントのID。
	EmployerAccountID string
	// Title は求人タイトル。
	Title string
	// Description は求人の詳細説明。
	Description string
	// Location は勤務地。
	Location string
	// SalaryRange は給与レンジの表記。
	SalaryRange string
	// OrganizationName は募集元の組織名。
	OrganizationName string
}

// Store はjobsテーブルへのアクセスを提供する。
type Store struct {
	db *sql.DB
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob は求人を挿入する。
func (s *Store) CreateJob(ctx context.Context, j Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, employer_account_id, title, description, location, salary_range, organization_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.EmployerAccountID, j.Title, j.Description, j.Location, j.SalaryRange, j.OrganizationName,
	)
	if err != nil {
		return fmt.Errorf("求人の挿入に失敗: %w", err)
	}
	return nil
}

// ListJobs は全求人を新しい順に返す。
func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, employer_account_id, title, description, location, salary_range, organization_name
		FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("求人一覧の取得に失敗: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListJobsByEmployer は指定した企業アカウントの求人を新しい順に返す。
func (s *Store) ListJobsByEmployer(ctx context.Context, employerAccountID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, employer_account_id, title, description, location, salary_range, organization_name
		FROM jobs WHERE employer_account_id = ? ORDER BY created_at DESC`,
		employerAccountID)
	if err != nil {
		return nil, fmt.Errorf("求人一覧の取得に失敗: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// GetJob はIDで求人を検索する。見つからない場合はErrJobNotFoundを返す。
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.db.QueryRowContext(ctx, `
		SELECT id, employer_account_id, title, description, location, salary_range, organization_name
		FROM jobs WHERE id = ?`, id).
		Scan(&j.ID, &j.EmployerAccountID, &j.Title, &j.Description, &j.Location, &j.SalaryRange, &j.OrganizationName)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("求人の取得に失敗: %w", err)
	}
	return &j, nil
}

// UpdateJob は求人の内容を更新する。
func (s *Store) UpdateJob(ctx context.Context, j Job) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET title = ?, description = ?, location = ?, salary_range = ?, organization_name = ?
		WHERE id = ?`,
		j.Title, j.Description, j.Location, j.SalaryRange, j.OrganizationName, j.ID,
	)
	if err != nil {
		return fmt.Errorf("求人の更新に失敗: %w", err)
	}
	return nil
}

// DeleteJob は求人を削除する。
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("求人の削除に失敗: %w", err)
	}
	return nil
}

// scanJobs は複数行の求人レコードを読み取る。
func scanJobs(rows *sql.Rows) ([]Job, error) {
	jobs := []Job{}
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.EmployerAccountID, &j.Title, &j.Description, &j.Location, &j.SalaryRange, &j.OrganizationName); err != nil {
			return nil, fmt.Errorf("求人の読み取りに失敗: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
