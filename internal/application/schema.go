package application

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。
const schema = `
CREATE TABLE IF NOT EXISTS applications (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    applicant_account_id TEXT NOT NULL,
    cover_letter TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'APPLIED',
    applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_applications_job
    ON applications(job_id);

CREATE INDEX IF NOT EXISTS idx_applications_applicant
    ON applications(applicant_account_id);

-- 同じ求人への二重応募を防ぐ
CREATE UNIQUE INDEX IF NOT EXISTS idx_applications_job_applicant
    ON applications(job_id, applicant_account_id);

CREATE TABLE IF NOT EXISTS profiles (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL UNIQUE,
    headline TEXT NOT NULL DEFAULT '',
    skills TEXT NOT NULL DEFAULT '',
    experience_years INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
