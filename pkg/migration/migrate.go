// Package migration はembedされたSQLファイルによるスキーマ管理を提供する。
// 適用済みバージョンをschema_migrationsテーブルに記録し、
// サーバー起動のたびに未適用分だけを順番に実行する。
package migration

import (
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"slices"
	"strconv"
	"strings"
)

// entry は1つのマイグレーションファイルを表す。
// ファイル名は「000001_説明.up.sql」の形式で、先頭の番号がバージョンとなる。
type entry struct {
	version int
	label   string
	path    string
}

// Run はdir配下のup.sqlファイルをバージョン順に適用する。
// 適用済みのバージョンはスキップされるため、起動のたびに呼んで安全。
func Run(db *sql.DB, fsys fs.FS, dir string) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	entries, err := readEntries(fsys, dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if applied[e.version] {
			continue
		}
		if err := apply(db, fsys, e); err != nil {
			return fmt.Errorf("マイグレーション %06d_%s の適用に失敗: %w", e.version, e.label, err)
		}
		log.Printf("[Migration] %06d_%s を適用しました", e.version, e.label)
	}
	return nil
}

// appliedVersions は適用済みバージョンの集合を読み取る。
func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}
	defer rows.Close()

	applied := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("バージョンの読み取りに失敗: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// readEntries はdir配下のup.sqlファイルを列挙し、バージョン順に並べる。
// 命名規則に合わないファイルは無視する。
func readEntries(fsys fs.FS, dir string) ([]entry, error) {
	paths, err := fs.Glob(fsys, dir+"/*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイルの列挙に失敗: %w", err)
	}

	entries := make([]entry, 0, len(paths))
	for _, path := range paths {
		name := path[strings.LastIndex(path, "/")+1:]
		prefix, rest, found := strings.Cut(name, "_")
		if !found {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		entries = append(entries, entry{
			version: version,
			label:   strings.TrimSuffix(rest, ".up.sql"),
			path:    path,
		})
	}

	slices.SortFunc(entries, func(a, b entry) int { return a.version - b.version })
	return entries, nil
}

// apply は1つのマイグレーションをトランザクション内で実行し、
// 成功時にバージョンを記録する。
func apply(db *sql.DB, fsys fs.FS, e entry) error {
	script, err := fs.ReadFile(fsys, e.path)
	if err != nil {
		return fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(string(script)); err != nil {
		return fmt.Errorf("SQLの実行に失敗: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, e.version); err != nil {
		return fmt.Errorf("バージョンの記録に失敗: %w", err)
	}
	return tx.Commit()
}
