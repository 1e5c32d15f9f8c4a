// Package migration はSQLiteデータベースのスキーマを順番に適用する。
// SQLファイルはembed.FSから読み込み、schema_migrationsテーブルで適用済みバージョンを記録する。
package migration

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/nao1215/perfhub/internal/logging"
)

// Step は1つのマイグレーションファイル。
type Step struct {
	// Version はファイル名先頭の連番。
	Version int
	// Name はファイル名の説明部分。
	Name string
	// Path はfs.FS上のパス。
	Path string
}

// Run は未適用のマイグレーションをバージョン順に適用し、適用した数を返す。
// ファイル名は 000001_description.up.sql の形式とする。
func Run(ctx context.Context, db *sqlx.DB, fsys fs.FS, dir string, logger *slog.Logger) (int, error) {
	logger = logging.OrDefault(logger)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return 0, fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	var versions []int
	if err := db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations"); err != nil {
		return 0, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	steps, err := Collect(fsys, dir)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, step := range steps {
		if slices.Contains(versions, step.Version) {
			continue
		}
		if err := apply(ctx, db, fsys, step); err != nil {
			return count, fmt.Errorf("マイグレーション %06d の適用に失敗: %w", step.Version, err)
		}
		logger.Info("マイグレーションを適用しました",
			slog.Int("version", step.Version), slog.String("name", step.Name))
		count++
	}
	return count, nil
}

// Collect はdir直下のup.sqlファイルをバージョン順に返す。形式に合わないファイルは無視する。
func Collect(fsys fs.FS, dir string) ([]Step, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}

	var steps []Step
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		steps = append(steps, Step{
			Version: version,
			Name:    strings.TrimSuffix(rest, ".up.sql"),
			Path:    path.Join(dir, name),
		})
	}

	slices.SortFunc(steps, func(a, b Step) int { return a.Version - b.Version })
	return steps, nil
}

// apply は1つのマイグレーションをトランザクション内で適用する。
func apply(ctx context.Context, db *sqlx.DB, fsys fs.FS, step Step) error {
	content, err := fs.ReadFile(fsys, step.Path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", step.Version); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
