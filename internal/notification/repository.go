package notification

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nao1215/perfhub/pkg/event"
	"github.com/nao1215/perfhub/pkg/migration"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// createdAtLayout は文字列比較で時刻順に並ぶよう桁数を固定したRFC3339。
const createdAtLayout = "2006-01-02T15:04:05.000000Z07:00"

// ErrNotFound は通知が存在しないことを表す。
var ErrNotFound = errors.New("通知が見つかりません")

// row はnotificationsテーブルの1行。
type row struct {
	// ID は通知の一意識別子。
	ID string `db:"id"`
	// UserID は通知先のユーザーID。
	UserID string `db:"user_id"`
	// Title は通知のタイトル。
	Title string `db:"title"`
	// Message は通知メッセージ。
	Message string `db:"message"`
	// NotificationType は通知の種類。
	NotificationType string `db:"notification_type"`
	// ReferencedItem は通知が参照する対象のJSONテキスト。
	ReferencedItem sql.NullString `db:"referenced_item"`
	// IsRead は既読状態。
	IsRead bool `db:"is_read"`
	// CreatedAt は作成日時。
	CreatedAt string `db:"created_at"`
}

// record はDB行をワイヤ形式の通知に変換する。
func (r row) record() event.Record {
	return event.Record{
		ID:               r.ID,
		Title:            r.Title,
		Message:          r.Message,
		NotificationType: event.Type(r.NotificationType),
		ReferencedItem:   r.referencedItem(),
		CreatedAt:        r.CreatedAt,
		IsRead:           r.IsRead,
	}
}

// referencedItem は保存されたJSONテキストを参照情報に戻す。
func (r row) referencedItem() json.RawMessage {
	if !r.ReferencedItem.Valid || r.ReferencedItem.String == "" {
		return nil
	}
	return json.RawMessage(r.ReferencedItem.String)
}

// Repository は通知の永続化を行う。
type Repository struct {
	db *sqlx.DB
}

// OpenRepository はSQLiteを開いてマイグレーションを適用する。
func OpenRepository(ctx context.Context, dsn string, logger *slog.Logger) (*Repository, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは書き込みが直列なので接続を1本に絞る
	db.SetMaxOpenConns(1)

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create はuserID宛ての通知を保存する。CreatedAtが空の場合は現在時刻を使う。
func (r *Repository) Create(ctx context.Context, userID string, rec event.Record) (event.Record, error) {
	created := time.Now().UTC()
	if t, err := rec.CreatedTime(); err == nil {
		created = t.UTC()
	}
	rec.CreatedAt = created.Format(createdAtLayout)
	rec.IsRead = false

	params := row{
		ID:               rec.ID,
		UserID:           userID,
		Title:            rec.Title,
		Message:          rec.Message,
		NotificationType: string(rec.NotificationType),
		ReferencedItem:   referencedText(rec.ReferencedItem),
		CreatedAt:        rec.CreatedAt,
	}
	if _, err := r.db.NamedExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, message, notification_type, referenced_item, is_read, created_at)
		VALUES (:id, :user_id, :title, :message, :notification_type, :referenced_item, 0, :created_at)`, params); err != nil {
		return event.Record{}, fmt.Errorf("通知の保存に失敗: %w", err)
	}
	return rec, nil
}

// List はユーザーの通知を新しい順に返す。
func (r *Repository) List(ctx context.Context, userID string) ([]event.Record, error) {
	return r.list(ctx, `SELECT * FROM notifications WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`, userID)
}

// ListUnread はユーザーの未読通知を新しい順に返す。
func (r *Repository) ListUnread(ctx context.Context, userID string) ([]event.Record, error) {
	return r.list(ctx, `SELECT * FROM notifications WHERE user_id = ? AND is_read = 0 ORDER BY created_at DESC, rowid DESC`, userID)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]event.Record, error) {
	var rows []row
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	recs := make([]event.Record, 0, len(rows))
	for _, rw := range rows {
		recs = append(recs, rw.record())
	}
	return recs, nil
}

// Owner は通知の宛先ユーザーIDを返す。存在しない場合はErrNotFoundを返す。
func (r *Repository) Owner(ctx context.Context, id string) (string, error) {
	var userID string
	err := r.db.GetContext(ctx, &userID, `SELECT user_id FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return userID, nil
}

// MarkAsRead は通知を既読にする。既読済みでも成功する。
func (r *Repository) MarkAsRead(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return nil
}

// MarkAllAsRead はユーザーの全通知を既読にし、更新した件数を返す。
func (r *Repository) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n, nil
}

// Delete は通知を削除する。
func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id); err != nil {
		return fmt.Errorf("通知の削除に失敗: %w", err)
	}
	return nil
}

// referencedText は参照情報をJSONテキストとして保存する形にする。nullは無しとして扱う。
func referencedText(raw json.RawMessage) sql.NullString {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return sql.NullString{}
	}
	return sql.NullString{String: string(trimmed), Valid: true}
}
