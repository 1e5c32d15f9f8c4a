package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nao1215/perfhub/internal/logging"
)

var (
	// ErrAcknowledge は既読処理がサーバーで失敗したことを表す。
	ErrAcknowledge = errors.New("通知の既読処理に失敗しました")
	// ErrDelete は削除がサーバーで失敗したことを表す。
	ErrDelete = errors.New("通知の削除に失敗しました")
)

// SyncOption はSynchronizerの設定を変更する。
type SyncOption func(*Synchronizer)

// WithSyncLogger はロガーを設定する。
func WithSyncLogger(l *slog.Logger) SyncOption {
	return func(s *Synchronizer) { s.logger = l }
}

// Synchronizer はユーザー操作をサーバーに反映し、成功した場合だけStoreを更新する。
type Synchronizer struct {
	store  *Store
	api    API
	logger *slog.Logger
}

// NewSynchronizer はSynchronizerを生成する。
func NewSynchronizer(store *Store, api API, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{store: store, api: api}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger).With(slog.String("component", "inbox"))
	return s
}

// Acknowledge は通知を既読にしてStoreから取り除く。
// サーバー呼び出しが失敗した場合はStoreを変更せず、ErrAcknowledgeをラップしたエラーを返す。
// 既に取り除かれたIDに対して呼んでもStoreは変化しない。
func (s *Synchronizer) Acknowledge(ctx context.Context, id string) error {
	if err := s.api.MarkAsRead(ctx, id); err != nil {
		s.logger.Warn("既読処理に失敗", slog.String("id", id), slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrAcknowledge, err)
	}
	s.apply(id)
	return nil
}

// Delete は通知をサーバーから削除してStoreから取り除く。
// サーバー呼び出しが失敗した場合はStoreを変更せず、ErrDeleteをラップしたエラーを返す。
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	if err := s.api.Delete(ctx, id); err != nil {
		s.logger.Warn("削除に失敗", slog.String("id", id), slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrDelete, err)
	}
	s.apply(id)
	return nil
}

// apply はサーバーの結果をStoreに反映する。Close後の結果は捨てる。
func (s *Synchronizer) apply(id string) {
	if s.store.Closed() {
		s.logger.Debug("終了後の応答を破棄", slog.String("id", id))
		return
	}
	s.store.Remove(id)
}
