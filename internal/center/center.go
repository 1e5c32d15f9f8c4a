// Package center は通知機能の所有者として、セッション管理、キャッシュ、同期、遷移をまとめる。
//
// セッションが開始されるとReceiveNotificationのハンドラーを登録し、未読通知を読み込む。
// セッションが停止するとハンドラーを解除してキャッシュを空にするので、ログアウト後に
// 前の利用者の通知が残ることはない。
// Closeはハンドラーの解除、セッションの停止、キャッシュのクローズを終えてから戻るので、
// それ以降に届いたプッシュやサーバー応答がキャッシュを変更することはない。
package center

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nao1215/perfhub/internal/inbox"
	"github.com/nao1215/perfhub/internal/logging"
	"github.com/nao1215/perfhub/internal/route"
	"github.com/nao1215/perfhub/internal/session"
	"github.com/nao1215/perfhub/pkg/event"
	"github.com/nao1215/perfhub/pkg/role"
)

// ErrNotFound はキャッシュに無い通知を指定したことを表す。
var ErrNotFound = errors.New("通知が見つかりません")

// API は通知サービスへの操作。*inbox.Clientが満たす。
type API interface {
	inbox.API
	ListUnread(ctx context.Context) ([]event.Record, error)
}

// Option はCenterの設定を変更する。
type Option func(*Center)

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(c *Center) { c.logger = l }
}

// WithStore は使うStoreを設定する。指定しなければ新しいStoreを作る。
func WithStore(s *inbox.Store) Option {
	return func(c *Center) { c.store = s }
}

// WithOnReceive はプッシュ通知をキャッシュに追加した後に呼ばれる関数を設定する。
func WithOnReceive(f func(event.Record)) Option {
	return func(c *Center) { c.onReceive = f }
}

// WithoutRefresh はセッション開始時の未読読み込みを無効にする。
func WithoutRefresh() Option {
	return func(c *Center) { c.autoRefresh = false }
}

// Center は通知機能のコンテキスト。
type Center struct {
	creds       session.CredentialSource
	api         API
	manager     *session.Manager
	store       *inbox.Store
	sync        *inbox.Synchronizer
	logger      *slog.Logger
	onReceive   func(event.Record)
	autoRefresh bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// mu はセッション単位のコンテキストと、それを確認してからのキャッシュ更新を守る。
	mu      sync.Mutex
	stop    context.CancelFunc
	loading chan struct{}
}

// New はCenterを生成する。セッションはRunまたはObserveで開始される。
func New(creds session.CredentialSource, start session.Starter, api API, opts ...Option) *Center {
	c := &Center{
		creds:       creds,
		api:         api,
		autoRefresh: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger).With(slog.String("component", "center"))
	if c.store == nil {
		c.store = inbox.NewStore()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.sync = inbox.NewSynchronizer(c.store, api, inbox.WithSyncLogger(c.logger))
	c.manager = session.New(creds, start,
		session.WithLogger(c.logger),
		session.WithOnStart(c.attach),
		session.WithOnStop(c.detach),
	)
	return c
}

// Store は通知キャッシュを返す。
func (c *Center) Store() *inbox.Store {
	return c.store
}

// Badge は未読バッジに表示する件数を返す。
func (c *Center) Badge() int {
	return c.store.Len()
}

// Observe は認証状態を1回観測する。
func (c *Center) Observe(ctx context.Context) {
	c.manager.Observe(ctx)
}

// Run はpulsesのたびに認証状態を観測する。ctxが終了するとセッションを停止して戻る。
// キャッシュは閉じないので、最後にCloseを呼ぶこと。
func (c *Center) Run(ctx context.Context, pulses <-chan struct{}) error {
	return c.manager.Run(ctx, pulses)
}

// Refresh はサーバーから未読通知を読み込み、キャッシュに統合する。
// 既にキャッシュにある通知が優先される。
func (c *Center) Refresh(ctx context.Context) error {
	recs, err := c.api.ListUnread(ctx)
	if err != nil {
		return fmt.Errorf("未読通知の読み込みに失敗: %w", err)
	}
	c.merge(ctx, recs)
	return nil
}

// merge はctxが有効な間だけrecsをキャッシュの末尾側に統合する。
func (c *Center) merge(ctx context.Context, recs []event.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	c.store.Update(func(cur []event.Record) []event.Record {
		return append(cur, recs...)
	})
}

// Acknowledge は通知を既読にする。
func (c *Center) Acknowledge(ctx context.Context, id string) error {
	return c.sync.Acknowledge(ctx, id)
}

// Delete は通知を削除する。
func (c *Center) Delete(ctx context.Context, id string) error {
	return c.sync.Delete(ctx, id)
}

// Navigate は通知の遷移先に遷移し、遷移先のパスを返す。遷移しない場合は空文字列を返す。
func (c *Center) Navigate(id string, nav route.Navigator) (string, error) {
	rec, ok := c.store.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var path string
	route.Follow(rec, c.role(), route.NavigatorFunc(func(p string) {
		path = p
		nav.Navigate(p)
	}))
	return path, nil
}

// Close はハンドラーを解除し、セッションを停止し、キャッシュを閉じる。何度呼んでもよい。
func (c *Center) Close() {
	c.closeOnce.Do(func() {
		c.manager.Close()
		c.cancel()
		c.store.Close()
	})
}

// role は現在の認証情報のロールを返す。
func (c *Center) role() role.Role {
	cred, ok := c.creds.Current()
	if !ok {
		return role.Unknown
	}
	return cred.Role
}

// attach はセッション開始時にセッション単位のコンテキストを作り、ハンドラーを登録して
// 未読通知の読み込みを始める。
func (c *Center) attach(sess session.Session) {
	live, stop := context.WithCancel(c.ctx)
	var loading chan struct{}
	if c.autoRefresh {
		loading = make(chan struct{})
	}
	c.mu.Lock()
	c.stop, c.loading = stop, loading
	c.mu.Unlock()

	sess.On(event.ReceiveNotification, func(payload json.RawMessage) {
		c.handlePush(live, payload)
	})
	if loading == nil {
		return
	}

	go func() {
		defer close(loading)
		if err := c.Refresh(live); err != nil && live.Err() == nil {
			c.logger.Warn("未読通知の読み込みに失敗", slog.Any("error", err))
		}
	}()
}

// detach はセッション停止前にハンドラーを解除し、読み込み中の未読取得を打ち切って
// キャッシュを空にする。
func (c *Center) detach(sess session.Session) {
	sess.Off(event.ReceiveNotification)

	c.mu.Lock()
	stop, loading := c.stop, c.loading
	c.stop, c.loading = nil, nil
	if stop != nil {
		stop()
	}
	c.mu.Unlock()

	if loading != nil {
		<-loading
	}
	c.store.ReplaceAll(nil)
}

// handlePush はプッシュされたペイロードを通知としてキャッシュに追加する。
// 解釈できないペイロードはログに残して捨てる。
// liveが終了した後に届いたものは前のセッションのものなので捨てる。
func (c *Center) handlePush(live context.Context, payload json.RawMessage) {
	rec, err := event.Decode(payload)
	if err != nil {
		c.logger.Warn("不正な通知を破棄", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	if live.Err() != nil || c.store.Closed() {
		c.mu.Unlock()
		return
	}
	c.store.Add(rec)
	c.mu.Unlock()

	if c.onReceive != nil {
		c.onReceive(rec)
	}
}
