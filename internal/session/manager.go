// Package session は認証状態に合わせてプッシュセッションを開始・停止する。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nao1215/perfhub/internal/credential"
	"github.com/nao1215/perfhub/internal/logging"
	"github.com/nao1215/perfhub/internal/push"
)

// Session はManagerが管理するプッシュセッション。*push.Sessionが満たす。
type Session interface {
	On(name string, h push.Handler)
	Off(name string)
	Stop()
}

// CredentialSource は現在の認証情報を返す。
type CredentialSource interface {
	Current() (credential.Credential, bool)
}

// Starter はトークン取得関数を受け取ってセッションを開始する。
type Starter func(ctx context.Context, tokens push.TokenFunc) (Session, error)

// PushStarter はpush.Startを使うStarterを返す。
func PushStarter(cfg push.Config) Starter {
	return func(ctx context.Context, tokens push.TokenFunc) (Session, error) {
		s, err := push.Start(ctx, cfg, tokens)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Option はManagerの設定を変更する。
type Option func(*Manager)

// WithOnStart はセッション開始直後に呼ばれる関数を設定する。
func WithOnStart(f func(Session)) Option {
	return func(m *Manager) { m.onStart = f }
}

// WithOnStop はセッション停止直前に呼ばれる関数を設定する。
func WithOnStop(f func(Session)) Option {
	return func(m *Manager) { m.onStop = f }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager は認証情報の有無を観測し、セッションが常に高々1つになるよう管理する。
type Manager struct {
	creds   CredentialSource
	start   Starter
	logger  *slog.Logger
	onStart func(Session)
	onStop  func(Session)

	mu       sync.Mutex
	current  Session
	closed   bool
	starting bool
	// abort は接続中の開始処理を打ち切る。開始中でなければnil。
	abort context.CancelFunc
}

// New はManagerを生成する。
func New(creds CredentialSource, start Starter, opts ...Option) *Manager {
	m := &Manager{creds: creds, start: start}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger).With(slog.String("component", "session"))
	return m
}

// Observe は認証状態を1回観測し、必要ならセッションを開始または停止する。
//
// 認証情報が無ければセッションを停止して破棄する。認証情報があってセッションが無ければ開始する。
// 開始に失敗した場合はログに残すだけで、次の観測まで再試行しない。
// 接続中はロックを持たないので、Closeは接続の完了を待たずに戻る。
func (m *Manager) Observe(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.creds.Current(); !ok {
		if m.current != nil {
			m.logger.Info("認証情報が無くなったためセッションを停止します")
			m.stopLocked()
		}
		m.mu.Unlock()
		return
	}
	if m.current != nil || m.starting {
		m.mu.Unlock()
		return
	}
	startCtx, abort := context.WithCancel(ctx)
	defer abort()
	m.starting = true
	m.abort = abort
	m.mu.Unlock()

	sess, err := m.start(startCtx, m.token)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.starting = false
	m.abort = nil
	if err != nil {
		if errors.Is(err, push.ErrMissingCredential) {
			m.logger.Info("認証情報が取得できないため接続を中止しました")
			return
		}
		m.logger.Warn("セッションの開始に失敗", slog.Any("error", err))
		return
	}

	// 接続中にCloseまたはログアウトされていれば、開始したセッションは使わない
	if _, ok := m.creds.Current(); m.closed || !ok {
		m.logger.Info("接続中に状態が変わったためセッションを破棄します")
		sess.Stop()
		return
	}

	m.current = sess
	m.logger.Info("セッションを開始しました")
	if m.onStart != nil {
		m.onStart(sess)
	}
}

// Run は起動時と、pulsesに値が届くたびに観測する。
// ctxが終了するかpulsesが閉じられるとセッションを停止して戻る。
func (m *Manager) Run(ctx context.Context, pulses <-chan struct{}) error {
	defer m.Close()

	m.Observe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-pulses:
			if !ok {
				return nil
			}
			m.Observe(ctx)
		}
	}
}

// Current は現在のセッションを返す。
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// Close はセッションを停止し、以降の観測を無視する。接続中の開始処理は打ち切る。
// 何度呼んでもよい。
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.abort != nil {
		m.abort()
	}
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.current == nil {
		return
	}
	sess := m.current
	m.current = nil
	if m.onStop != nil {
		m.onStop(sess)
	}
	sess.Stop()
}

// token は接続試行のたびに現在の認証情報からトークンを読む。
func (m *Manager) token(context.Context) (string, error) {
	cred, ok := m.creds.Current()
	if !ok {
		return "", push.ErrMissingCredential
	}
	return cred.Token, nil
}
