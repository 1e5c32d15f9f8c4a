package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nao1215/perfhub/internal/logging"
	"github.com/nao1215/perfhub/pkg/event"
)

const (
	// DefaultPingInterval はキープアライブのPingを送る間隔。
	DefaultPingInterval = 30 * time.Second
	// DefaultMinBackoff は再接続待ちの初期値。
	DefaultMinBackoff = time.Second
	// DefaultMaxBackoff は再接続待ちの上限。
	DefaultMaxBackoff = 60 * time.Second

	writeWait = 10 * time.Second
)

var (
	// ErrMissingCredential はトークンが取得できず接続を開始できないことを表す。
	ErrMissingCredential = errors.New("認証情報がありません")
	// ErrConnection は接続の確立に失敗したことを表す。
	ErrConnection = errors.New("プッシュ接続に失敗しました")
	// ErrUnauthorized はサーバーがトークンを拒否したことを表す。ErrConnectionと併せてラップされる。
	ErrUnauthorized = errors.New("サーバーが認証を拒否しました")
)

// TokenFunc は接続試行のたびに呼ばれ、現在のベアラートークンを返す。
type TokenFunc func(ctx context.Context) (string, error)

// Handler は受信したイベントのペイロードを処理する。
type Handler func(payload json.RawMessage)

// Config はSessionの接続設定。
type Config struct {
	// URL はハブのWebSocket URL（ws:// または wss://）。
	URL string
	// Dialer はWebSocketのダイアラー。nilの場合はwebsocket.DefaultDialer。
	Dialer *websocket.Dialer
	// PingInterval はキープアライブの間隔。
	PingInterval time.Duration
	// MinBackoff は再接続待ちの初期値。
	MinBackoff time.Duration
	// MaxBackoff は再接続待ちの上限。
	MaxBackoff time.Duration
	// Logger はログ出力先。
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = DefaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(DefaultMaxBackoff, c.MinBackoff)
	}
	c.Logger = logging.OrDefault(c.Logger)
	return c
}

// Session はサーバーとのプッシュ接続1本を表す。
type Session struct {
	cfg    Config
	tokens TokenFunc
	logger *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Start はトークンを取得して接続し、受信ループを開始する。
// トークンが空の場合はErrMissingCredentialを返し、接続は試みない。
// ctxは最初の接続試行だけに使われ、Session自体の寿命はStopまで続く。
func Start(ctx context.Context, cfg Config, tokens TokenFunc) (*Session, error) {
	cfg = cfg.withDefaults()
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		tokens:   tokens,
		logger:   cfg.Logger.With(slog.String("component", "push")),
		handlers: make(map[string]Handler),
		ctx:      sessCtx,
		cancel:   cancel,
	}

	conn, err := s.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	s.wg.Add(1)
	go s.run(conn)
	return s, nil
}

// On はnameのイベントにハンドラーを登録する。既存のハンドラーは置き換えられる。
func (s *Session) On(name string, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[name] = h
}

// Off はnameのハンドラー登録を解除する。
func (s *Session) Off(name string) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	delete(s.handlers, name)
}

// Connected は現在接続中かを返す。
func (s *Session) Connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.connected
}

// Stop は接続を閉じ、受信ループの終了を待つ。何度呼んでもよい。
// ハンドラーの中から呼んではならない。
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = s.conn.Close()
		}
		s.connMu.Unlock()
	})
	s.wg.Wait()
}

// dial はトークンを取得してハブに接続する。
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := s.tokens(ctx)
	if err != nil {
		if errors.Is(err, ErrMissingCredential) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: トークンの取得に失敗: %v", ErrMissingCredential, err)
	}
	if token == "" {
		return nil, ErrMissingCredential
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %w: %v", ErrConnection, ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return conn, nil
}

// run は接続が切れるたびにバックオフ付きで再接続する。
func (s *Session) run(conn *websocket.Conn) {
	defer s.wg.Done()

	delay := s.cfg.MinBackoff
	for {
		s.serve(conn)
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Info("プッシュ接続が切断されました。再接続します")

		conn = nil
		for conn == nil {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}

			c, err := s.dial(s.ctx)
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.logger.Warn("再接続に失敗", slog.Any("error", err), slog.Duration("retry_in", delay))
				delay = min(delay*2, s.cfg.MaxBackoff)
				continue
			}
			conn = c
			delay = s.cfg.MinBackoff
		}
		s.logger.Info("プッシュ接続を再確立しました")
	}
}

// serve は1本の接続を読み切るまで処理する。
func (s *Session) serve(conn *websocket.Conn) {
	s.connMu.Lock()
	if s.ctx.Err() != nil {
		s.connMu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.connected = true
	s.connMu.Unlock()

	pongWait := s.cfg.PingInterval * 2
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	var pingWg sync.WaitGroup
	pingWg.Add(1)
	go func() {
		defer pingWg.Done()
		s.pingLoop(conn, done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug("受信エラー", slog.Any("error", err))
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatch(data)
	}

	close(done)
	pingWg.Wait()

	s.connMu.Lock()
	_ = conn.Close()
	s.conn = nil
	s.connected = false
	s.connMu.Unlock()
}

// pingLoop は接続が生きている間、定期的にPingを送る。
func (s *Session) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("Pingの送信に失敗", slog.Any("error", err))
				_ = conn.Close()
				return
			}
		}
	}
}

// dispatch はエンベロープを解析して登録済みハンドラーに渡す。
func (s *Session) dispatch(data []byte) {
	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("不正なメッセージを破棄", slog.Any("error", err))
		return
	}

	s.handlersMu.RLock()
	h, ok := s.handlers[env.Type]
	s.handlersMu.RUnlock()
	if !ok {
		s.logger.Debug("ハンドラー未登録のイベント", slog.String("type", env.Type))
		return
	}
	h(env.Payload)
}
