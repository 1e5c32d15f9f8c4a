package notification

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// hubWriteWait は1メッセージの書き込み期限。
	hubWriteWait = 10 * time.Second
	// hubPongWait はクライアントからの応答を待つ期間。
	hubPongWait = 90 * time.Second
	// hubPingPeriod はサーバーからPingを送る間隔。hubPongWaitより短くする。
	hubPingPeriod = 45 * time.Second
	// defaultSendQueueSize は接続ごとの送信キューの長さ。
	defaultSendQueueSize = 64
)

// hubClient はハブに接続中のWebSocketセッション1本。
type hubClient struct {
	// id は接続ごとの識別子。
	id string
	// userID は接続しているユーザー。
	userID string
	// conn はWebSocket接続。
	conn *websocket.Conn
	// send は送信待ちのメッセージ。ブロードキャストとの競合を避けるため閉じない。
	send chan []byte
	// done は接続の終了を知らせる。
	done      chan struct{}
	closeOnce sync.Once
}

// close は接続の終了を通知する。何度呼んでもよい。
func (c *hubClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Hub はユーザーごとのWebSocket接続を管理し、通知をプッシュする。
type Hub struct {
	upgrader  websocket.Upgrader
	queueSize int
	logger    *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[string]*hubClient
}

// NewHub はHubを生成する。
func NewHub(queueSize int, checkOrigin func(*http.Request) bool, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		queueSize: queueSize,
		logger:    logger.With(slog.String("component", "hub")),
		clients:   make(map[string]map[string]*hubClient),
	}
}

// Serve は認証済みユーザーの接続をアップグレードし、切断されるまで処理する。
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &hubClient{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, h.queueSize),
		done:   make(chan struct{}),
	}
	h.add(c)
	defer h.remove(c)

	go h.writePump(c)
	h.readPump(c)
	return nil
}

// Push はユーザーの全接続にメッセージを送り、送れた接続数を返す。
// 送信キューが溢れた接続は遅すぎるとみなして切断する。
func (h *Hub) Push(userID string, data []byte) int {
	h.mu.RLock()
	targets := make([]*hubClient, 0, len(h.clients[userID]))
	for _, c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		select {
		case <-c.done:
		case c.send <- data:
			sent++
		default:
			h.logger.Warn("送信キューが溢れたため接続を切断します",
				slog.String("user_id", userID), slog.String("conn_id", c.id))
			c.close()
		}
	}
	return sent
}

// Count はユーザーの接続数を返す。
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Close は全接続を切断する。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conns := range h.clients {
		for _, c := range conns {
			c.close()
		}
	}
}

func (h *Hub) add(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[string]*hubClient)
	}
	h.clients[c.userID][c.id] = c
	h.logger.Info("接続を追加しました", slog.String("user_id", c.userID), slog.Int("total", len(h.clients[c.userID])))
}

func (h *Hub) remove(c *hubClient) {
	c.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[c.userID]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.logger.Info("接続を削除しました", slog.String("user_id", c.userID))
}

// readPump はクライアントからのフレームを読み捨て、切断を検知する。
func (h *Hub) readPump(c *hubClient) {
	defer c.close()

	_ = c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})
	// クライアントのPingに応答しつつ読み取り期限も延ばす
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(hubWriteWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump は送信キューのメッセージとPingを書き込む。
func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(hubWriteWait))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteWait)); err != nil {
				c.close()
				return
			}
		}
	}
}
