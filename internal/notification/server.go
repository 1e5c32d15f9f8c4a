package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/perfhub/internal/config"
	"github.com/nao1215/perfhub/internal/logging"
	"github.com/nao1215/perfhub/pkg/event"
	"github.com/nao1215/perfhub/pkg/middleware"
	"github.com/nao1215/perfhub/pkg/role"
)

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバー設定。
	cfg config.ServerConfig
	// repo は通知の永続化。
	repo *Repository
	// hub はWebSocket接続の管理。
	hub *Hub
	// logger はアプリケーションログの出力先。
	logger *slog.Logger
}

// NewServer は設定からデータベースを開き、通知サーバーを生成する。
func NewServer(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	logger = logging.OrDefault(logger)

	repo, err := OpenRepository(ctx, dataSourceName(cfg.DatabasePath), logger)
	if err != nil {
		return nil, err
	}
	return newServer(cfg, repo, logger), nil
}

// dataSourceName はSQLiteのDSNを組み立てる。
func dataSourceName(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func newServer(cfg config.ServerConfig, repo *Repository, logger *slog.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router: router,
		cfg:    cfg,
		repo:   repo,
		hub:    NewHub(cfg.SendQueueSize, originChecker(cfg.AllowedOrigins), logger),
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub はWebSocketハブを返す。
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run はHTTPサーバーを起動し、ctxが終了したら接続を閉じて停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("通知サービスを起動します", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("通知サービスの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("通知サービスの停止に失敗: %w", err)
	}
	return s.repo.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	if s.cfg.EnableDevToken {
		s.router.POST("/auth/dev-token", s.handleDevToken())
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleListUnread())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 通知を削除する
			notifications.DELETE("/:id", s.handleDelete())
			// プッシュチャネル
			notifications.GET("/hub", s.handleHub())
		}

		// 通知送信（内部API - 各業務機能から呼び出される）。AdminとHRに限る
		internal := api.Group("/internal", middleware.RequireRole(role.Admin, role.HR))
		{
			internal.POST("/send", s.handleSend())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
}

// originChecker はWebSocketのOriginを許可リストで検証する関数を返す。
// Originヘッダーを送らない非ブラウザクライアントは許可する。
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

// requireUser はユーザーIDを取り出す。取れない場合は401を返してfalseを返す。
func requireUser(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	return userID, true
}

// handleList は認証済みユーザーの通知一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		recs, err := s.repo.List(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			s.logger.Error("通知一覧取得エラー", slog.Any("error", err))
			return
		}
		c.JSON(http.StatusOK, recs)
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		recs, err := s.repo.ListUnread(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
			s.logger.Error("未読通知一覧取得エラー", slog.Any("error", err))
			return
		}
		c.JSON(http.StatusOK, recs)
	}
}

// authorizeNotification は通知の所有者を確認する。
// foundは通知が存在するか、proceedは処理を続けてよいかを表す。応答を書き込んだ場合proceedはfalse。
func (s *Server) authorizeNotification(c *gin.Context, userID, id string) (found bool, proceed bool) {
	owner, err := s.repo.Owner(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		return false, true
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
		s.logger.Error("通知取得エラー", slog.Any("error", err))
		return false, false
	}
	if owner != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
		return true, false
	}
	return true, true
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。既読済みでも成功する。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		id := c.Param("id")

		found, proceed := s.authorizeNotification(c, userID, id)
		if !proceed {
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}

		if err := s.repo.MarkAsRead(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			s.logger.Error("通知既読処理エラー", slog.Any("error", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		n, err := s.repo.MarkAllAsRead(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			s.logger.Error("全通知既読処理エラー", slog.Any("error", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": n})
	}
}

// handleDelete は指定された通知を削除するハンドラ。存在しない通知も削除済みとして204を返す。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		id := c.Param("id")

		found, proceed := s.authorizeNotification(c, userID, id)
		if !proceed {
			return
		}
		if !found {
			// 削除済みとみなす
			c.Status(http.StatusNoContent)
			return
		}

		if err := s.repo.Delete(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の削除に失敗しました"})
			s.logger.Error("通知削除エラー", slog.Any("error", err))
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handleHub はWebSocket接続を受け付けるハンドラ。切断されるまで戻らない。
func (s *Server) handleHub() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		if err := s.hub.Serve(c.Writer, c.Request, userID); err != nil {
			// Upgradeが失敗した場合は応答が書き込み済み
			s.logger.Warn("WebSocketのアップグレードに失敗", slog.Any("error", err))
		}
	}
}

// sendRequest は通知送信リクエストのJSON構造。
type sendRequest struct {
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id" binding:"required"`
	// Title は通知のタイトル。空ならクライアントが既定のタイトルを表示する。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// NotificationType は通知の種類。省略時はGeneral。
	NotificationType event.Type `json:"notification_type"`
	// ReferencedItem は通知が参照する対象。任意のJSON値をそのまま保存する。
	ReferencedItem json.RawMessage `json:"referenced_item"`
}

// handleSend は通知を保存し、宛先ユーザーの接続にプッシュするハンドラ。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.NotificationType == "" {
			req.NotificationType = event.TypeGeneral
		}
		if !req.NotificationType.Known() {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("未知の通知種別です: %s", req.NotificationType)})
			return
		}

		rec, err := s.repo.Create(c.Request.Context(), req.UserID,
			event.New(req.NotificationType, req.Title, req.Message, req.ReferencedItem))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の作成に失敗しました"})
			s.logger.Error("通知作成エラー", slog.Any("error", err))
			return
		}

		delivered := 0
		payload, err := event.Encode(event.ReceiveNotification, rec)
		if err != nil {
			// プッシュに失敗しても通知自体は保存済みなので成功として扱う
			s.logger.Error("プッシュメッセージの生成に失敗", slog.Any("error", err))
		} else {
			delivered = s.hub.Push(req.UserID, payload)
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":        rec.ID,
			"delivered": delivered,
			"message":   "通知を送信しました",
		})
	}
}

// devTokenRequest は開発用トークン発行リクエストのJSON構造。
type devTokenRequest struct {
	// UserID はトークンに埋め込むユーザーID。省略時は dev-user。
	UserID string `json:"user_id"`
	// Email はトークンに埋め込むメールアドレス。
	Email string `json:"email"`
	// Role はトークンに埋め込むロール。省略時はEmployee。
	Role string `json:"role"`
}

// handleDevToken は開発用JWTトークンを発行するハンドラを返す。
// 本番環境では無効化すること。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
				return
			}
		}
		if req.UserID == "" {
			req.UserID = "dev-user"
		}
		if req.Email == "" {
			req.Email = req.UserID + "@localhost"
		}
		r := role.Employee
		if req.Role != "" {
			if r = role.Parse(req.Role); r == role.Unknown {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("未知のロールです: %s", req.Role)})
				return
			}
		}

		token, err := middleware.GenerateJWT(s.cfg.JWTSecret, req.UserID, req.Email, r, middleware.DefaultTokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			s.logger.Error("トークン生成エラー", slog.Any("error", err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":   token,
			"user_id": req.UserID,
			"role":    r,
		})
	}
}
