package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nao1215/perfhub/pkg/event"
	"github.com/nao1215/perfhub/pkg/httpclient"
)

// notificationsPath は通知APIのベースパス。
const notificationsPath = "/api/v1/notifications"

// API はSynchronizerが使うサーバー操作。
type API interface {
	// MarkAsRead は通知を既読にする。サーバー側で冪等。
	MarkAsRead(ctx context.Context, id string) error
	// Delete は通知を削除する。
	Delete(ctx context.Context, id string) error
}

// sendPath は通知送信APIのパス。AdminまたはHRのトークンが必要。
const sendPath = "/api/v1/internal/send"

// SendRequest は通知送信の内容。
type SendRequest struct {
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// Title は通知のタイトル。
	Title string `json:"title,omitempty"`
	// Message は通知本文。
	Message string `json:"message,omitempty"`
	// NotificationType は通知の種類。空ならサーバーがGeneralにする。
	NotificationType event.Type `json:"notification_type,omitempty"`
	// ReferencedItem は通知が参照する対象。
	ReferencedItem json.RawMessage `json:"referenced_item,omitempty"`
}

// SendResult は通知送信の結果。
type SendResult struct {
	// ID は作成された通知のID。
	ID string `json:"id"`
	// Delivered はプッシュが届いた接続数。
	Delivered int `json:"delivered"`
}

// TokenFunc はリクエストごとにベアラートークンを返す。
type TokenFunc func(ctx context.Context) (string, error)

// Client は通知サービスのREST APIクライアント。
type Client struct {
	http   *httpclient.Client
	tokens TokenFunc
}

// NewClient はhttpclient.Clientを使うClientを生成する。
func NewClient(hc *httpclient.Client, tokens TokenFunc) *Client {
	return &Client{http: hc, tokens: tokens}
}

// authorize はトークンをコンテキストに載せる。
func (c *Client) authorize(ctx context.Context) (context.Context, error) {
	if c.tokens == nil {
		return ctx, nil
	}
	token, err := c.tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("トークンの取得に失敗: %w", err)
	}
	return httpclient.WithToken(ctx, token), nil
}

// List は通知一覧を新しい順で返す。
func (c *Client) List(ctx context.Context) ([]event.Record, error) {
	return c.list(ctx, notificationsPath)
}

// ListUnread は未読通知を新しい順で返す。
func (c *Client) ListUnread(ctx context.Context) ([]event.Record, error) {
	return c.list(ctx, notificationsPath+"/unread")
}

func (c *Client) list(ctx context.Context, path string) ([]event.Record, error) {
	ctx, err := c.authorize(ctx)
	if err != nil {
		return nil, err
	}
	var recs []event.Record
	if err := c.http.GetJSON(ctx, path, &recs); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return recs, nil
}

// MarkAsRead は通知を既読にする。既に存在しない通知は成功として扱う。
func (c *Client) MarkAsRead(ctx context.Context, id string) error {
	ctx, err := c.authorize(ctx)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/%s/read", notificationsPath, url.PathEscape(id))
	if err := c.http.PutJSON(ctx, path, nil, nil); err != nil {
		if httpclient.IsStatus(err, http.StatusNotFound) {
			return nil
		}
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return nil
}

// MarkAllAsRead は全通知を既読にする。
func (c *Client) MarkAllAsRead(ctx context.Context) error {
	ctx, err := c.authorize(ctx)
	if err != nil {
		return err
	}
	if err := c.http.PutJSON(ctx, notificationsPath+"/read-all", nil, nil); err != nil {
		return fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return nil
}

// Delete は通知を削除する。既に存在しない通知は成功として扱う。
func (c *Client) Delete(ctx context.Context, id string) error {
	ctx, err := c.authorize(ctx)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/%s", notificationsPath, url.PathEscape(id))
	if err := c.http.Delete(ctx, path); err != nil {
		if httpclient.IsStatus(err, http.StatusNotFound) {
			return nil
		}
		return fmt.Errorf("通知の削除に失敗: %w", err)
	}
	return nil
}

// Send は通知を作成して宛先ユーザーにプッシュする。
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	ctx, err := c.authorize(ctx)
	if err != nil {
		return SendResult{}, err
	}
	var res SendResult
	if err := c.http.PostJSON(ctx, sendPath, req, &res); err != nil {
		return SendResult{}, fmt.Errorf("通知の送信に失敗: %w", err)
	}
	return res, nil
}
