package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nao1215/perfhub/internal/config"
	"github.com/nao1215/perfhub/internal/logging"
	"github.com/nao1215/perfhub/pkg/event"
	"github.com/nao1215/perfhub/pkg/middleware"
	"github.com/nao1215/perfhub/pkg/role"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "test-secret"

// setupTestServer はテスト用の通知サーバーをインメモリSQLiteで構築する。
func setupTestServer(t *testing.T, devToken bool) *Server {
	t.Helper()

	repo, err := OpenRepository(context.Background(), ":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("リポジトリの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	cfg := config.ServerConfig{
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"http://localhost:3000"},
		EnableDevToken: devToken,
		SendQueueSize:  8,
	}
	s := newServer(cfg, repo, logging.Discard())
	t.Cleanup(s.hub.Close)
	return s
}

// systemUser は内部APIを呼ぶ業務機能を表す。Adminロールのトークンを持つ。
const systemUser = "system"

// tokenFor はユーザーのトークンを生成する。systemUser以外はEmployeeになる。
func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	r := role.Employee
	if userID == systemUser {
		r = role.Admin
	}
	token, err := middleware.GenerateJWT(testSecret, userID, userID+"@example.com", r, time.Hour)
	if err != nil {
		t.Fatalf("トークンの生成に失敗: %v", err)
	}
	return token
}

// doRequest はテスト用のHTTPリクエストを実行する。userIDが空なら認証しない。
func doRequest(t *testing.T, s *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("リクエストボディの生成に失敗: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// sendNotification は内部APIで通知を作成し、IDを返す。
func sendNotification(t *testing.T, s *Server, userID string, typ event.Type, title string) string {
	t.Helper()
	w := doRequest(t, s, http.MethodPost, "/api/v1/internal/send", systemUser, map[string]any{
		"user_id":           userID,
		"title":             title,
		"message":           "message of " + title,
		"notification_type": typ,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("通知の送信に失敗: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	return resp.ID
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) []event.Record {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("ステータス = %d, body = %s", w.Code, w.Body.String())
	}
	var recs []event.Record
	if err := json.Unmarshal(w.Body.Bytes(), &recs); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	return recs
}

// TestHealth はヘルスチェックを検証する。
func TestHealth(t *testing.T) {
	t.Parallel()
	s := setupTestServer(t, false)

	w := doRequest(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("ステータス = %d, want %d", w.Code, http.StatusOK)
	}
}

// TestSendAndList は通知の作成と一覧取得を検証する。
func TestSendAndList(t *testing.T) {
	t.Parallel()

	t.Run("新しい順に自分の通知だけが返ること", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t, false)

		first := sendNotification(t, s, "alice", event.TypeGoalCreated, "first")
		second := sendNotification(t, s, "alice", event.TypeReviewUnset, "second")
		sendNotification(t, s, "bob", event.TypeGeneral, "other")

		recs := decodeList(t, doRequest(t, s, http.MethodGet, "/api/v1/notifications", "alice", nil))
		if len(recs) != 2 {
			t.Fatalf("件数 = %d, want 2", len(recs))
		}
		if recs[0].ID != second || recs[1].ID != first {
			t.Errorf("並び順 = [%s %s], want [%s %s]", recs[0].ID, recs[1].ID, second, first)
		}
		if recs[0].NotificationType != event.TypeReviewUnset {
			t.Errorf("NotificationType = %q", recs[0].NotificationType)
		}
		if _, err := recs[0].CreatedTime(); err != nil {
			t.Errorf("created_atが解析できない: %v", err)
		}
	})

	t.Run("種別を省略するとGeneralになること", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t, false)

		w := doRequest(t, s, http.MethodPost, "/api/v1/internal/send", systemUser, map[string]any{"user_id": "alice"})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータス = %d, body = %s", w.Code, w.Body.String())
		}
		recs := decodeList(t, doRequest(t, s, http.MethodGet, "/api/v1/notifications", "alice", nil))
		if len(recs) != 1 || recs[0].NotificationType != event.TypeGeneral {
			t.Errorf("recs = %+v", recs)
		}
		if recs[0].DisplayTitle() != event.DefaultTitle {
			t.Errorf("DisplayTitle() = %q", recs[0].DisplayTitle())
		}
	})

	t.Run("不正なリクエストは400になること", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t, false)

		if w := doRequest(t, s, http.MethodPost, "/api/v1/internal/send", systemUser, map[string]any{"title": "x"}); w.Code != http.StatusBadRequest {
			t.Errorf("user_id無しのステータス = %d", w.Code)
		}
		w := doRequest(t, s, http.MethodPost, "/api/v1/internal/send", systemUser, map[string]any{
			"user_id": "alice", "notification_type": "Unexpected",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("未知の種別のステータス = %d", w.Code)
		}
	})

	t.Run("認証なしは401になること", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t, false)
		if w := doRequest(t, s, http.MethodGet, "/api/v1/notifications", "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("ステータス = %d, want 401", w.Code)
		}
	})

	t.Run("AdminとHR以外は通知を送信できないこと", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t, false)

		w := doRequest(t, s, http.MethodPost, "/api/v1/internal/send", "mallory", map[string]any{"user_id": "alice"})
		if w.Code != http.StatusForbidden {
			t.Errorf("Employeeのステータス = %d, want 403", w.Code)
		}
		recs := decodeList(t, doRequest(t, s, http.MethodGet, "/api/v1/notifications", "alice", nil))
		if len(recs) != 0 {
			t.Errorf("拒否された通知が保存された: %+v", recs)
		}
	})

	t.Run("参照情報は任意のJSON値のまま保存されること", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t, false)

		w := doRequest(t, s, http.MethodPost, "/api/v1/internal/send", systemUser, map[string]any{
			"user_id":           "alice",
			"notification_type": event.TypeGoalUpdated,
			"referenced_item":   map[string]any{"goalId": 5},
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータス = %d, body = %s", w.Code, w.Body.String())
		}
		sendNotification(t, s, "alice", event.TypeGeneral, "no reference")

		recs := decodeList(t, doRequest(t, s, http.MethodGet, "/api/v1/notifications", "alice", nil))
		if len(recs) != 2 {
			t.Fatalf("件数 = %d, want 2", len(recs))
		}
		if recs[0].ReferencedItem != nil {
			t.Errorf("参照情報なしのReferencedItem = %s", recs[0].ReferencedItem)
		}
		if got := string(recs[1].ReferencedItem); got != `{"goalId":5}` {
			t.Errorf("ReferencedItem = %s, want %s", got, `{"goalId":5}`)
		}
	})
}

// TestMarkAsRead は既読処理を検証する。
func TestMarkAsRead(t *testing.T) {
	t.Parallel()

	t.Run("既読は冪等で未読一覧から消えること", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t, false)
		id := sendNotification(t, s, "alice", event.TypeGoalUpdated, "t")
		keep := sendNotification(t, s, "alice", event.TypeGoalUpdated, "keep")

		for range 2 {
			w := doRequest(t, s, http.MethodPut, "/api/v1/notifications/"+id+"/read", "alice", nil)
			if w.Code != http.StatusOK {
				t.Fatalf("ステータス = %d, body = %s", w.Code, w.Body.String())
			}
		}

		unread := decodeList(t, doRequest(t, s, http.MethodGet, "/api/v1/notifications/unread", "alice", nil))
		if len(unread) != 1 || unread[0].ID != keep {
			t.Errorf("unread = %+v", unread)
		}
		all := decodeList(t, doRequest(t, s, http.MethodGet, "/api/v1/notifications", "alice", nil))
		if len(all) != 2 || !all[1].IsRead {
			t.Errorf("all = %+v", all)
		}
	})

	t.Run("他人の通知は403になること", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t, false)
		id := sendNotification(t, s, "alice", event.TypeGeneral, "t")

		if w := doRequest(t, s, http.MethodPut, "/api/v1/notifications/"+id+"/read", "bob", nil); w.Code != http.StatusForbidden {
			t.Errorf("ステータス = %d, want 403", w.Code)
		}
	})

	t.Run("存在しない通知は404になること", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t, false)
		if w := doRequest(t, s, http.MethodPut, "/api/v1/notifications/missing/read", "alice", nil); w.Code != http.StatusNotFound {
			t.Errorf("ステータス = %d, want 404", w.Code)
		}
	})

	t.Run("全件既読にできること", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t, false)
		sendNotification(t, s, "alice", event.TypeGeneral, "a")
		sendNotification(t, s, "alice", event.TypeGeneral, "b")

		w := doRequest(t, s, http.MethodPut, "/api/v1/notifications/read-all", "alice", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータス = %d", w.Code)
		}
		var resp struct {
			Updated int `json:"updated"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Updated != 2 {
			t.Errorf("updated = %d, want 2", resp.Updated)
		}
		if unread := decodeList(t, doRequest(t, s, http.MethodGet, "/api/v1/notifications/unread", "alice", nil)); len(unread) != 0 {
			t.Errorf("未読が残っている: %d", len(unread))
		}
	})
}

// TestDelete は削除を検証する。
func TestDelete(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t, false)
	id := sendNotification(t, s, "alice", event.TypeGeneral, "t")

	if w := doRequest(t, s, http.MethodDelete, "/api/v1/notifications/"+id, "bob", nil); w.Code != http.StatusForbidden {
		t.Errorf("他人の削除のステータス = %d, want 403", w.Code)
	}
	for range 2 {
		if w := doRequest(t, s, http.MethodDelete, "/api/v1/notifications/"+id, "alice", nil); w.Code != http.StatusNoContent {
			t.Errorf("削除のステータス = %d, want 204", w.Code)
		}
	}
	if recs := decodeList(t, doRequest(t, s, http.MethodGet, "/api/v1/notifications", "alice", nil)); len(recs) != 0 {
		t.Errorf("削除後も残っている: %d", len(recs))
	}
}

// TestDevToken は開発用トークンの発行を検証する。
func TestDevToken(t *testing.T) {
	t.Parallel()

	t.Run("無効な場合はルートが無いこと", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t, false)
		if w := doRequest(t, s, http.MethodPost, "/auth/dev-token", "", nil); w.Code != http.StatusNotFound {
			t.Errorf("ステータス = %d, want 404", w.Code)
		}
	})

	t.Run("ロール付きのトークンが発行されること", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t, true)

		w := doRequest(t, s, http.MethodPost, "/auth/dev-token", "", map[string]string{"user_id": "carol", "role": "manager"})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータス = %d, body = %s", w.Code, w.Body.String())
		}
		var resp struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスのデコードに失敗: %v", err)
		}
		claims, err := middleware.ParseJWT(testSecret, resp.Token)
		if err != nil {
			t.Fatalf("発行されたトークンが検証できない: %v", err)
		}
		if claims.UserID != "carol" || claims.Role != role.Manager {
			t.Errorf("claims = %+v", claims)
		}
	})

	t.Run("未知のロールは400になること", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t, true)
		if w := doRequest(t, s, http.MethodPost, "/auth/dev-token", "", map[string]string{"role": "ceo"}); w.Code != http.StatusBadRequest {
			t.Errorf("ステータス = %d, want 400", w.Code)
		}
	})
}

// TestHub はWebSocket経由のプッシュを検証する。
func TestHub(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t, false)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/notifications/hub"

	t.Run("トークンが無い接続は401になること", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err == nil {
			t.Fatal("認証なしで接続できた")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("resp = %v, want 401", resp)
		}
	})

	t.Run("宛先ユーザーの接続にだけプッシュされること", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+tokenFor(t, "alice"))
		alice, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		if err != nil {
			t.Fatalf("接続に失敗: %v", err)
		}
		defer alice.Close()

		bob, _, err := websocket.DefaultDialer.Dial(wsURL+"?access_token="+tokenFor(t, "bob"), nil)
		if err != nil {
			t.Fatalf("クエリパラメータでの接続に失敗: %v", err)
		}
		defer bob.Close()

		deadline := time.Now().Add(5 * time.Second)
		for s.Hub().Count("alice") != 1 || s.Hub().Count("bob") != 1 {
			if time.Now().After(deadline) {
				t.Fatal("接続が登録されなかった")
			}
			time.Sleep(5 * time.Millisecond)
		}

		id := sendNotification(t, s, "alice", event.TypeNewSuccession, "pushed")

		_ = alice.SetReadDeadline(time.Now().Add(5 * time.Second))
		var env event.Envelope
		if err := alice.ReadJSON(&env); err != nil {
			t.Fatalf("プッシュの受信に失敗: %v", err)
		}
		if env.Type != event.ReceiveNotification {
			t.Errorf("Type = %q, want %q", env.Type, event.ReceiveNotification)
		}
		rec, err := event.Decode(env.Payload)
		if err != nil {
			t.Fatalf("ペイロードの解釈に失敗: %v", err)
		}
		if rec.ID != id || rec.NotificationType != event.TypeNewSuccession {
			t.Errorf("rec = %+v", rec)
		}

		_ = bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, _, err := bob.ReadMessage(); err == nil {
			t.Error("宛先でないユーザーにプッシュされた")
		}
	})
}
