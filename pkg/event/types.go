package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type は通知の種類を表す。
// 値の集合は閉じており、Types()が全要素を列挙する。
type Type string

const (
	// TypeGeneral は遷移先を持たない一般のお知らせを表す。
	TypeGeneral Type = "General"
	// TypeGoalCreated は目標が作成されたことを表す。
	TypeGoalCreated Type = "GoalCreated"
	// TypeGoalUpdated は目標が更新されたことを表す。
	TypeGoalUpdated Type = "GoalUpdated"
	// TypeFeedbackUnsent は未送信のフィードバックがあることを表す。
	TypeFeedbackUnsent Type = "FeedbackUnsent"
	// TypeReviewUnset は評価が未設定であることを表す。
	TypeReviewUnset Type = "ReviewUnset"
	// TypeGoalUnsent は未送信の目標があることを表す。
	TypeGoalUnsent Type = "GoalUnsent"
	// TypeNewSuccession は後継者計画に関するイベントを表す。
	TypeNewSuccession Type = "NewSuccession"
)

// types はワイヤ上の序数と同じ順序で並べた通知種別。
var types = []Type{
	TypeGeneral,
	TypeGoalCreated,
	TypeGoalUpdated,
	TypeFeedbackUnsent,
	TypeReviewUnset,
	TypeGoalUnsent,
	TypeNewSuccession,
}

// Types は定義済みの通知種別を序数順で返す。
func Types() []Type {
	out := make([]Type, len(types))
	copy(out, types)
	return out
}

// Known は定義済みの通知種別かどうかを返す。
func (t Type) Known() bool {
	for _, known := range types {
		if t == known {
			return true
		}
	}
	return false
}

// UnmarshalJSON は文字列名と整数の序数のどちらの表現も受け付ける。
// 未知の文字列はそのまま保持し、範囲外の序数はエラーとする。
func (t *Type) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		for _, known := range types {
			if strings.EqualFold(name, string(known)) {
				*t = known
				return nil
			}
		}
		*t = Type(name)
		return nil
	}

	var ordinal int
	if err := json.Unmarshal(b, &ordinal); err != nil {
		return fmt.Errorf("通知種別のデコードに失敗: %w", err)
	}
	if ordinal < 0 || ordinal >= len(types) {
		return fmt.Errorf("通知種別の序数が範囲外: %d", ordinal)
	}
	*t = types[ordinal]
	return nil
}

// ReceiveNotification はプッシュチャネル上で通知を運ぶイベント名。
const ReceiveNotification = "ReceiveNotification"

// DefaultTitle はタイトルが空の通知に表示するタイトル。
const DefaultTitle = "通知"

// Record はサーバーが発行した1件の通知を表す。
type Record struct {
	// ID は通知の一意識別子。重複排除と既読化のキーになる。
	ID string `json:"id"`
	// Title は通知のタイトル。空の場合がある。
	Title string `json:"title,omitempty"`
	// Message は通知本文。空の場合がある。
	Message string `json:"message,omitempty"`
	// NotificationType は通知の種類。
	NotificationType Type `json:"notification_type"`
	// ReferencedItem は遷移先で使う参照情報。任意のJSON値で、中身は解釈しない。
	ReferencedItem json.RawMessage `json:"referenced_item,omitempty"`
	// CreatedAt は通知の作成日時（ISO-8601形式）。
	CreatedAt string `json:"created_at"`
	// IsRead はサーバー側の既読状態。
	IsRead bool `json:"is_read"`
}

// DisplayTitle は表示用のタイトルを返す。空の場合はDefaultTitleを返す。
func (r Record) DisplayTitle() string {
	if strings.TrimSpace(r.Title) == "" {
		return DefaultTitle
	}
	return r.Title
}

// createdAtLayouts はCreatedAtとして受け付ける書式。
var createdAtLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// CreatedTime はCreatedAtを時刻として解釈する。
// タイムゾーンを持たない値はUTCとして扱う。
func (r Record) CreatedTime() (time.Time, error) {
	for _, layout := range createdAtLayouts {
		if ts, err := time.Parse(layout, r.CreatedAt); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("作成日時の解析に失敗: %q", r.CreatedAt)
}

// Envelope はプッシュチャネルで送受信する1メッセージ。
type Envelope struct {
	// Type はイベント名（例: ReceiveNotification）。
	Type string `json:"type"`
	// Payload はイベント固有のデータ（JSON形式）。
	Payload json.RawMessage `json:"payload"`
}
