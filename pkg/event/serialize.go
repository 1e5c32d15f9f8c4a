package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedPayload は通知として解釈できないペイロードを表す。
var ErrMalformedPayload = errors.New("通知ペイロードが不正です")

// New は新しい通知レコードを生成する。
// IDはUUID、作成日時は現在時刻（UTC）になる。
func New(notificationType Type, title, message string, referencedItem json.RawMessage) Record {
	return Record{
		ID:               uuid.New().String(),
		Title:            title,
		Message:          message,
		NotificationType: notificationType,
		ReferencedItem:   referencedItem,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Encode はイベント名とデータからEnvelopeのJSONを生成する。
func Encode(name string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}
	out, err := json.Marshal(Envelope{Type: name, Payload: data})
	if err != nil {
		return nil, fmt.Errorf("エンベロープのシリアライズに失敗: %w", err)
	}
	return out, nil
}

// DecodeData はEnvelopeのPayloadを指定された型にデシリアライズする。
func DecodeData[T any](e Envelope) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}

// Decode はプッシュされたペイロードを通知レコードとして解釈する。
// JSONでない、オブジェクトでない、IDが空のいずれかの場合はErrMalformedPayloadを返す。
func Decode(payload []byte) (Record, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Record{}, fmt.Errorf("%w: オブジェクトではありません", ErrMalformedPayload)
	}

	rec, err := DecodeData[Record](Envelope{Payload: trimmed})
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if rec.ID == "" {
		return Record{}, fmt.Errorf("%w: IDがありません", ErrMalformedPayload)
	}
	return *rec, nil
}
