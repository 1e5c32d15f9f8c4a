// Package notification は通知サービスのサーバー実装を提供する。
//
// 通知をSQLiteに保存し、宛先ユーザーが接続中であればWebSocketのハブ経由でプッシュする。
// クライアントは一覧取得、既読化、削除をREST APIで行う。
package notification
