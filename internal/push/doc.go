// Package push はサーバーからの通知をWebSocketで受け取るクライアント側のセッションを提供する。
//
// Sessionは1本の接続を保持し、読み取りに失敗すると指数バックオフで再接続する。
// 再接続は最善努力であり、切断中にサーバーが送った通知は再送されない。
// 受信したエンベロープは登録済みのハンドラーに到着順で同期的に渡される。
package push
