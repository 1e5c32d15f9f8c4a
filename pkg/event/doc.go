// Package event は通知レコードとプッシュチャネルのエンベロープを定義する。
//
// サーバー（internal/notification）とクライアント（internal/push, internal/center）の
// 双方がこのパッケージの型でワイヤ形式をやり取りする。
package event
