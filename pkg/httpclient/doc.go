// Package httpclient はJSONのリクエスト/レスポンス通信を行うクライアントを提供する。
//
// 通知一覧の取得、既読化、削除など、プッシュチャネル以外のサーバー呼び出しは
// すべてこのクライアントを経由する。認証トークンはコンテキストで伝播する。
package httpclient
