// Package middleware は通知サーバーで使用するGinミドルウェアを提供する。
//
// JWTの発行と検証（ロールのクレームを含む）、パニックリカバリ、CORSを含む。
package middleware
