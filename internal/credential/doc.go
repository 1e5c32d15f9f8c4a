// Package credential はクライアントが保持する認証情報（JWTトークン）を扱う。
//
// トークンはOSのキーリング（99designs/keyring）に保存される。
// セッション管理はCurrentを観測のたびに呼び出し、トークンの有無と有効期限だけを見る。
// 署名の検証はサーバーの責務であり、ここではクレームを読むだけ。
package credential
