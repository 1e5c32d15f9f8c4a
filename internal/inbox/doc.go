// Package inbox はクライアント側の未読通知キャッシュと、既読・削除のサーバー同期を提供する。
//
// Storeは新しい順に最大Capacity件を保持し、IDの重複を持たない。
// Synchronizerはサーバー呼び出しが成功したときだけStoreから取り除く。
package inbox
