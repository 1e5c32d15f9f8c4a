// Package role は利用者のロールを表す閉じた列挙型を提供する。
//
// ロールはJWTのクレームとして運ばれ、通知の遷移先の決定に使われる。
package role

import "strings"

// Role は利用者のロール。
type Role string

const (
	// Unknown は未知または未設定のロール。
	Unknown Role = ""
	// Employee は一般社員。
	Employee Role = "Employee"
	// Manager は部下を持つ管理職。
	Manager Role = "Manager"
	// Admin はシステム管理者。
	Admin Role = "Admin"
	// HR は人事担当者。
	HR Role = "HR"
)

var roles = []Role{Employee, Manager, Admin, HR}

// All は定義済みのロールを返す。Unknownは含まない。
func All() []Role {
	out := make([]Role, len(roles))
	copy(out, roles)
	return out
}

// Parse は文字列をロールに変換する。大文字小文字は区別しない。
// 該当しない場合はUnknownを返す。
func Parse(s string) Role {
	s = strings.TrimSpace(s)
	for _, r := range roles {
		if strings.EqualFold(s, string(r)) {
			return r
		}
	}
	return Unknown
}

// String はロール名を返す。Unknownは"Unknown"になる。
func (r Role) String() string {
	if r == Unknown {
		return "Unknown"
	}
	return string(r)
}
