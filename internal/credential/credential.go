package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/perfhub/pkg/role"
)

// ErrNotFound は認証情報が保存されていないことを表す。
var ErrNotFound = errors.New("認証情報が見つかりません")

// ErrMalformedToken はトークンのクレームが読み取れないことを表す。
var ErrMalformedToken = errors.New("トークンの形式が不正です")

// Credential は保存済みトークンとそこから読み取ったユーザー情報。
type Credential struct {
	// Token はAuthorizationヘッダーに載せるJWT文字列。
	Token string
	// UserID はトークンのuser_idクレーム。
	UserID string
	// Role はトークンのroleクレーム。通知の遷移先の決定に使う。
	Role role.Role
	// ExpiresAt はトークンの有効期限。expが無い場合はゼロ値。
	ExpiresAt time.Time
}

// claims はトークンから読み取るクレーム。
type claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Parse はトークンを署名検証せずに解析してCredentialを返す。
func Parse(token string) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, ErrNotFound
	}

	c := &claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, c); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	userID := c.UserID
	if userID == "" {
		userID = c.Subject
	}
	if userID == "" {
		return Credential{}, fmt.Errorf("%w: user_idがありません", ErrMalformedToken)
	}

	cred := Credential{
		Token:  token,
		UserID: userID,
		Role:   role.Parse(c.Role),
	}
	if c.ExpiresAt != nil {
		cred.ExpiresAt = c.ExpiresAt.Time
	}
	return cred, nil
}

// Expired はnow時点でトークンの有効期限が切れているかを返す。
// 有効期限が無いトークンは期限切れにならない。
func (c Credential) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}
