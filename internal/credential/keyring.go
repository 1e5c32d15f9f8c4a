package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/99designs/keyring"
)

// tokenKey はキーリング内でトークンを保存するキー。
const tokenKey = "access_token"

// Options はキーリングを開くときの設定。
type Options struct {
	// ServiceName はキーリング上のサービス名。
	ServiceName string
	// FileDir はファイルバックエンドを使う場合の保存先。
	FileDir string
}

// Open は設定に従ってOSのキーリングを開く。
func Open(opts Options) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: opts.ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  opts.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(opts.ServiceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("キーリングのオープンに失敗: %w", err)
	}
	return ring, nil
}

// Store はキーリングに保存されたトークンを読み書きする。
type Store struct {
	ring keyring.Keyring
	now  func() time.Time
}

// NewStore は開いたキーリングを使うStoreを生成する。
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring, now: time.Now}
}

// Load は保存済みのトークンを読み出して解析する。
// 保存されていない場合はErrNotFoundを返す。
func (s *Store) Load() (Credential, error) {
	item, err := s.ring.Get(tokenKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("認証情報の取得に失敗: %w", err)
	}
	return Parse(string(item.Data))
}

// Save はトークンを検証してからキーリングに保存する。
func (s *Store) Save(token string) (Credential, error) {
	cred, err := Parse(token)
	if err != nil {
		return Credential{}, err
	}
	if cred.Expired(s.now()) {
		return Credential{}, fmt.Errorf("%w: 有効期限切れです", ErrMalformedToken)
	}

	if err := s.ring.Set(keyring.Item{
		Key:   tokenKey,
		Data:  []byte(cred.Token),
		Label: "perfhub access token",
	}); err != nil {
		return Credential{}, fmt.Errorf("認証情報の保存に失敗: %w", err)
	}
	return cred, nil
}

// Clear は保存済みのトークンを削除する。保存されていなくてもエラーにしない。
func (s *Store) Clear() error {
	err := s.ring.Remove(tokenKey)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("認証情報の削除に失敗: %w", err)
	}
	return nil
}

// Current は有効な認証情報があればそれを返す。
// 未保存、解析不能、期限切れのいずれも「認証されていない」として扱う。
func (s *Store) Current() (Credential, bool) {
	cred, err := s.Load()
	if err != nil {
		return Credential{}, false
	}
	if cred.Expired(s.now()) {
		return Credential{}, false
	}
	return cred, true
}
