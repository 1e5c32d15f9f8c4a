// Package config は通知サーバーとクライアントの設定を読み込む。
//
// 値はデフォルト、設定ファイル（YAML、任意）、環境変数の順に上書きされる。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config はアプリケーション全体の設定。
type Config struct {
	// Environment は実行環境（production ならJSONログ）。
	Environment string `mapstructure:"environment"`
	// Server は通知サーバーの設定。
	Server ServerConfig `mapstructure:"server"`
	// Client は通知クライアントの設定。
	Client ClientConfig `mapstructure:"client"`
}

// ServerConfig は通知サーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string `mapstructure:"port"`
	// DatabasePath はSQLiteデータベースのパス。
	DatabasePath string `mapstructure:"database_path"`
	// JWTSecret はJWT署名用の秘密鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// EnableDevToken は開発用トークン発行エンドポイントを有効にするかどうか。
	EnableDevToken bool `mapstructure:"enable_dev_token"`
	// SendQueueSize は接続ごとの送信キューの長さ。
	SendQueueSize int `mapstructure:"send_queue_size"`
}

// ClientConfig は通知クライアントの設定。
type ClientConfig struct {
	// BaseURL は通知サーバーのベースURL（http/https）。
	BaseURL string `mapstructure:"base_url"`
	// HubPath はプッシュチャネルのパス。
	HubPath string `mapstructure:"hub_path"`
	// KeyringService はキーリングのサービス名。
	KeyringService string `mapstructure:"keyring_service"`
	// KeyringDir はファイルバックエンド使用時の保存先。
	KeyringDir string `mapstructure:"keyring_dir"`
	// PingInterval はキープアライブのping間隔。
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// MinBackoff は再接続待ちの初期値。
	MinBackoff time.Duration `mapstructure:"min_backoff"`
	// MaxBackoff は再接続待ちの上限。
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	// RequestTimeout は既読化などのリクエストのタイムアウト。
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// envBindings は設定キーと環境変数名の対応。
var envBindings = map[string]string{
	"environment":             "ENVIRONMENT",
	"server.port":             "PORT",
	"server.database_path":    "DATABASE_PATH",
	"server.jwt_secret":       "JWT_SECRET",
	"server.allowed_origins":  "ALLOWED_ORIGINS",
	"server.enable_dev_token": "ENABLE_DEV_TOKEN",
	"client.base_url":         "PERFHUB_BASE_URL",
	"client.keyring_service":  "PERFHUB_KEYRING_SERVICE",
	"client.keyring_dir":      "PERFHUB_KEYRING_DIR",
}

// setDefaults はデフォルト値を設定する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.port", "8086")
	v.SetDefault("server.database_path", "/data/notification.db")
	v.SetDefault("server.jwt_secret", "dev-secret-key")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.enable_dev_token", false)
	v.SetDefault("server.send_queue_size", 64)
	v.SetDefault("client.base_url", "http://localhost:8086")
	v.SetDefault("client.hub_path", "/api/v1/notifications/hub")
	v.SetDefault("client.keyring_service", "perfhub")
	v.SetDefault("client.keyring_dir", "~/.config/perfhub/credentials")
	v.SetDefault("client.ping_interval", 30*time.Second)
	v.SetDefault("client.min_backoff", time.Second)
	v.SetDefault("client.max_backoff", 60*time.Second)
	v.SetDefault("client.request_timeout", 15*time.Second)
}

// Load は設定を読み込む。pathが空の場合は設定ファイルを読まない。
// pathが指定されていてファイルが存在しない場合はデフォルト値と環境変数だけで構成する。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("環境変数のバインドに失敗: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定のデコードに失敗: %w", err)
	}
	cfg.Server.AllowedOrigins = splitOrigins(cfg.Server.AllowedOrigins)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitOrigins は環境変数由来のカンマ区切り文字列を分割する。
func splitOrigins(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validate は設定値の整合性を検証する。
func (c *Config) validate() error {
	if c.Client.MinBackoff <= 0 {
		return fmt.Errorf("client.min_backoff は正の値が必要です: %v", c.Client.MinBackoff)
	}
	if c.Client.MaxBackoff < c.Client.MinBackoff {
		return fmt.Errorf("client.max_backoff (%v) は client.min_backoff (%v) 以上が必要です",
			c.Client.MaxBackoff, c.Client.MinBackoff)
	}
	if c.Server.SendQueueSize <= 0 {
		return fmt.Errorf("server.send_queue_size は正の値が必要です: %d", c.Server.SendQueueSize)
	}
	return nil
}

// HubURL はプッシュチャネルのWebSocket URLを返す。
// http:// は ws://、https:// は wss:// に変換する。
func (c ClientConfig) HubURL() string {
	base := strings.TrimSuffix(c.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.HubPath
}
