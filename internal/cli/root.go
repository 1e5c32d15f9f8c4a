// Package cli はnotifyctlコマンドを提供する。
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/99designs/keyring"
	"github.com/nao1215/perfhub/internal/config"
	"github.com/nao1215/perfhub/internal/credential"
	"github.com/nao1215/perfhub/internal/inbox"
	"github.com/nao1215/perfhub/internal/logging"
	"github.com/nao1215/perfhub/internal/push"
	"github.com/nao1215/perfhub/pkg/httpclient"
	"github.com/spf13/cobra"
)

var version = "dev"

// RingOpener はクライアント設定からキーリングを開く。
type RingOpener func(cfg config.ClientConfig) (keyring.Keyring, error)

// openSystemRing はOSのキーリングを開く。
func openSystemRing(cfg config.ClientConfig) (keyring.Keyring, error) {
	return credential.Open(credential.Options{
		ServiceName: cfg.KeyringService,
		FileDir:     cfg.KeyringDir,
	})
}

// app はサブコマンドが共有する状態。
type app struct {
	configPath string
	openRing   RingOpener

	cfg    *config.Config
	logger *slog.Logger
}

// load は設定とロガーを用意する。
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Environment)
	return nil
}

// credentials はキーリング上の認証情報ストアを返す。
func (a *app) credentials() (*credential.Store, error) {
	ring, err := a.openRing(a.cfg.Client)
	if err != nil {
		return nil, err
	}
	return credential.NewStore(ring), nil
}

// tokenFunc はストアから現在のトークンを読む関数を返す。
func tokenFunc(store *credential.Store) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		cred, ok := store.Current()
		if !ok {
			return "", push.ErrMissingCredential
		}
		return cred.Token, nil
	}
}

// apiClient は通知サービスのAPIクライアントを返す。
func (a *app) apiClient(store *credential.Store) *inbox.Client {
	hc := httpclient.New(a.cfg.Client.BaseURL,
		httpclient.WithHTTPClient(&http.Client{Timeout: a.cfg.Client.RequestTimeout}))
	return inbox.NewClient(hc, tokenFunc(store))
}

// requireLogin は有効な認証情報があるかを確認する。
func requireLogin(store *credential.Store) error {
	if _, ok := store.Current(); !ok {
		return fmt.Errorf("ログインしていません。notifyctl login --token <token> を実行してください")
	}
	return nil
}

func newRootCmd(openRing RingOpener) *cobra.Command {
	a := &app{openRing: openRing}

	cmd := &cobra.Command{
		Use:           "notifyctl",
		Short:         "perfhubの通知クライアント",
		Long:          "perfhubの通知サービスに接続し、プッシュ通知の受信、一覧、既読化、削除を行う。",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "設定ファイル（YAML）のパス")

	cmd.AddCommand(newLoginCmd(a))
	cmd.AddCommand(newLogoutCmd(a))
	cmd.AddCommand(newWatchCmd(a))
	cmd.AddCommand(newListCmd(a))
	cmd.AddCommand(newReadCmd(a))
	cmd.AddCommand(newDeleteCmd(a))
	cmd.AddCommand(newSendCmd(a))
	return cmd
}

// NewRootCmdForTest はキーリングを差し替えたルートコマンドを返す。
func NewRootCmdForTest(openRing RingOpener, out io.Writer) *cobra.Command {
	cmd := newRootCmd(openRing)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	return cmd
}

// Execute はnotifyctlを実行する。
func Execute(ctx context.Context) error {
	return newRootCmd(openSystemRing).ExecuteContext(ctx)
}
