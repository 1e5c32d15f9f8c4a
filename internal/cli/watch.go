package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nao1215/perfhub/internal/center"
	"github.com/nao1215/perfhub/internal/push"
	"github.com/nao1215/perfhub/internal/session"
	"github.com/nao1215/perfhub/pkg/event"
	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "プッシュ通知を受信して表示する",
		Long: "通知サービスに接続し、届いた通知を表示する。\n" +
			"SIGHUPを受け取ると認証情報を読み直し、ログイン・ログアウトに合わせて接続を開始・停止する。",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.credentials()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var (
				c  *center.Center
				mu sync.Mutex
			)
			onReceive := func(rec event.Record) {
				cred, _ := store.Current()
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintf(out, "(%d) ", c.Badge())
				printRecord(out, rec, cred.Role)
			}

			c = center.New(store,
				session.PushStarter(push.Config{
					URL:          a.cfg.Client.HubURL(),
					PingInterval: a.cfg.Client.PingInterval,
					MinBackoff:   a.cfg.Client.MinBackoff,
					MaxBackoff:   a.cfg.Client.MaxBackoff,
					Logger:       a.logger,
				}),
				a.apiClient(store),
				center.WithLogger(a.logger),
				center.WithOnReceive(onReceive),
			)
			defer c.Close()

			if _, ok := store.Current(); !ok {
				fmt.Fprintln(out, "ログインしていません。ログイン後にSIGHUPを送ると接続します")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = c.Run(ctx, hangups(ctx))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// hangups はSIGHUPを受け取るたびに値を送るチャネルを返す。ctxが終了すると閉じる。
func hangups(ctx context.Context) <-chan struct{} {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)

	pulses := make(chan struct{}, 1)
	go func() {
		defer signal.Stop(sig)
		defer close(pulses)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				select {
				case pulses <- struct{}{}:
				default:
				}
			}
		}
	}()
	return pulses
}
