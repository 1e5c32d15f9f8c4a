package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nao1215/perfhub/internal/inbox"
	"github.com/nao1215/perfhub/internal/route"
	"github.com/nao1215/perfhub/pkg/event"
	"github.com/nao1215/perfhub/pkg/role"
	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	var unread bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "通知を日付ごとに一覧表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.credentials()
			if err != nil {
				return err
			}
			if err := requireLogin(store); err != nil {
				return err
			}
			cred, _ := store.Current()
			api := a.apiClient(store)

			var recs []event.Record
			if unread {
				recs, err = api.ListUnread(cmd.Context())
			} else {
				recs, err = api.List(cmd.Context())
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "通知はありません")
				return nil
			}
			for _, g := range inbox.GroupByDay(recs, time.Local) {
				day := "日付不明"
				if !g.Day.IsZero() {
					day = g.Day.Format(time.DateOnly)
				}
				fmt.Fprintf(out, "== %s ==\n", day)
				for _, r := range g.Records {
					printRecord(out, r, cred.Role)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "未読のみ表示する")
	return cmd
}

func newReadCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "read [id]",
		Short: "通知を既読にする",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) != 1 {
				return fmt.Errorf("通知IDか --all を指定してください")
			}
			store, err := a.credentials()
			if err != nil {
				return err
			}
			if err := requireLogin(store); err != nil {
				return err
			}
			api := a.apiClient(store)

			if all {
				if err := api.MarkAllAsRead(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "全通知を既読にしました")
				return nil
			}
			if err := api.MarkAsRead(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "既読にしました: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "全通知を既読にする")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "通知を削除する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.credentials()
			if err != nil {
				return err
			}
			if err := requireLogin(store); err != nil {
				return err
			}
			if err := a.apiClient(store).Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "削除しました: %s\n", args[0])
			return nil
		},
	}
}

func newSendCmd(a *app) *cobra.Command {
	var req sendFlags

	cmd := &cobra.Command{
		Use:   "send <user-id>",
		Short: "通知を送信する（AdminまたはHRのみ）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.credentials()
			if err != nil {
				return err
			}
			if err := requireLogin(store); err != nil {
				return err
			}

			typ := event.Type(req.notificationType)
			if typ != "" && !typ.Known() {
				return fmt.Errorf("未知の通知種別です: %s", req.notificationType)
			}
			res, err := a.apiClient(store).Send(cmd.Context(), inbox.SendRequest{
				UserID:           args[0],
				Title:            req.title,
				Message:          req.message,
				NotificationType: typ,
				ReferencedItem:   referencedItem(req.ref),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "送信しました: %s（配信先 %d）\n", res.ID, res.Delivered)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.notificationType, "type", "", "通知の種類（例: GoalCreated）")
	cmd.Flags().StringVar(&req.title, "title", "", "タイトル")
	cmd.Flags().StringVar(&req.message, "message", "", "本文")
	cmd.Flags().StringVar(&req.ref, "ref", "", "参照情報（JSON値。JSONでなければ文字列として送る）")
	return cmd
}

// sendFlags はsendコマンドのフラグ。
type sendFlags struct {
	notificationType string
	title            string
	message          string
	ref              string
}

// referencedItem はフラグの値を参照情報に変換する。
func referencedItem(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

// printRecord は通知を1行で表示する。遷移先があれば併せて表示する。
func printRecord(w io.Writer, r event.Record, rl role.Role) {
	mark := " "
	if !r.IsRead {
		mark = "*"
	}
	line := fmt.Sprintf("%s %s [%s] %s", mark, r.ID, r.NotificationType, r.DisplayTitle())
	if r.Message != "" {
		line += ": " + r.Message
	}
	if path, ok := route.Route(r.NotificationType, rl); ok {
		line += " -> " + path
	}
	fmt.Fprintln(w, line)
}
