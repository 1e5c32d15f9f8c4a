package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newLoginCmd(a *app) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "アクセストークンを保存する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.credentials()
			if err != nil {
				return err
			}
			cred, err := store.Save(strings.TrimSpace(token))
			if err != nil {
				return err
			}

			expires := "なし"
			if !cred.ExpiresAt.IsZero() {
				expires = cred.ExpiresAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ログインしました: %s (%s) 有効期限: %s\n", cred.UserID, cred.Role, expires)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "アクセストークン（JWT）")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "保存済みのアクセストークンを削除する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.credentials()
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ログアウトしました")
			return nil
		},
	}
}
