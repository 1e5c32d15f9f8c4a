// notifyctl は通知サービスのコマンドラインクライアント。
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nao1215/perfhub/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "エラー:", err)
		os.Exit(1)
	}
}
