// 通知サービスのエントリポイント。
// 通知をSQLiteに保存し、接続中のクライアントへWebSocketでプッシュする。
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/perfhub/internal/config"
	"github.com/nao1215/perfhub/internal/logging"
	"github.com/nao1215/perfhub/internal/notification"
)

func main() {
	configPath := flag.String("config", "", "設定ファイル（YAML）のパス")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("設定の読み込みに失敗", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := notification.NewServer(ctx, cfg.Server, logger)
	if err != nil {
		logger.Error("通知サーバーの初期化に失敗", slog.Any("error", err))
		os.Exit(1)
	}

	if err := server.Run(ctx); err != nil {
		logger.Error("通知サービスが異常終了しました", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("通知サービスを停止しました")
}
