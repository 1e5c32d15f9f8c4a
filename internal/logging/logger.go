// Package logging はslogベースのロガーを構築する。
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New は環境に応じたロガーを生成する。
// production ではログ集約向けにJSON、それ以外は人が読むテキスト形式で出力する。
func New(environment string) *slog.Logger {
	return NewWithWriter(os.Stderr, environment)
}

// NewWithWriter は出力先を指定してロガーを生成する。
func NewWithWriter(w io.Writer, environment string) *slog.Logger {
	var handler slog.Handler
	if strings.EqualFold(environment, "production") {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return slog.New(handler)
}

// Discard は何も出力しないロガーを返す。
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDefault はnilの場合にslog.Default()を返す。
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
