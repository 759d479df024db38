package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// 中文说明：
// 全局分级日志，printf 风格，底层使用 slog 文本输出。

var (
	level   = new(slog.LevelVar)
	current atomic.Pointer[slog.Logger]
)

func init() {
	level.Set(slog.LevelInfo)
	SetOutput(os.Stderr)
}

// SetOutput 替换日志输出目标（测试中可指向 io.Discard）。
func SetOutput(w io.Writer) {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	current.Store(slog.New(h))
}

// SetLevel 支持 debug/info/warn/error，未知值回退为 info。
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

func Debugf(format string, args ...any) { logf(slog.LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(slog.LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(slog.LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(slog.LevelError, format, args...) }

// LogLLMPayload 以 debug 级别打印模型请求体，超长截断。
func LogLLMPayload(model, body string) {
	if !current.Load().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	if len(body) > 4000 {
		body = body[:4000] + "..."
	}
	logf(slog.LevelDebug, "[AI] model=%s payload=%s", model, body)
}

func logf(lv slog.Level, format string, args ...any) {
	l := current.Load()
	if !l.Enabled(context.Background(), lv) {
		return
	}
	l.Log(context.Background(), lv, fmt.Sprintf(format, args...))
}
