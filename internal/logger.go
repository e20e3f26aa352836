package internal

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger 建立結構化日誌
//
// format 為 json 時輸出 JSON，其餘一律為文字；debug 級別會附上源碼位置。
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	logLevel := ParseLogLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLogLevel 解析日誌級別，無法辨識時回傳 info
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
