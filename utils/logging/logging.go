package logging

import (
	"io"
	"log/slog"
)

type LogCode string

const (
	SYSTEM LogCode = "SYSTEM"
	AUDIT  LogCode = "AUDIT"
)

// VictoriaLogs expects the time and message under _time and _msg.
func convertKeysToVictoriaLogs(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.Attr{Key: "_time", Value: slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05"))}
	}
	if a.Key == slog.MessageKey {
		return slog.Attr{Key: "_msg", Value: a.Value}
	}
	return a
}

func GetVictoriaLogsOptions(addSource bool) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: convertKeysToVictoriaLogs,
		AddSource:   addSource,
	}
}

// NewLogger returns a json logger for the VictoriaLogs collector, tagged with
// the code of the subsystem writing to it.
func NewLogger(w io.Writer, code LogCode) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, GetVictoriaLogsOptions(false))).With("code", code)
}
