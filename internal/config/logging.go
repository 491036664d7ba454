package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace is used for prompt, observation, and completion dumps. It
// sits one step below [slog.LevelDebug].
const LevelTrace = slog.LevelDebug - 4

var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps the logging.level config value onto an [slog.Level].
// Matching ignores case and surrounding space.
func ParseLogLevel(s string) (slog.Level, error) {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging.level: unknown level %q (want trace, debug, info, warn, or error)", s)
}

// ReplaceLogLevelNames renders [LevelTrace] as TRACE rather than DEBUG-4.
// Pass it as [slog.HandlerOptions].ReplaceAttr.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
		return slog.String(slog.LevelKey, "TRACE")
	}
	return a
}
