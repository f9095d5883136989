package debug

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

var (
	level   = new(slog.LevelVar)
	enabled atomic.Bool
	current atomic.Pointer[slog.Logger]
)

func init() {
	debugEnv, exists := os.LookupEnv("CHATSOCKET_DEBUG")
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil && val {
			Enable()
		}
	}

	current.Store(slog.New(NewConsoleHandler(os.Stderr, &HandlerOptions{Level: level})))
}

// Logger returns the shared logger used by the socket and auth packages.
func Logger() *slog.Logger {
	return current.Load()
}

// SetLogger replaces the shared logger. A nil logger is ignored.
func SetLogger(l *slog.Logger) {
	if l != nil {
		current.Store(l)
	}
}

// Printf emits a debug-level trace when debugging is enabled.
func Printf(format string, v ...any) {
	if enabled.Load() {
		Logger().Debug(fmt.Sprintf(format, v...))
	}
}

func Enable() {
	enabled.Store(true)
	level.Set(slog.LevelDebug)
}

func Disable() {
	enabled.Store(false)
	level.Set(slog.LevelInfo)
}

func Enabled() bool {
	return enabled.Load()
}

// Level returns the level variable backing the shared logger.
func Level() *slog.LevelVar {
	return level
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
