package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

var (
	level  = new(slog.LevelVar) // dynamic level, see SetLevel
	Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
)

// Init rebuilds Logger from LOG_FORMAT (json|text) and LOG_LEVEL and installs it as the slog default.
func Init() {
	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	SetLevel(os.Getenv("LOG_LEVEL"))

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// SetLevel accepts debug, info, warn or error. Anything else means info.
func SetLevel(name string) {
	switch strings.ToLower(name) {
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

func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}

func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

// WrapSlog adapts the structured logger for libraries that want a *log.Logger.
func WrapSlog(args ...any) *log.Logger {
	return slog.NewLogLogger(Logger.With(args...).Handler(), slog.LevelDebug)
}
