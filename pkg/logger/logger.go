package logger

import (
	"io"
	"os"

	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the process-wide logger. Packages log through it directly; it
// defaults to a discard handler until Init runs so library use and tests
// need no setup.
var Log = slog.New(slog.NewTextHandler(io.Discard, nil))

// Init routes logs to a rotating file. Stdout stays reserved for command
// output; pass toStderr to mirror logs onto stderr as well.
func Init(logFilePath string, level slog.Level, toStderr bool) {
	var writer io.Writer = &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    10, // MB
		MaxBackups: 0,  // only one file
		MaxAge:     0,  // ignore age
		Compress:   false,
	}
	if toStderr {
		writer = io.MultiWriter(os.Stderr, writer)
	}
	opts := &slog.HandlerOptions{Level: level}
	Log = slog.New(slog.NewJSONHandler(writer, opts))
	slog.SetDefault(Log)
}
