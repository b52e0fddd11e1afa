// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 PktClass Exporter Contributors

package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	SupportedLevels  = "debug, info, warn, error"
	SupportedFormats = "text, json"
)

// syncWriter flushes files after every record so logs survive a crash of the
// attached hook.
type syncWriter struct{ w io.Writer }

func (s syncWriter) Write(p []byte) (n int, err error) {
	n, err = s.w.Write(p)
	if f, ok := s.w.(*os.File); ok && err == nil {
		f.Sync()
	}
	return n, err
}

// Output returns stderr, or stderr mirrored into a size-rotated file when
// path is set. maxSizeMB <= 0 uses the rotation default of 100 MB.
func Output(path string, maxSizeMB int) io.Writer {
	if path == "" {
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	})
}

// ConfigureWriter installs the default slog logger writing to w.
func ConfigureWriter(w io.Writer, level, format string) error {
	h, err := NewHandler(w, level, format)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// NewHandler builds a slog handler for the given level and format names.
func NewHandler(w io.Writer, level, format string) (slog.Handler, error) {
	l, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: l}
	out := syncWriter{w: w}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "":
		return slog.NewTextHandler(out, opts), nil
	case "json":
		return slog.NewJSONHandler(out, opts), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: must be one of %s", format, SupportedFormats)
	}
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be one of %s", level, SupportedLevels)
	}
}
