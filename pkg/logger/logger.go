package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module provides the process-wide *slog.Logger and the *zap.Logger used by
// components that only speak zap (the migration runner).
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
	fx.Provide(NewZap),
)

// ParseLevel maps LOG_LEVEL values onto slog levels. Unknown values fall back
// to info.
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

// textHandler formats records as
// 2026-01-16T21:47:08.511Z [LEVEL] [scope] - message key=value
type textHandler struct {
	level   slog.Level
	writers []io.Writer
	attrs   []slog.Attr
	mu      *sync.Mutex
}

func newTextHandler(level slog.Level, writers ...io.Writer) *textHandler {
	return &textHandler{level: level, writers: writers, mu: &sync.Mutex{}}
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder
	buf.WriteString(r.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
	buf.WriteString(" [")
	buf.WriteString(strings.ToUpper(r.Level.String()))
	buf.WriteString("] ")

	scope := ""
	var rest []slog.Attr
	for _, a := range h.attrs {
		if a.Key == "scope" {
			scope = a.Value.String()
			continue
		}
		rest = append(rest, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "scope" {
			scope = a.Value.String()
		} else {
			rest = append(rest, a)
		}
		return true
	})

	if scope != "" {
		buf.WriteString("[")
		buf.WriteString(scope)
		buf.WriteString("] ")
	}
	buf.WriteString("- ")
	buf.WriteString(r.Message)
	for _, a := range rest {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(fmt.Sprintf("%v", a.Value.Any()))
	}
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.writers {
		if _, err := io.WriteString(w, buf.String()); err != nil {
			return err
		}
	}
	return nil
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &textHandler{level: h.level, writers: h.writers, attrs: merged, mu: h.mu}
}

// Groups are flattened; nothing in this service logs grouped attributes.
func (h *textHandler) WithGroup(string) slog.Handler {
	return h
}

// errorFilterHandler only passes ERROR+ records to inner.
type errorFilterHandler struct {
	inner slog.Handler
}

func (h *errorFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelError && h.inner.Enabled(ctx, level)
}

func (h *errorFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *errorFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &errorFilterHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *errorFilterHandler) WithGroup(name string) slog.Handler {
	return &errorFilterHandler{inner: h.inner.WithGroup(name)}
}

// multiHandler fans a record out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// NewLogger creates the structured logger from the environment.
//
//	LOG_LEVEL   debug|info|warn|error (default info)
//	LOG_FORMAT  text|json (default text)
//	LOG_DIR     when set, ERROR+ records are also appended to LOG_DIR/error.log
func NewLogger() *slog.Logger {
	return newLogger(os.Stdout)
}

func newLogger(out io.Writer) *slog.Logger {
	level := ParseLevel(os.Getenv("LOG_LEVEL"))

	var primary slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		primary = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		primary = newTextHandler(level, out)
	}

	handlers := []slog.Handler{primary}
	if dir := os.Getenv("LOG_DIR"); dir != "" {
		if f, err := openErrorLog(dir); err == nil {
			handlers = append(handlers, &errorFilterHandler{inner: newTextHandler(slog.LevelError, f)})
		} else {
			fmt.Fprintf(os.Stderr, "Warning: could not open error log in %s: %v\n", dir, err)
		}
	}

	var logger *slog.Logger
	if len(handlers) == 1 {
		logger = slog.New(primary)
	} else {
		logger = slog.New(&multiHandler{handlers: handlers})
	}
	slog.SetDefault(logger)
	return logger
}

func openErrorLog(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "error.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// NewZap builds a zap logger honoring LOG_LEVEL.
func NewZap() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(ParseLevel(os.Getenv("LOG_LEVEL"))))
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l <= slog.LevelDebug:
		return zapcore.DebugLevel
	case l <= slog.LevelInfo:
		return zapcore.InfoLevel
	case l <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// Scope tags a logger with the component that owns it
func Scope(scope string) slog.Attr {
	return slog.String("scope", scope)
}

// Error wraps an error as a slog attribute
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}
