// Package logger holds the process-wide structured logger. Output format and
// destination can be switched at startup; loggers derived before the switch
// follow it.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	levelVar = new(slog.LevelVar)
	root     atomic.Pointer[slog.Handler]
)

// L writes JSON to stderr until Configure says otherwise; stdout stays free
// for streamed answers.
var L = slog.New(&handler{})

func init() {
	setHandler(newHandler("json", os.Stderr))
}

// Configure sets the level, the format (json or text) and the destination.
func Configure(level, format string, w io.Writer) {
	SetLevel(level)
	setHandler(newHandler(format, w))
}

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// Level reports the currently configured level.
func Level() slog.Level {
	return levelVar.Level()
}

// With returns a child logger tagged with a component name.
func With(component string) *slog.Logger {
	return L.With("component", component)
}

func newHandler(format string, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func setHandler(h slog.Handler) {
	root.Store(&h)
}

// handler resolves the current root handler on every call and replays the
// attributes and groups added through With/WithGroup.
type handler struct {
	derive []func(slog.Handler) slog.Handler
}

func (h *handler) current() slog.Handler {
	out := *root.Load()
	for _, d := range h.derive {
		out = d(out)
	}
	return out
}

func (h *handler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.current().Enabled(ctx, lvl)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	return h.current().Handle(ctx, r)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(s slog.Handler) slog.Handler { return s.WithAttrs(attrs) })
}

func (h *handler) WithGroup(name string) slog.Handler {
	return h.with(func(s slog.Handler) slog.Handler { return s.WithGroup(name) })
}

func (h *handler) with(d func(slog.Handler) slog.Handler) slog.Handler {
	derive := make([]func(slog.Handler) slog.Handler, len(h.derive), len(h.derive)+1)
	copy(derive, h.derive)
	return &handler{derive: append(derive, d)}
}
