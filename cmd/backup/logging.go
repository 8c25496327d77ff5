package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const fallbackLogDir = "virsh_logs"

// resolveLogDir returns dir when it can be created and written to, and a
// directory under the system temp dir otherwise.
func resolveLogDir(dir string) string {
	if dir != "" && writableDir(dir) {
		return dir
	}
	tmp := filepath.Join(os.TempDir(), fallbackLogDir)
	if dir != "" {
		logger.Warn("Log directory not writable, using fallback", "dir", dir, "fallback", tmp)
	}
	return tmp
}

func writableDir(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

// openRunLog opens {dir}/{domain}-{timestamp}.log.
func openRunLog(dir, domain, timestamp string) (*lumberjack.Logger, error) {
	dir = resolveLogDir(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename: filepath.Join(dir, domain+"-"+timestamp+".log"),
		MaxSize:  100,
	}, nil
}

// teeHandler sends every record to all of its handlers.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

// fileHandler writes records as text lines with timestamps to the run log.
func fileHandler(w *lumberjack.Logger, level slog.Leveler) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(levelName(l))
				}
			}
			return a
		},
	})
}
