package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/valvemist/virtbackup/backup"
)

var logger *slog.Logger

type customHandler struct {
	level slog.Leveler
	out   io.Writer
}

// Enabled determines whether the customHandler should log messages at the given level.
func (h *customHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	return lvl >= h.level.Level()
}

// Handle processes a log record using the customHandler.
func (h *customHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", levelName(r.Level), r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	// Include file and line number
	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		fmt.Fprintf(&b, " (%s:%d)", filepath.Base(frame.File), frame.Line)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(h.out, b.String())
	return err
}

// WithAttrs returns a new handler with the given attributes.
func (h *customHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

// WithGroup returns a new handler with the given group name.
func (h *customHandler) WithGroup(_ string) slog.Handler { return h }

func levelName(l slog.Level) string {
	if l >= backup.LevelCritical {
		return "CRITICAL"
	}
	return l.String()
}

// main is the entry point for the backup CLI tool.
func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	level := new(slog.LevelVar)
	logger = slog.New(&customHandler{level: level, out: os.Stdout})
	backup.SetLogger(logger)

	cmd := newRootCommand(level)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return exitCode(err)
	}
	return exitOK
}
