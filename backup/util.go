package backup

import (
	"context"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
)

// LevelCritical is used for states that need an operator, such as a disk
// that could not be pivoted back to its base image.
const LevelCritical = slog.Level(12)

var log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level:     slog.LevelInfo,
	AddSource: true,
}))

// SetLogger sets the global logger used throughout the backup package.
func SetLogger(logger *slog.Logger) {
	if logger != nil {
		log = logger
	}
}

// Logger returns the logger used by the backup package.
func Logger() *slog.Logger {
	return log
}

func critical(msg string, args ...any) {
	log.Log(context.Background(), LevelCritical, msg, args...)
}

func sizeString(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func humanSize(n uint64) string {
	return humanize.IBytes(n)
}
