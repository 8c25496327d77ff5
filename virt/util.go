package virt

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
)

var log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level:     slog.LevelInfo,
	AddSource: true,
}))

// SetLogger sets the logger used by the virt package.
func SetLogger(logger *slog.Logger) {
	if logger != nil {
		log = logger
	}
}

// Monitor runs raw QMP commands against one domain.
type Monitor interface {
	Run(cmd []byte) ([]byte, error)
}

// RunQMPAndLog sends a raw QMP command to the monitor and logs the response.
func RunQMPAndLog(monitor Monitor, json string) ([]byte, error) {
	log.Debug(json)
	raw, err := monitor.Run([]byte(json))
	if err != nil {
		log.Debug("monitor.Run failed", "error", err)
		return raw, err
	}
	PrettyPrintJSON(string(raw))
	return raw, nil
}

// PrettyPrintJSON formats and logs a JSON string for debugging purposes.
func PrettyPrintJSON(raw string) {
	if !log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	var obj interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		// Invalid JSON, printing raw
		log.Debug(raw)
		return
	}

	pretty, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		log.Debug(raw)
		return
	}

	log.Debug(string(pretty))
}
