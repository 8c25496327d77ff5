// workflow.go contains CLI-specific orchestration: connecting to the
// hypervisor, signal handling, logging to the run log, and exit codes.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/valvemist/virtbackup/backup"
	"github.com/valvemist/virtbackup/virt"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, backup.ErrInterrupted):
		return exitInterrupted
	default:
		logger.Error("Backup failed", "error", err)
		return exitFailure
	}
}

// runBackupWorkflow executes the full backup workflow based on the provided configuration.
func runBackupWorkflow(parent context.Context, cfg backup.Config, opts options, level *slog.LevelVar) error {
	if parent == nil {
		parent = context.Background()
	}
	timestamp := time.Now().Format(backup.TimestampLayout)
	if w, err := openRunLog(opts.LogDir, cfg.Domain, timestamp); err != nil {
		logger.Warn("Run log disabled", "error", err)
	} else {
		defer w.Close()
		logger = slog.New(teeHandler{logger.Handler(), fileHandler(w, level)})
		logger.Info("Logging to file", "path", w.Filename)
	}
	backup.SetLogger(logger)
	virt.SetLogger(logger)

	ctx, stop := watchSignals(parent)
	defer stop()

	hv, err := virt.Dial(opts.URI)
	if err != nil {
		return err
	}
	defer func() {
		hv.Close()
		logger.Info("Hypervisor connection closed.")
	}()

	orch := backup.New(hv, backup.Options{
		Interactive: term.IsTerminal(int(os.Stdout.Fd())),
		Out:         os.Stdout,
	})

	if opts.Clean {
		return cleanAll(orch, cfg.Domain)
	}

	res, err := orch.Run(ctx, cfg)
	if err != nil {
		if res.Recovery != nil && len(res.Recovery.Unhealed) > 0 {
			logger.Error("Some disks are still on overlays, see CRITICAL entries above", "disks", res.Recovery.Unhealed)
		}
		return err
	}
	return nil
}

// cleanAll runs the cleanup protocol against whatever an earlier run left behind.
func cleanAll(orch *backup.Orchestrator, domain string) error {
	logger.Info("Cleaning all and exiting", "domain", domain)
	rep := orch.RecoverDomain(domain)
	if len(rep.Healed) == 0 && len(rep.Errors) == 0 {
		logger.Info("Domain is clean", "domain", domain)
	}
	return rep.Err()
}

// watchSignals cancels the returned context on the first SIGINT or SIGTERM.
// Later signals are reported but do not cut cleanup short.
func watchSignals(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		received := 0
		for {
			select {
			case sig := <-sigs:
				received++
				if received == 1 {
					logger.Warn("Interrupt received, stopping", "signal", sig.String())
					cancel()
				} else {
					logger.Warn("Cleanup in progress, please wait", "signal", sig.String())
				}
			case <-done:
				return
			}
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}
