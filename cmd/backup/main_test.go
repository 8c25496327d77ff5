package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valvemist/virtbackup/backup"
)

func TestMain(m *testing.M) {
	logger = slog.New(&customHandler{level: new(slog.LevelVar), out: io.Discard})
	os.Exit(m.Run())
}

func TestCustomHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(&customHandler{level: new(slog.LevelVar), out: &buf})

	l.Info("Found disk", "device", "vda", "size", "10 GiB")
	assert.Regexp(t, `^\[INFO\] Found disk device=vda size=10 GiB \(main_test\.go:\d+\)\n$`, buf.String())

	buf.Reset()
	l.Log(context.Background(), backup.LevelCritical, "Disk could not be pivoted")
	assert.Contains(t, buf.String(), "[CRITICAL] Disk could not be pivoted")

	buf.Reset()
	l.Debug("hidden")
	assert.Empty(t, buf.String())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitInterrupted, exitCode(fmt.Errorf("copy: %w", backup.ErrInterrupted)))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, exitFailure, exitCode(&backup.ValidationError{Reason: "domain is required"}))
}

func TestRunRejectsBadInvocation(t *testing.T) {
	assert.Equal(t, exitFailure, run([]string{"--backup-dir", "/b", "--disk", "vda"}))
	assert.Equal(t, exitFailure, run([]string{"--domain", "vm1", "--backup-dir", "/b", "--disk", "vda", "--mode", "pull"}))
	assert.Equal(t, exitFailure, run([]string{"--no-such-flag"}))
}

func TestLoadConfigFlags(t *testing.T) {
	v := newViper()
	v.Set("domain", "vm1")
	v.Set("backup-dir", "/backups")
	v.Set("disk", []string{"vda,vdb"})
	v.Set("bwlimit", 40)

	cfg, opts, err := loadConfig(v, []string{"vdc"})
	require.NoError(t, err)
	assert.Equal(t, "vm1", cfg.Domain)
	assert.Equal(t, []string{"vda", "vdb", "vdc"}, cfg.Disks)
	assert.Equal(t, backup.DefaultRetentionDays, cfg.RetentionDays)
	assert.Equal(t, backup.ModeAuto, cfg.Mode)
	assert.Equal(t, 40, cfg.BandwidthMBps)
	assert.Equal(t, "qemu:///system", opts.URI)
	assert.False(t, opts.Clean)
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("VIRTBACKUP_DOMAIN", "vm2")
	t.Setenv("VIRTBACKUP_BACKUP_DIR", "/srv/backups")
	t.Setenv("VIRTBACKUP_DISK", "vda vdb")
	t.Setenv("VIRTBACKUP_MODE", "snapshot")
	t.Setenv("VIRTBACKUP_FORCE_UNSAFE", "true")
	t.Setenv("VIRTBACKUP_RETENTION_COUNT", "3")

	cfg, _, err := loadConfig(newViper(), nil)
	require.NoError(t, err)
	assert.Equal(t, backup.Config{
		Domain:         "vm2",
		BackupDir:      "/srv/backups",
		Disks:          []string{"vda", "vdb"},
		RetentionDays:  backup.DefaultRetentionDays,
		RetentionCount: 3,
		Mode:           backup.ModeSnapshot,
		ForceUnsafe:    true,
	}, cfg)
}

func TestLoadConfigClean(t *testing.T) {
	v := newViper()
	v.Set("clean", true)
	_, _, err := loadConfig(v, nil)
	assert.True(t, backup.IsValidation(err))

	v.Set("domain", "vm1")
	_, opts, err := loadConfig(v, nil)
	require.NoError(t, err)
	assert.True(t, opts.Clean)
}

func TestResolveLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	assert.Equal(t, dir, resolveLogDir(dir))
	assert.DirExists(t, dir)

	// A regular file cannot be a parent directory.
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Equal(t, filepath.Join(os.TempDir(), fallbackLogDir), resolveLogDir(filepath.Join(file, "logs")))
}

func TestRunLogReceivesRecords(t *testing.T) {
	dir := t.TempDir()
	w, err := openRunLog(dir, "vm1", "20260310_140000")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "vm1-20260310_140000.log"), w.Filename)

	var console bytes.Buffer
	level := new(slog.LevelVar)
	l := slog.New(teeHandler{&customHandler{level: level, out: &console}, fileHandler(w, level)})
	l.Warn("Disk is running on an overlay", "disk", "vdb")
	l.Log(context.Background(), backup.LevelCritical, "manual pivot needed")
	require.NoError(t, w.Close())

	data, err := os.ReadFile(w.Filename)
	require.NoError(t, err)
	assert.Contains(t, string(data), "level=WARN")
	assert.Contains(t, string(data), `msg="Disk is running on an overlay" disk=vdb`)
	assert.Contains(t, string(data), "level=CRITICAL")
	assert.Contains(t, console.String(), "[WARN] Disk is running on an overlay disk=vdb")
}

func TestWatchSignals(t *testing.T) {
	ctx, stop := watchSignals(context.Background())
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled by SIGINT")
	}

	parent, cancel := context.WithCancel(context.Background())
	ctx2, stop2 := watchSignals(parent)
	defer stop2()
	cancel()
	<-ctx2.Done()
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"vda", "vdb", "vdc"}, splitList([]string{"vda,vdb", " vdc "}))
	assert.Nil(t, splitList(nil))
}
