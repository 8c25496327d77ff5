package backup

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// DiskFormat is the image format of backup artifacts.
	DiskFormat = "qcow2"
	// ArtifactSuffix is the extension shared by every backup artifact.
	ArtifactSuffix = ".bak"
	// TimestampLayout is the job timestamp embedded in artifact and log names.
	TimestampLayout = "20060102_150405"
	// SafetyMarginPercent is added on top of the source size by the space check.
	SafetyMarginPercent = 10
	// DefaultRetentionDays is used when no retention is configured.
	DefaultRetentionDays = 7
)

// Config holds configuration of a backup run.
type Config struct {
	Domain    string
	BackupDir string
	Disks     []string
	// RetentionDays is how long artifacts are kept; zero means DefaultRetentionDays.
	RetentionDays int
	// RetentionCount caps the artifacts left after a run, the new one
	// included, when positive.
	RetentionCount int
	Mode           Mode
	// BandwidthMBps limits the copy step of the snapshot strategy. Zero means unlimited.
	BandwidthMBps int
	// ForceUnsafe downgrades clean-state and space failures to warnings and
	// aborts a stale hypervisor job instead of refusing to start.
	ForceUnsafe bool
}

// Validate checks the configuration before anything talks to the hypervisor.
func (c *Config) Validate() error {
	switch {
	case c.Domain == "":
		return &ValidationError{Reason: "domain is required"}
	case c.BackupDir == "":
		return &ValidationError{Reason: "backup directory is required"}
	case len(c.Disks) == 0:
		return &ValidationError{Reason: "at least one disk is required"}
	case c.RetentionDays < 0:
		return &ValidationError{Reason: "retention days must not be negative"}
	case c.RetentionCount < 0:
		return &ValidationError{Reason: "retention count must not be negative"}
	case c.BandwidthMBps < 0:
		return &ValidationError{Reason: "bandwidth limit must not be negative"}
	}
	seen := make(map[string]bool, len(c.Disks))
	for _, d := range c.Disks {
		if d == "" || strings.ContainsAny(d, "/ ") {
			return &ValidationError{Reason: fmt.Sprintf("invalid disk name %q", d)}
		}
		if seen[d] {
			return &ValidationError{Reason: fmt.Sprintf("disk %s listed twice", d)}
		}
		seen[d] = true
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	return nil
}

// DomainDir is the directory holding the artifacts of the configured domain.
func (c *Config) DomainDir() string {
	return filepath.Join(c.BackupDir, c.Domain)
}

// ArtifactPath builds {dir}/{domain}-{device}-{timestamp}.qcow2.bak.
func ArtifactPath(dir, domain, device, timestamp string) string {
	name := domain + "-" + device + "-" + timestamp + "." + DiskFormat + ArtifactSuffix
	return filepath.Join(dir, name)
}

// OverlayPath returns the temporary overlay that receives a disk's writes
// while its base image is copied.
func OverlayPath(base, timestamp string) string {
	dir, file := filepath.Split(base)
	stem := strings.TrimSuffix(file, filepath.Ext(file))
	return filepath.Join(dir, stem+"_tmp_"+timestamp+"."+DiskFormat)
}

// SnapshotName returns the metadata name of the snapshot taken for a job.
func SnapshotName(timestamp string) string {
	return "backup_snap_" + timestamp
}
