package backup

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/disk"
)

// Validation is the result of a pre-flight check.
type Validation struct {
	OK     bool
	Reason string
}

func passed() Validation { return Validation{OK: true} }

func failed(format string, args ...any) Validation {
	return Validation{Reason: fmt.Sprintf(format, args...)}
}

// Err converts a failed validation into a *ValidationError.
func (v Validation) Err() error {
	if v.OK {
		return nil
	}
	return &ValidationError{Reason: v.Reason}
}

// SpaceProbe returns the free bytes of the filesystem holding path.
type SpaceProbe func(path string) (uint64, error)

// FreeSpace is the default SpaceProbe.
func FreeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// RequiredSpace is the sum of the disk sizes plus marginPercent, rounded up.
func RequiredSpace(disks []DiskTarget, marginPercent int64) uint64 {
	var total int64
	for _, d := range disks {
		total += d.Size
	}
	return uint64(total + (total*marginPercent+99)/100)
}

// Preflight runs the checks that must pass before anything is changed.
type Preflight struct {
	hv            Hypervisor
	free          SpaceProbe
	marginPercent int64
}

// NewPreflight returns a Preflight using free to measure destination space.
// A nil probe uses FreeSpace.
func NewPreflight(hv Hypervisor, free SpaceProbe) *Preflight {
	if free == nil {
		free = FreeSpace
	}
	return &Preflight{hv: hv, free: free, marginPercent: SafetyMarginPercent}
}

// CheckCleanState refuses to start on top of unfinished state: an active
// hypervisor job, a registered snapshot, or a disk already backed by an
// overlay or artifact file.
func (p *Preflight) CheckCleanState(domain string, disks []DiskTarget) Validation {
	info, err := p.hv.JobInfo(domain)
	if err != nil {
		return failed("cannot query job state of %s: %v", domain, err)
	}
	if info.Active {
		return failed("domain %s has an active hypervisor job (type %d)", domain, info.Type)
	}
	n, err := p.hv.SnapshotCount(domain)
	if err != nil {
		return failed("cannot count snapshots of %s: %v", domain, err)
	}
	if n > 0 {
		return failed("domain %s has %d registered snapshot(s)", domain, n)
	}
	for _, d := range disks {
		if IsDirtyPath(d.Path) {
			return failed("disk %s is dirty (%s); run '%s'", d.Device, d.Path, CommitCommand(domain, d.Device))
		}
	}
	return passed()
}

// CheckSpace fails when destDir cannot hold the disks plus the safety margin.
func (p *Preflight) CheckSpace(destDir string, disks []DiskTarget) Validation {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return failed("create %s: %v", destDir, err)
	}
	free, err := p.free(destDir)
	if err != nil {
		return failed("free space of %s: %v", destDir, err)
	}
	need := RequiredSpace(disks, p.marginPercent)
	log.Info("Checking destination space",
		"required", humanSize(need), "available", humanSize(free), "margin", fmt.Sprintf("%d%%", p.marginPercent))
	if free < need {
		return failed("insufficient space in %s: need %s, have %s", destDir, humanSize(need), humanSize(free))
	}
	return passed()
}
