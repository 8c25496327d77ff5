package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
)

// Strategy executes a backup job. There are exactly two: NativeStrategy and
// SnapshotStrategy, and one is chosen per job.
type Strategy interface {
	Mode() Mode
	Execute(ctx context.Context, job *Job, fl *InFlight) (Outcome, error)
}

// StrategyDeps are the collaborators shared by both strategies.
type StrategyDeps struct {
	Hypervisor Hypervisor
	Inspector  *Inspector
	Monitor    *ProgressMonitor
	Copier     *Copier
	Clock      clock.Clock
}

// ResolveMode turns ModeAuto into a concrete mode from the daemon version.
func ResolveMode(mode Mode, hv Hypervisor) Mode {
	if mode != ModeAuto && mode != "" {
		return mode
	}
	v, err := hv.LibVersion()
	if err != nil {
		log.Warn("Cannot read hypervisor version, using snapshot mode", "error", err)
		return ModeSnapshot
	}
	log.Info("Hypervisor version", "version", fmt.Sprintf("%d.%d.%d", v/1000000, (v%1000000)/1000, v%1000))
	if v >= NativeBackupMinVersion {
		return ModeNative
	}
	return ModeSnapshot
}

// NewStrategy returns the strategy for a concrete mode.
func NewStrategy(mode Mode, deps StrategyDeps) (Strategy, error) {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	switch mode {
	case ModeNative:
		return &NativeStrategy{deps: deps}, nil
	case ModeSnapshot:
		return &SnapshotStrategy{
			deps:            deps,
			QuiesceAttempts: 3,
			QuiesceDelay:    5 * time.Second,
		}, nil
	}
	return nil, fmt.Errorf("no strategy for mode %q", mode)
}

// excludedDevices lists the file-backed disks of domain that are not part of job.
func excludedDevices(in *Inspector, job *Job) ([]string, error) {
	all, err := in.DomainDisks(job.Domain)
	if err != nil {
		return nil, err
	}
	selected := make(map[string]bool, len(job.Disks))
	for _, d := range job.Disks {
		selected[d.Device] = true
	}
	var out []string
	for _, d := range all {
		if !selected[d.Device] {
			out = append(out, d.Device)
		}
	}
	return out, nil
}
