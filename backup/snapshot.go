package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/juju/retry"
)

// SnapshotStrategy freezes the disks behind temporary overlays, copies the
// frozen bases, then commits the overlays back and pivots.
type SnapshotStrategy struct {
	deps            StrategyDeps
	QuiesceAttempts int
	QuiesceDelay    time.Duration
}

// Mode implements Strategy.
func (s *SnapshotStrategy) Mode() Mode { return ModeSnapshot }

// Execute implements Strategy.
func (s *SnapshotStrategy) Execute(ctx context.Context, job *Job, fl *InFlight) (Outcome, error) {
	start := s.deps.Clock.Now()
	out := Outcome{Mode: ModeSnapshot}
	hv := s.deps.Hypervisor

	others, err := excludedDevices(s.deps.Inspector, job)
	if err != nil {
		return out, fl.Fail("snapshot", err)
	}
	req := SnapshotRequest{
		Name:     SnapshotName(job.Timestamp),
		Overlays: make(map[string]string, len(job.Disks)),
		Exclude:  others,
	}
	for _, d := range job.Disks {
		req.Overlays[d.Device] = OverlayPath(d.Path, job.Timestamp)
	}

	// Snapshot.
	fl.SetSnapshot(req.Name)
	quiesced, wanted, err := s.snapshot(ctx, job.Domain, req)
	if err != nil {
		return out, fl.Fail("snapshot", err)
	}
	out.Quiesced = quiesced
	out.ReducedConsistency = wanted && !quiesced
	log.Info("Snapshot created", "name", req.Name, "quiesced", quiesced)

	// Copy.
	for _, d := range job.Disks {
		if ctx.Err() != nil {
			return out, fl.Fail("copy", ErrInterrupted)
		}
		a := job.ArtifactFor(d)
		fl.AddArtifact(a.Path)
		written, err := s.copy(ctx, fl, d, a.Path)
		if err != nil {
			return out, fl.Fail("copy", err)
		}
		a.Written = written
		out.Artifacts = append(out.Artifacts, a)
	}

	// Pivot. Once the commit is issued the device is past the point of no return.
	for _, d := range job.Disks {
		fl.MarkCommitted(d.Device)
		log.Info("Committing overlay", "disk", d.Device, "overlay", req.Overlays[d.Device])
		if err := hv.BlockCommit(job.Domain, d.Device); err != nil {
			return out, fl.Fail("pivot", fmt.Errorf("commit %s: %w", d.Device, err))
		}
		if err := os.Remove(req.Overlays[d.Device]); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("Cannot remove overlay", "path", req.Overlays[d.Device], "error", err)
		}
		// Disks not yet committed are left to recovery.
		if ctx.Err() != nil {
			return out, fl.Fail("pivot", ErrInterrupted)
		}
	}

	// Finalize.
	if err := hv.DeleteSnapshotMetadata(job.Domain, req.Name); err != nil {
		return out, fl.Fail("finalize", fmt.Errorf("delete snapshot metadata %s: %w", req.Name, err))
	}
	fl.SetSnapshot("")
	for _, a := range out.Artifacts {
		fl.RemoveArtifact(a.Path)
	}
	out.Elapsed = s.deps.Clock.Now().Sub(start)
	return out, nil
}

// snapshot takes the external snapshot, quiesced when the guest agent
// answers. A quiesce that keeps failing falls back to a crash-consistent
// snapshot instead of failing the backup. wanted reports whether a quiesced
// snapshot was attempted.
func (s *SnapshotStrategy) snapshot(ctx context.Context, domain string, req SnapshotRequest) (quiesced, wanted bool, err error) {
	hv := s.deps.Hypervisor
	if hv.AgentAvailable(domain) {
		wanted = true
		q := req
		q.Quiesce = true
		err := retry.Call(retry.CallArgs{
			Func:     func() error { return hv.CreateSnapshot(domain, q) },
			Attempts: s.QuiesceAttempts,
			Delay:    s.QuiesceDelay,
			Clock:    s.deps.Clock,
			Stop:     ctx.Done(),
			NotifyFunc: func(lastErr error, attempt int) {
				log.Warn("Quiesced snapshot failed", "attempt", attempt, "error", lastErr)
			},
		})
		if err == nil {
			return true, true, nil
		}
		if ctx.Err() != nil {
			return false, true, ErrInterrupted
		}
		log.Warn("Falling back to a non-quiesced snapshot: backup is crash-consistent only",
			"error", retry.LastError(err))
	} else {
		log.Info("Guest agent not reachable, taking a non-quiesced snapshot")
	}
	if err := hv.CreateSnapshot(domain, req); err != nil {
		return false, wanted, fmt.Errorf("create snapshot %s: %w", req.Name, err)
	}
	return false, wanted, nil
}

// copy copies the frozen base of d to dst and returns the bytes written.
func (s *SnapshotStrategy) copy(ctx context.Context, fl *InFlight, d DiskTarget, dst string) (int64, error) {
	proc, err := s.deps.Copier.Start(d.Path, dst)
	if err != nil {
		return 0, err
	}
	fl.SetCopy(proc)
	err = s.deps.Monitor.Poll(ctx, d.Device, func() (Progress, bool, error) {
		if proc.Exited() {
			return Progress{}, true, proc.Err()
		}
		return FileProgress(dst, d.Size), false, nil
	})
	if err != nil {
		// The process stays tracked so recovery stops it.
		return 0, err
	}
	fl.SetCopy(nil)

	fi, err := os.Stat(dst)
	if err != nil {
		return 0, fmt.Errorf("copy of %s produced no artifact: %w", d.Device, err)
	}
	if fi.Size() != d.Size {
		return 0, fmt.Errorf("copy of %s is %d bytes, source is %d", d.Device, fi.Size(), d.Size)
	}
	return fi.Size(), nil
}
