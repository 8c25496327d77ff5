package backup

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"time"

	"github.com/juju/clock"
)

// Options tune an Orchestrator. Zero values pick the defaults.
type Options struct {
	Clock       clock.Clock
	SpaceProbe  SpaceProbe
	Interactive bool
	Out         io.Writer
	// StaleJobWait is how long to wait after aborting a stale job.
	StaleJobWait time.Duration
}

// Result describes a finished run.
type Result struct {
	Job       *Job
	Outcome   Outcome
	Retention RetentionPlan
	// Recovery is set when the cleanup coordinator ran.
	Recovery *RecoveryReport
}

// Orchestrator runs one backup job end to end: validation, retention,
// execution and, on any failure after validation, recovery.
type Orchestrator struct {
	hv           Hypervisor
	clock        clock.Clock
	staleJobWait time.Duration

	Inspector   *Inspector
	Preflight   *Preflight
	Monitor     *ProgressMonitor
	Coordinator *Coordinator
	// Copier is used by the snapshot strategy; its bandwidth comes from Config.
	Copier *Copier
}

// New returns an Orchestrator driving hv.
func New(hv Hypervisor, opts Options) *Orchestrator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	wait := opts.StaleJobWait
	if wait == 0 {
		wait = 3 * time.Second
	}
	in := NewInspector(hv)
	return &Orchestrator{
		hv:           hv,
		clock:        clk,
		staleJobWait: wait,
		Inspector:    in,
		Preflight:    NewPreflight(hv, opts.SpaceProbe),
		Monitor:      NewProgressMonitor(clk, opts.Interactive, opts.Out),
		Coordinator:  NewCoordinator(hv, in),
		Copier:       NewCopier(0, clk),
	}
}

// Run executes cfg. Validation failures return a *ValidationError or
// *DiskNotFoundError and change nothing. Later failures run the recovery
// coordinator before returning; interruption returns an error wrapping
// ErrInterrupted.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (Result, error) {
	var res Result
	if err := cfg.Validate(); err != nil {
		return res, err
	}
	if ctx.Err() != nil {
		return res, ErrInterrupted
	}

	disks, err := o.Inspector.ResolveDisks(cfg.Domain, cfg.Disks)
	if err != nil {
		return res, err
	}
	if err := o.checkClean(ctx, cfg, disks); err != nil {
		return res, err
	}
	dir := cfg.DomainDir()
	if v := o.Preflight.CheckSpace(dir, disks); !v.OK {
		if !cfg.ForceUnsafe {
			return res, v.Err()
		}
		log.Warn("Continuing despite failed space check (force-unsafe)", "reason", v.Reason)
	}
	if ctx.Err() != nil {
		return res, ErrInterrupted
	}

	days := cfg.RetentionDays
	if days == 0 {
		days = DefaultRetentionDays
	}
	plan, err := NewRetention(days, cfg.RetentionCount, o.clock).Run(dir)
	res.Retention = plan
	if err != nil {
		log.Error("Retention did not complete", "error", err)
	}
	if ctx.Err() != nil {
		return res, ErrInterrupted
	}

	mode := ResolveMode(cfg.Mode, o.hv)
	job := NewJob(cfg.Domain, dir, o.clock.Now(), disks, mode)
	res.Job = job
	o.Copier.BandwidthMBps = cfg.BandwidthMBps
	strategy, err := NewStrategy(mode, StrategyDeps{
		Hypervisor: o.hv,
		Inspector:  o.Inspector,
		Monitor:    o.Monitor,
		Copier:     o.Copier,
		Clock:      o.clock,
	})
	if err != nil {
		return res, err
	}

	fl := NewInFlight(cfg.Domain, job.ID)
	job.Status = StatusRunning
	log.Info("Starting live backup", "job", job.ID, "domain", job.Domain, "mode", mode, "disks", len(disks))
	out, err := strategy.Execute(ctx, job, fl)
	res.Outcome = out
	if err == nil && ctx.Err() != nil {
		err = fl.Fail("finalize", ErrInterrupted)
	}
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			job.Status = StatusAborted
			log.Warn("Backup interrupted, cleaning up", "job", job.ID)
		} else {
			job.Status = StatusFailed
			log.Error("Backup failed, cleaning up", "job", job.ID, "error", err)
		}
		rep := o.Coordinator.Recover(fl)
		res.Recovery = &rep
		return res, err
	}

	job.Status = StatusSucceeded
	if out.ReducedConsistency {
		log.Warn("Backup is crash-consistent only: guest filesystems were not quiesced", "job", job.ID)
	}
	log.Info("Backup completed successfully", "job", job.ID, "elapsed", out.Elapsed.Round(time.Second))
	for _, a := range out.Artifacts {
		log.Info("Artifact", "disk", a.Device, "file", filepath.Base(a.Path), "size", sizeString(a.Written))
	}
	return res, nil
}

// RecoverDomain runs only the live part of recovery: it pivots any disk of
// domain that an earlier, crashed run left on an overlay.
func (o *Orchestrator) RecoverDomain(domain string) RecoveryReport {
	return o.Coordinator.Recover(NewInFlight(domain, ""))
}

func (o *Orchestrator) checkClean(ctx context.Context, cfg Config, disks []DiskTarget) error {
	v := o.Preflight.CheckCleanState(cfg.Domain, disks)
	if v.OK {
		return nil
	}
	if !cfg.ForceUnsafe {
		return v.Err()
	}
	log.Warn("Clean-state check failed, continuing (force-unsafe)", "reason", v.Reason)
	info, err := o.hv.JobInfo(cfg.Domain)
	if err != nil || !info.Active {
		return nil
	}
	log.Warn("Aborting stale hypervisor job", "domain", cfg.Domain, "type", info.Type)
	if err := o.hv.AbortJob(cfg.Domain); err != nil {
		return &ValidationError{Reason: "cannot abort stale job: " + err.Error()}
	}
	select {
	case <-ctx.Done():
		return ErrInterrupted
	case <-o.clock.After(o.staleJobWait):
	}
	return nil
}
