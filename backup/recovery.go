package backup

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// RecoveryReport lists what a recovery pass did and what it could not do.
type RecoveryReport struct {
	Terminated      bool
	Healed          []string
	Unhealed        []string
	AbortedJob      bool
	DeletedSnapshot string
	Removed         []string
	Errors          []error
}

// Err joins the errors of every failed step.
func (r RecoveryReport) Err() error {
	return errors.Join(r.Errors...)
}

// Coordinator brings a domain back to a consistent state after an
// interrupted or failed job. Recover may be called any number of times.
type Coordinator struct {
	mu        sync.Mutex
	hv        Hypervisor
	inspector *Inspector
	// Grace is how long a copy process gets between SIGTERM and SIGKILL.
	Grace time.Duration
}

// NewCoordinator returns a Coordinator for hv.
func NewCoordinator(hv Hypervisor, inspector *Inspector) *Coordinator {
	return &Coordinator{hv: hv, inspector: inspector, Grace: 10 * time.Second}
}

// Recover runs every cleanup step, best-effort: a failing step is recorded
// and the next one still runs.
func (c *Coordinator) Recover(fl *InFlight) RecoveryReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rep RecoveryReport
	domain := fl.Domain()
	log.Warn("--- Cleanup protocol started ---", "domain", domain)

	c.step(&rep, "stop copy", func() error { return c.stopCopy(fl, &rep) })
	c.step(&rep, "heal disks", func() error { return c.healDisks(domain, fl, &rep) })
	c.step(&rep, "abort job", func() error { return c.abortJob(domain, fl, &rep) })
	c.step(&rep, "delete snapshot", func() error { return c.deleteSnapshot(domain, fl, &rep) })
	c.step(&rep, "remove artifacts", func() error { return c.removeArtifacts(fl, &rep) })

	if len(rep.Errors) == 0 {
		log.Info("--- Cleanup protocol finished ---", "domain", domain)
	} else {
		log.Error("--- Cleanup protocol finished with errors ---", "domain", domain, "errors", len(rep.Errors))
	}
	return rep
}

func (c *Coordinator) step(rep *RecoveryReport, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("%s: panic: %v", name, r))
		}
	}()
	if err := fn(); err != nil {
		log.Error("Cleanup step failed", "step", name, "error", err)
		rep.Errors = append(rep.Errors, fmt.Errorf("%s: %w", name, err))
	}
}

func (c *Coordinator) stopCopy(fl *InFlight, rep *RecoveryReport) error {
	p := fl.TakeCopy()
	if p == nil {
		return nil
	}
	rep.Terminated = true
	return p.Terminate(c.Grace)
}

// healDisks pivots every device the live domain still runs on an overlay,
// whether this process or an earlier one put it there.
func (c *Coordinator) healDisks(domain string, fl *InFlight, rep *RecoveryReport) error {
	dirty, err := c.inspector.ListDirtyDevices(domain)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range dirty {
		committed := fl.Committed(d.Device)
		log.Warn("Disk is running on an overlay, committing", "disk", d.Device, "path", d.Path, "commit_issued", committed)
		if err := c.heal(domain, d.Device, committed); err != nil {
			rep.Unhealed = append(rep.Unhealed, d.Device)
			attrs := []any{"disk", d.Device, "overlay", d.Path, "commit_issued", committed}
			if committed {
				// The commit may still be waiting for its pivot.
				attrs = append(attrs, "pivot_command", PivotCommand(domain, d.Device))
			}
			attrs = append(attrs, "command", CommitCommand(domain, d.Device), "error", err)
			critical("Disk could not be pivoted back to its base image; run manually", attrs...)
			errs = append(errs, fmt.Errorf("%s: %w", d.Device, err))
			continue
		}
		rep.Healed = append(rep.Healed, d.Device)
		log.Info("Disk pivoted back to base", "disk", d.Device)
		if err := os.Remove(d.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("Cannot remove leftover overlay", "path", d.Path, "error", err)
		}
	}
	return errors.Join(errs...)
}

// heal finishes a pending block job or starts a fresh commit. When this run
// already issued the commit and the job state cannot be read, the pivot is
// tried before a fresh commit.
func (c *Coordinator) heal(domain, device string, committed bool) error {
	pending, err := c.hv.BlockJobActive(domain, device)
	if err != nil {
		if !committed {
			return err
		}
		log.Warn("Cannot read block job state, trying pivot", "disk", device, "error", err)
		if perr := c.hv.PivotBlockJob(domain, device); perr == nil {
			return nil
		}
		return c.hv.BlockCommit(domain, device)
	}
	if pending {
		// A commit was started before the interruption; finish it.
		return c.hv.PivotBlockJob(domain, device)
	}
	return c.hv.BlockCommit(domain, device)
}

func (c *Coordinator) abortJob(domain string, fl *InFlight, rep *RecoveryReport) error {
	if !fl.JobActive() {
		return nil
	}
	info, err := c.hv.JobInfo(domain)
	if err == nil && !info.Active {
		fl.SetJobActive(false)
		return nil
	}
	log.Warn("Aborting hypervisor job", "domain", domain)
	if err := c.hv.AbortJob(domain); err != nil {
		critical("Failed to abort hypervisor job; the domain may need a restart", "domain", domain, "error", err)
		return err
	}
	fl.SetJobActive(false)
	rep.AbortedJob = true
	return nil
}

func (c *Coordinator) deleteSnapshot(domain string, fl *InFlight, rep *RecoveryReport) error {
	name := fl.Snapshot()
	if name == "" {
		return nil
	}
	log.Warn("Deleting snapshot metadata", "snapshot", name)
	if err := c.hv.DeleteSnapshotMetadata(domain, name); err != nil {
		return err
	}
	fl.SetSnapshot("")
	rep.DeletedSnapshot = name
	return nil
}

func (c *Coordinator) removeArtifacts(fl *InFlight, rep *RecoveryReport) error {
	var errs []error
	for _, path := range fl.Artifacts() {
		err := os.Remove(path)
		switch {
		case err == nil:
			log.Info("Deleted partial artifact", "path", path)
			rep.Removed = append(rep.Removed, path)
		case errors.Is(err, os.ErrNotExist):
			log.Debug("Partial artifact was never created", "path", path)
		default:
			errs = append(errs, err)
			continue
		}
		fl.RemoveArtifact(path)
	}
	return errors.Join(errs...)
}
