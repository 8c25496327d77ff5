package backup

import (
	"slices"
	"sync"
	"time"
)

// Process is a running child process the recovery coordinator may stop.
type Process interface {
	Terminate(grace time.Duration) error
}

// InFlight records what a job has started but not yet finished. Every field
// is set before the matching external operation begins and cleared only once
// it is known to be complete, so the recovery coordinator can act on it at
// any moment.
type InFlight struct {
	mu        sync.Mutex
	domain    string
	jobID     string
	artifacts []string
	jobActive bool
	snapshot  string
	copy      Process
	committed map[string]bool
}

// NewInFlight returns an empty record for a job on domain.
func NewInFlight(domain, jobID string) *InFlight {
	return &InFlight{domain: domain, jobID: jobID, committed: make(map[string]bool)}
}

// Domain returns the domain the record belongs to.
func (f *InFlight) Domain() string { return f.domain }

// AddArtifact registers a destination path before anything is written to it.
func (f *InFlight) AddArtifact(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.artifacts, path) {
		f.artifacts = append(f.artifacts, path)
	}
}

// RemoveArtifact marks path as final: recovery will no longer delete it.
func (f *InFlight) RemoveArtifact(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = slices.DeleteFunc(f.artifacts, func(p string) bool { return p == path })
}

// Artifacts returns the registered destination paths.
func (f *InFlight) Artifacts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.artifacts)
}

// SetJobActive records whether a hypervisor job was submitted and is not yet finished.
func (f *InFlight) SetJobActive(active bool) {
	f.mu.Lock()
	f.jobActive = active
	f.mu.Unlock()
}

// JobActive reports whether a hypervisor job is believed to be running.
func (f *InFlight) JobActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobActive
}

// SetSnapshot records the name of the snapshot whose metadata is (about to be) registered.
func (f *InFlight) SetSnapshot(name string) {
	f.mu.Lock()
	f.snapshot = name
	f.mu.Unlock()
}

// Snapshot returns the registered snapshot name, if any.
func (f *InFlight) Snapshot() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

// SetCopy tracks the running copy process; nil clears it.
func (f *InFlight) SetCopy(p Process) {
	f.mu.Lock()
	f.copy = p
	f.mu.Unlock()
}

// TakeCopy returns the running copy process and stops tracking it.
func (f *InFlight) TakeCopy() Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.copy
	f.copy = nil
	return p
}

// MarkCommitted records that a commit-and-pivot was issued for device.
func (f *InFlight) MarkCommitted(device string) {
	f.mu.Lock()
	f.committed[device] = true
	f.mu.Unlock()
}

// Committed reports whether a commit-and-pivot was issued for device.
func (f *InFlight) Committed(device string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed[device]
}

// Fail wraps err with the context recovery needs.
func (f *InFlight) Fail(stage string, err error) *RecoverableError {
	return &RecoverableError{
		Stage:     stage,
		JobID:     f.jobID,
		Snapshot:  f.Snapshot(),
		Artifacts: f.Artifacts(),
		Err:       err,
	}
}
