package backup

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mode selects the backup execution strategy.
type Mode string

const (
	// ModeAuto picks ModeNative when the hypervisor supports it, ModeSnapshot otherwise.
	ModeAuto Mode = "auto"
	// ModeNative uses the hypervisor's streaming backup job.
	ModeNative Mode = "native"
	// ModeSnapshot uses an external snapshot, a file copy and a block-commit pivot.
	ModeSnapshot Mode = "snapshot"
)

// ParseMode converts a command-line value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeNative, ModeSnapshot:
		return Mode(s), nil
	case "":
		return ModeAuto, nil
	}
	return "", &ValidationError{Reason: "unknown mode " + s + " (want auto, native or snapshot)"}
}

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// DiskTarget is a domain disk captured at job start.
type DiskTarget struct {
	Device string
	Path   string
	Size   int64
}

// Job describes one backup invocation. It lives only as long as the process.
type Job struct {
	ID        string
	Domain    string
	Timestamp string
	Dir       string
	Disks     []DiskTarget
	Mode      Mode
	Status    Status
}

// NewJob creates a pending job for domain. Artifacts are written under dir.
func NewJob(domain, dir string, now time.Time, disks []DiskTarget, mode Mode) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Domain:    domain,
		Timestamp: now.Format(TimestampLayout),
		Dir:       dir,
		Disks:     disks,
		Mode:      mode,
		Status:    StatusPending,
	}
}

// ArtifactFor returns the artifact a disk of this job is written to.
func (j *Job) ArtifactFor(disk DiskTarget) Artifact {
	return Artifact{
		Device:   disk.Device,
		Path:     ArtifactPath(j.Dir, j.Domain, disk.Device, j.Timestamp),
		Expected: disk.Size,
	}
}

// Artifact is a destination file produced for one disk.
type Artifact struct {
	Device   string
	Path     string
	Expected int64
	Written  int64
}

// BlockDevice is an entry of the live block-device list of a domain.
type BlockDevice struct {
	Device string
	Path   string
}

// JobInfo is the hypervisor's view of the domain's outstanding job.
type JobInfo struct {
	Active         bool
	Type           int32
	DataTotal      uint64
	DataProcessed  uint64
	DataRemaining  uint64
	ElapsedSeconds uint64
}

// JobResult is how the last finished hypervisor job ended. The values match
// libvirt's job types.
type JobResult int32

const (
	JobResultNone      JobResult = 0
	JobResultCompleted JobResult = 3
	JobResultFailed    JobResult = 4
	JobResultCancelled JobResult = 5
)

func (r JobResult) String() string {
	switch r {
	case JobResultNone:
		return "none"
	case JobResultCompleted:
		return "completed"
	case JobResultFailed:
		return "failed"
	case JobResultCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("unknown(%d)", int32(r))
}

// Outcome summarises a finished strategy run.
type Outcome struct {
	Mode      Mode
	Artifacts []Artifact
	Quiesced  bool
	// ReducedConsistency is set when a quiesced snapshot was requested
	// but a crash-consistent one was taken instead.
	ReducedConsistency bool
	Elapsed            time.Duration
}
