package backup

import "github.com/kballard/go-shellquote"

// SnapshotRequest describes a disk-only, atomic, external snapshot.
type SnapshotRequest struct {
	Name    string
	Quiesce bool
	// Overlays maps each device to the overlay file that receives its writes.
	Overlays map[string]string
	// Exclude lists the devices of the domain that must not be snapshotted.
	Exclude []string
}

// Hypervisor is the subset of the hypervisor daemon used by the orchestrator.
// Every call inspects or changes live domain state; nothing is cached.
type Hypervisor interface {
	// DomainXML returns the live domain descriptor.
	DomainXML(domain string) (string, error)
	// BlockDevices returns the live device to backing-file list.
	BlockDevices(domain string) ([]BlockDevice, error)
	// JobInfo reports the domain's outstanding job, if any.
	JobInfo(domain string) (JobInfo, error)
	// CompletedJob reports how the most recently finished job ended.
	CompletedJob(domain string) (JobResult, error)
	// SnapshotCount returns the number of registered snapshots.
	SnapshotCount(domain string) (int, error)
	// BackupBegin submits a <domainbackup> document as a push-mode backup job.
	BackupBegin(domain, backupXML string) error
	// AbortJob aborts the domain's outstanding job.
	AbortJob(domain string) error
	// CreateSnapshot takes a disk-only atomic external snapshot.
	CreateSnapshot(domain string, req SnapshotRequest) error
	// BlockCommit merges the active overlay of device into its base and pivots
	// the device back to the base. It returns once the pivot is done.
	BlockCommit(domain, device string) error
	// BlockJobActive reports whether a block job is pending on device.
	BlockJobActive(domain, device string) (bool, error)
	// PivotBlockJob completes a pending commit job on device by pivoting.
	PivotBlockJob(domain, device string) error
	// DeleteSnapshotMetadata removes the snapshot record, leaving files alone.
	// A snapshot that does not exist is not an error.
	DeleteSnapshotMetadata(domain, name string) error
	// AgentAvailable reports whether the guest agent answers.
	AgentAvailable(domain string) bool
	// LibVersion returns the daemon version as major*1000000+minor*1000+release.
	LibVersion() (uint64, error)
}

// NativeBackupMinVersion is the first libvirt release with push-mode backup
// enabled by default for QEMU.
const NativeBackupMinVersion = 7002000

// CommitCommand is the manual command that commits and pivots device.
func CommitCommand(domain, device string) string {
	return shellquote.Join("virsh", "blockcommit", domain, device, "--active", "--pivot")
}

// PivotCommand is the manual command that finishes an already running commit.
func PivotCommand(domain, device string) string {
	return shellquote.Join("virsh", "blockjob", domain, device, "--pivot")
}
