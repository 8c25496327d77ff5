// Package backup orchestrates crash-safe live backups of disks attached to
// running libvirt/QEMU domains.
//
// A run validates the domain (no active job, no registered snapshot, no disk
// already on an overlay, enough destination space), applies retention to the
// previous artifacts, then executes one of two strategies:
//
//   - NativeStrategy submits the hypervisor's push-mode backup job and polls it.
//   - SnapshotStrategy takes a disk-only external snapshot, copies the frozen
//     base images and commits the overlays back with a pivot.
//
// Everything a strategy starts is recorded in an InFlight value before the
// operation begins. On failure or interruption the Coordinator uses that
// record, together with a fresh look at the live block devices, to pivot
// dirty disks, abort jobs, drop snapshot metadata and delete partial
// artifacts.
//
// Example usage:
//
//	hv, _ := virt.Dial("qemu:///system")
//	orch := backup.New(hv, backup.Options{})
//	res, err := orch.Run(ctx, backup.Config{Domain: "vm1", BackupDir: "/backups", Disks: []string{"vda"}})
//
// For CLI orchestration, see cmd/backup.
package backup
