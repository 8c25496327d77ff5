package backup

import (
	"context"
	"fmt"
	"os"

	"libvirt.org/go/libvirtxml"
)

// BuildBackupXML returns the push-mode <domainbackup> document that writes
// each artifact as a qcow2 file and leaves the excluded devices out.
func BuildBackupXML(artifacts []Artifact, exclude []string) (string, error) {
	disks := &libvirtxml.DomainBackupPushDisks{}
	for _, a := range artifacts {
		disks.Disks = append(disks.Disks, libvirtxml.DomainBackupPushDisk{
			Name:   a.Device,
			Driver: &libvirtxml.DomainBackupDiskDriver{Type: DiskFormat},
			Target: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: a.Path},
			},
		})
	}
	for _, dev := range exclude {
		disks.Disks = append(disks.Disks, libvirtxml.DomainBackupPushDisk{Name: dev, Backup: "no"})
	}
	doc := libvirtxml.DomainBackup{Push: &libvirtxml.DomainBackupPush{Disks: disks}}
	return doc.Marshal()
}

// NativeStrategy runs the hypervisor's own push-mode backup job, one disk at
// a time. Crash consistency is the hypervisor's job; this side only tracks
// artifacts and the job for cleanup.
type NativeStrategy struct {
	deps StrategyDeps
}

// Mode implements Strategy.
func (s *NativeStrategy) Mode() Mode { return ModeNative }

// Execute implements Strategy.
func (s *NativeStrategy) Execute(ctx context.Context, job *Job, fl *InFlight) (Outcome, error) {
	start := s.deps.Clock.Now()
	out := Outcome{Mode: ModeNative}
	others, err := excludedDevices(s.deps.Inspector, job)
	if err != nil {
		return out, fl.Fail("native backup", err)
	}

	for _, d := range job.Disks {
		if ctx.Err() != nil {
			return out, fl.Fail("native backup", ErrInterrupted)
		}
		a := job.ArtifactFor(d)
		skip := append([]string{}, others...)
		for _, o := range job.Disks {
			if o.Device != d.Device {
				skip = append(skip, o.Device)
			}
		}
		doc, err := BuildBackupXML([]Artifact{a}, skip)
		if err != nil {
			return out, fl.Fail("native backup", err)
		}

		fl.AddArtifact(a.Path)
		log.Info("Starting native backup job", "job", job.ID, "disk", d.Device, "target", a.Path)
		log.Debug(doc)
		fl.SetJobActive(true)
		if err := s.deps.Hypervisor.BackupBegin(job.Domain, doc); err != nil {
			return out, fl.Fail("native backup", fmt.Errorf("begin backup of %s: %w", d.Device, err))
		}

		err = s.deps.Monitor.Poll(ctx, d.Device, func() (Progress, bool, error) {
			info, err := s.deps.Hypervisor.JobInfo(job.Domain)
			if err != nil {
				return Progress{}, false, &TransientError{Err: err}
			}
			if !info.Active {
				return Progress{}, true, nil
			}
			if info.DataTotal > 0 {
				return Progress{Written: int64(info.DataProcessed), Total: int64(info.DataTotal)}, false, nil
			}
			return FileProgress(a.Path, d.Size), false, nil
		})
		if err != nil {
			return out, fl.Fail("native backup", err)
		}
		fl.SetJobActive(false)

		res, err := s.deps.Hypervisor.CompletedJob(job.Domain)
		if err != nil {
			return out, fl.Fail("native backup", fmt.Errorf("result of backup job for %s: %w", d.Device, err))
		}
		if res != JobResultCompleted {
			return out, fl.Fail("native backup", fmt.Errorf("backup job for %s ended %s", d.Device, res))
		}

		fi, err := os.Stat(a.Path)
		if err != nil {
			return out, fl.Fail("native backup", fmt.Errorf("job for %s finished without artifact: %w", d.Device, err))
		}
		a.Written = fi.Size()
		fl.RemoveArtifact(a.Path)
		out.Artifacts = append(out.Artifacts, a)
		log.Info("Disk backed up", "disk", d.Device, "file", a.Path, "size", sizeString(a.Written))
	}
	out.Elapsed = s.deps.Clock.Now().Sub(start)
	return out, nil
}
