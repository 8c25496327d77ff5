package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"libvirt.org/go/libvirtxml"
)

// DirtyPatterns are the base-name markers of files that only exist while a
// backup operation is in progress: overlays, snapshots and backup artifacts.
var DirtyPatterns = []string{"_snap_", "_tmp_", "snapshot", ".bak"}

// IsDirtyPath reports whether path looks like an overlay or artifact rather
// than a normal base image.
func IsDirtyPath(path string) bool {
	base := filepath.Base(path)
	for _, p := range DirtyPatterns {
		if strings.Contains(base, p) {
			return true
		}
	}
	return false
}

// Inspector reads disk layout from the live domain.
type Inspector struct {
	hv   Hypervisor
	stat func(string) (os.FileInfo, error)
}

// NewInspector returns an Inspector backed by hv.
func NewInspector(hv Hypervisor) *Inspector {
	return &Inspector{hv: hv, stat: os.Stat}
}

// DomainDisks lists the file-backed disks of the live domain descriptor.
func (in *Inspector) DomainDisks(domain string) ([]BlockDevice, error) {
	raw, err := in.hv.DomainXML(domain)
	if err != nil {
		return nil, fmt.Errorf("fetch domain XML: %w", err)
	}
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("parse domain XML: %w", err)
	}
	if dom.Devices == nil {
		return nil, nil
	}
	var disks []BlockDevice
	for _, d := range dom.Devices.Disks {
		if d.Target == nil || d.Target.Dev == "" {
			continue
		}
		if d.Device != "" && d.Device != "disk" {
			continue
		}
		if d.Source == nil || d.Source.File == nil || d.Source.File.File == "" {
			continue
		}
		disks = append(disks, BlockDevice{Device: d.Target.Dev, Path: d.Source.File.File})
	}
	return disks, nil
}

// ResolveDisks maps each requested device to its backing file and current
// size. Unless every device resolves it returns a *DiskNotFoundError naming
// the missing ones.
func (in *Inspector) ResolveDisks(domain string, devices []string) ([]DiskTarget, error) {
	log.Info("Reading domain XML", "domain", domain, "disks", strings.Join(devices, ","))
	all, err := in.DomainDisks(domain)
	if err != nil {
		return nil, err
	}
	byDev := make(map[string]string, len(all))
	found := make([]string, 0, len(all))
	for _, d := range all {
		byDev[d.Device] = d.Path
		found = append(found, d.Device)
	}

	var missing []string
	targets := make([]DiskTarget, 0, len(devices))
	for _, dev := range devices {
		path, ok := byDev[dev]
		if !ok {
			missing = append(missing, dev)
			continue
		}
		targets = append(targets, DiskTarget{Device: dev, Path: path})
	}
	if len(missing) > 0 {
		return nil, &DiskNotFoundError{Domain: domain, Missing: missing, Found: found}
	}

	for i := range targets {
		fi, err := in.stat(targets[i].Path)
		if err != nil {
			return nil, fmt.Errorf("size of disk %s: %w", targets[i].Device, err)
		}
		targets[i].Size = fi.Size()
		log.Info("Found disk", "device", targets[i].Device, "path", targets[i].Path, "size", sizeString(targets[i].Size))
	}
	return targets, nil
}

// ListDirtyDevices returns every device whose live backing file matches a
// dirty pattern. It asks the hypervisor each time so that a fresh process can
// find what a crashed one left behind.
func (in *Inspector) ListDirtyDevices(domain string) ([]BlockDevice, error) {
	devs, err := in.hv.BlockDevices(domain)
	if err != nil {
		return nil, fmt.Errorf("list block devices: %w", err)
	}
	var dirty []BlockDevice
	for _, d := range devs {
		if d.Path != "" && IsDirtyPath(d.Path) {
			dirty = append(dirty, d)
		}
	}
	return dirty, nil
}
