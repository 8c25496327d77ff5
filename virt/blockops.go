// blockops.go maps the live QMP block graph onto the disks of the domain
// descriptor, so callers see the file each device is writing to right now.

package virt

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"libvirt.org/go/libvirtxml"

	"github.com/valvemist/virtbackup/backup"
)

// xmlDisk is a disk of the live domain descriptor.
type xmlDisk struct {
	Device string
	Alias  string
	Path   string
}

// parseDomainDisks returns the file-backed disks of a domain descriptor.
func parseDomainDisks(raw string) ([]xmlDisk, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("parse domain XML: %w", err)
	}
	if dom.Devices == nil {
		return nil, nil
	}
	var disks []xmlDisk
	for _, d := range dom.Devices.Disks {
		if d.Target == nil || d.Target.Dev == "" {
			continue
		}
		disk := xmlDisk{Device: d.Target.Dev}
		if d.Alias != nil {
			disk.Alias = d.Alias.Name
		}
		if d.Source != nil && d.Source.File != nil {
			disk.Path = d.Source.File.File
		}
		disks = append(disks, disk)
	}
	return disks, nil
}

// queryBlockFiles maps each QMP block entry to the file at the top of its
// image chain, keyed by every name QEMU reports for it (drive id and qdev path).
func queryBlockFiles(raw []byte) map[string]string {
	files := make(map[string]string)
	for _, dev := range gjson.GetBytes(raw, "return").Array() {
		file := dev.Get("inserted.file").String()
		if file == "" {
			continue
		}
		if name := dev.Get("device").String(); name != "" {
			files[name] = file
		}
		if qdev := dev.Get("qdev").String(); qdev != "" {
			files[qdev] = file
		}
	}
	return files
}

// liveFile finds the QMP entry for a device alias. Older QEMU names drives
// "drive-<alias>"; with -blockdev only the qdev path carries the alias.
func liveFile(files map[string]string, alias string) (string, bool) {
	if alias == "" {
		return "", false
	}
	for _, key := range []string{"drive-" + alias, alias} {
		if f, ok := files[key]; ok {
			return f, true
		}
	}
	for key, f := range files {
		if strings.Contains(key, "/"+alias+"/") || strings.HasSuffix(key, "/"+alias) {
			return f, true
		}
	}
	return "", false
}

// mergeBlockDevices overlays the live QMP file names onto the descriptor's disks.
func mergeBlockDevices(disks []xmlDisk, files map[string]string) []backup.BlockDevice {
	out := make([]backup.BlockDevice, 0, len(disks))
	for _, d := range disks {
		path := d.Path
		if f, ok := liveFile(files, d.Alias); ok {
			path = f
		}
		out = append(out, backup.BlockDevice{Device: d.Device, Path: path})
	}
	return out
}
