package virt

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/valvemist/virtbackup/backup"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(name string, args ...string) ([]byte, error) {
	log.Info("CMD: " + shellquote.Join(append([]string{name}, args...)...))
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// escapeDiskspec doubles commas, which virsh uses as the diskspec separator.
func escapeDiskspec(s string) string {
	return strings.ReplaceAll(s, ",", ",,")
}

// snapshotArgs builds the virsh snapshot-create-as arguments for req.
func snapshotArgs(uri, domain string, req backup.SnapshotRequest) []string {
	args := []string{"-c", uri, "snapshot-create-as", "--domain", domain, "--name", req.Name,
		"--disk-only", "--atomic"}
	if req.Quiesce {
		args = append(args, "--quiesce")
	}
	devices := make([]string, 0, len(req.Overlays))
	for dev := range req.Overlays {
		devices = append(devices, dev)
	}
	sort.Strings(devices)
	for _, dev := range devices {
		args = append(args, "--diskspec", escapeDiskspec(dev)+",snapshot=external,file="+escapeDiskspec(req.Overlays[dev]))
	}
	for _, dev := range req.Exclude {
		args = append(args, "--diskspec", escapeDiskspec(dev)+",snapshot=no")
	}
	return args
}

func blockCommitArgs(uri, domain, device string) []string {
	return []string{"-c", uri, "blockcommit", domain, device, "--active", "--pivot", "--wait"}
}

func blockJobPivotArgs(uri, domain, device string) []string {
	return []string{"-c", uri, "blockjob", domain, device, "--pivot"}
}

func snapshotDeleteArgs(uri, domain, name string) []string {
	return []string{"-c", uri, "snapshot-delete", domain, name, "--metadata"}
}

// isSnapshotNotFound recognises virsh's error for an unknown snapshot name.
func isSnapshotNotFound(out []byte, err error) bool {
	msg := string(out)
	if err != nil {
		msg += err.Error()
	}
	return strings.Contains(msg, "Domain snapshot not found") || strings.Contains(msg, "no domain snapshot with matching name")
}
