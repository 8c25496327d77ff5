package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeHypervisor keeps a live device table that snapshots and commits
// rewrite, like the real daemon does.
type fakeHypervisor struct {
	mu sync.Mutex

	domain string
	base   map[string]string
	live   map[string]string

	job          JobInfo
	jobPolls     int
	jobInfoErr   error
	jobResult    JobResult
	snapshots    int
	snapshotName string
	agent        bool
	version      uint64

	quiesceErr   error
	snapshotErr  error
	backupErr    error
	abortErr     error
	commitErr    map[string]error
	pendingJobs  map[string]bool
	blockJobErr  error
	artifactSize int64

	// Hooks run under the lock; they must not call back into the fake.
	onCommit  func(device string)
	onJobDone func()

	calls []string
}

func newFakeHypervisor(domain string, disks map[string]string) *fakeHypervisor {
	h := &fakeHypervisor{
		domain:       domain,
		base:         map[string]string{},
		live:         map[string]string{},
		commitErr:    map[string]error{},
		pendingJobs:  map[string]bool{},
		version:      8000000,
		jobResult:    JobResultCompleted,
		artifactSize: 1024,
	}
	for dev, path := range disks {
		h.base[dev] = path
		h.live[dev] = path
	}
	return h
}

func (h *fakeHypervisor) record(format string, args ...any) {
	h.calls = append(h.calls, fmt.Sprintf(format, args...))
}

func (h *fakeHypervisor) called(prefix string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (h *fakeHypervisor) devices() []string {
	devs := make([]string, 0, len(h.live))
	for d := range h.live {
		devs = append(devs, d)
	}
	sort.Strings(devs)
	return devs
}

func (h *fakeHypervisor) DomainXML(domain string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if domain != h.domain {
		return "", fmt.Errorf("domain not found: %s", domain)
	}
	var b strings.Builder
	b.WriteString("<domain type='kvm'><name>" + domain + "</name><devices>")
	for i, dev := range h.devices() {
		fmt.Fprintf(&b, "<disk type='file' device='disk'><driver name='qemu' type='qcow2'/>"+
			"<source file='%s'/><target dev='%s' bus='virtio'/><alias name='virtio-disk%d'/></disk>", h.live[dev], dev, i)
	}
	b.WriteString("<disk type='file' device='cdrom'><target dev='sda' bus='sata'/></disk>")
	b.WriteString("</devices></domain>")
	return b.String(), nil
}

func (h *fakeHypervisor) BlockDevices(string) ([]BlockDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []BlockDevice
	for _, dev := range h.devices() {
		out = append(out, BlockDevice{Device: dev, Path: h.live[dev]})
	}
	return out, nil
}

func (h *fakeHypervisor) JobInfo(string) (JobInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.jobInfoErr != nil {
		err := h.jobInfoErr
		h.jobInfoErr = nil
		return JobInfo{}, err
	}
	if h.job.Active && h.jobPolls > 0 {
		h.jobPolls--
		if h.jobPolls == 0 {
			h.job = JobInfo{}
		}
	}
	return h.job, nil
}

func (h *fakeHypervisor) CompletedJob(string) (JobResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("CompletedJob")
	if h.onJobDone != nil {
		h.onJobDone()
	}
	return h.jobResult, nil
}

func (h *fakeHypervisor) SnapshotCount(string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshots, nil
}

var backupTargetFile = regexp.MustCompile(`<target file="([^"]+)"`)

func (h *fakeHypervisor) BackupBegin(_ string, doc string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("BackupBegin")
	if h.backupErr != nil {
		return h.backupErr
	}
	for _, m := range backupTargetFile.FindAllStringSubmatch(doc, -1) {
		if err := os.WriteFile(m[1], make([]byte, h.artifactSize), 0o644); err != nil {
			return err
		}
	}
	h.job = JobInfo{Active: true, Type: 2, DataTotal: 100, DataProcessed: 50}
	h.jobPolls = 3
	return nil
}

func (h *fakeHypervisor) AbortJob(string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("AbortJob")
	if h.abortErr != nil {
		return h.abortErr
	}
	h.job = JobInfo{}
	return nil
}

func (h *fakeHypervisor) CreateSnapshot(_ string, req SnapshotRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("CreateSnapshot quiesce=%v", req.Quiesce)
	if req.Quiesce && h.quiesceErr != nil {
		return h.quiesceErr
	}
	if h.snapshotErr != nil {
		return h.snapshotErr
	}
	for dev, overlay := range req.Overlays {
		if err := os.WriteFile(overlay, []byte("overlay"), 0o644); err != nil {
			return err
		}
		h.live[dev] = overlay
	}
	h.snapshots++
	h.snapshotName = req.Name
	return nil
}

func (h *fakeHypervisor) BlockCommit(_ string, device string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("BlockCommit %s", device)
	if h.onCommit != nil {
		h.onCommit(device)
	}
	if err := h.commitErr[device]; err != nil {
		return err
	}
	if h.live[device] == h.base[device] {
		return errors.New("nothing to commit")
	}
	h.live[device] = h.base[device]
	return nil
}

func (h *fakeHypervisor) BlockJobActive(_ string, device string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.blockJobErr != nil {
		return false, h.blockJobErr
	}
	return h.pendingJobs[device], nil
}

func (h *fakeHypervisor) PivotBlockJob(_ string, device string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("PivotBlockJob %s", device)
	delete(h.pendingJobs, device)
	h.live[device] = h.base[device]
	return nil
}

func (h *fakeHypervisor) DeleteSnapshotMetadata(_ string, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("DeleteSnapshotMetadata %s", name)
	if h.snapshotName == name && h.snapshots > 0 {
		h.snapshots--
		h.snapshotName = ""
	}
	return nil
}

func (h *fakeHypervisor) AgentAvailable(string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agent
}

func (h *fakeHypervisor) LibVersion() (uint64, error) {
	return h.version, nil
}

func (h *fakeHypervisor) livePath(dev string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live[dev]
}

// writeImage creates a base image of size bytes.
func writeImage(t *testing.T, path string, size int64) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

// fastMonitor polls every millisecond and prints nothing.
func fastMonitor() *ProgressMonitor {
	m := NewProgressMonitor(nil, false, io.Discard)
	m.Interval = time.Millisecond
	return m
}

func bakFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ArtifactSuffix) {
			out = append(out, e.Name())
		}
	}
	return out
}
