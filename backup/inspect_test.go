package backup

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDisks(t *testing.T) {
	dir := t.TempDir()
	vda := filepath.Join(dir, "vm1.qcow2")
	vdb := filepath.Join(dir, "vm1-data.qcow2")
	writeImage(t, vda, 4096)
	writeImage(t, vdb, 2048)
	in := NewInspector(newFakeHypervisor("vm1", map[string]string{"vda": vda, "vdb": vdb}))

	disks, err := in.ResolveDisks("vm1", []string{"vdb", "vda"})
	require.NoError(t, err)
	assert.Equal(t, []DiskTarget{
		{Device: "vdb", Path: vdb, Size: 2048},
		{Device: "vda", Path: vda, Size: 4096},
	}, disks)
}

func TestResolveDisksMissing(t *testing.T) {
	dir := t.TempDir()
	vda := filepath.Join(dir, "vm1.qcow2")
	writeImage(t, vda, 10)
	in := NewInspector(newFakeHypervisor("vm1", map[string]string{"vda": vda}))

	_, err := in.ResolveDisks("vm1", []string{"vda", "vdc", "sda"})
	var dnf *DiskNotFoundError
	require.ErrorAs(t, err, &dnf)
	// The cdrom has no file source and does not count as found.
	assert.Equal(t, []string{"vdc", "sda"}, dnf.Missing)
	assert.Equal(t, []string{"vda"}, dnf.Found)
	assert.True(t, IsValidation(err))
}

func TestResolveDisksUnknownDomain(t *testing.T) {
	in := NewInspector(newFakeHypervisor("vm1", nil))
	_, err := in.ResolveDisks("vm2", []string{"vda"})
	assert.ErrorContains(t, err, "domain not found")
}

func TestResolveDisksMissingImage(t *testing.T) {
	in := NewInspector(newFakeHypervisor("vm1", map[string]string{"vda": filepath.Join(t.TempDir(), "gone.qcow2")}))
	_, err := in.ResolveDisks("vm1", []string{"vda"})
	assert.ErrorContains(t, err, "size of disk vda")
}

func TestListDirtyDevices(t *testing.T) {
	hv := newFakeHypervisor("vm1", map[string]string{
		"vda": "/images/vm1.qcow2",
		"vdb": "/images/vm1-data.qcow2",
	})
	in := NewInspector(hv)

	dirty, err := in.ListDirtyDevices("vm1")
	require.NoError(t, err)
	assert.Empty(t, dirty)

	hv.live["vdb"] = "/images/vm1-data_tmp_20260310_140000.qcow2"
	dirty, err = in.ListDirtyDevices("vm1")
	require.NoError(t, err)
	assert.Equal(t, []BlockDevice{{Device: "vdb", Path: "/images/vm1-data_tmp_20260310_140000.qcow2"}}, dirty)
}
