package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{Domain: "vm1", BackupDir: "/backups", Disks: []string{"vda", "vdb"}}
	}
	require.NoError(t, (&Config{Domain: "vm1", BackupDir: "/b", Disks: []string{"vda"}, Mode: ModeNative}).Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		reason string
	}{
		{"no domain", func(c *Config) { c.Domain = "" }, "domain is required"},
		{"no dir", func(c *Config) { c.BackupDir = "" }, "backup directory is required"},
		{"no disks", func(c *Config) { c.Disks = nil }, "at least one disk"},
		{"negative retention", func(c *Config) { c.RetentionDays = -1 }, "retention days"},
		{"negative count", func(c *Config) { c.RetentionCount = -2 }, "retention count"},
		{"negative bandwidth", func(c *Config) { c.BandwidthMBps = -5 }, "bandwidth"},
		{"path as disk", func(c *Config) { c.Disks = []string{"/dev/vda"} }, "invalid disk name"},
		{"duplicate disk", func(c *Config) { c.Disks = []string{"vda", "vda"} }, "listed twice"},
		{"unknown mode", func(c *Config) { c.Mode = "pull" }, "unknown mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Reason, tt.reason)
		})
	}
}

func TestPaths(t *testing.T) {
	c := Config{Domain: "vm1", BackupDir: "/backups"}
	assert.Equal(t, "/backups/vm1", c.DomainDir())
	assert.Equal(t, "/backups/vm1/vm1-vda-20260310_140000.qcow2.bak",
		ArtifactPath(c.DomainDir(), "vm1", "vda", "20260310_140000"))
	assert.Equal(t, "/images/vm1_tmp_20260310_140000.qcow2", OverlayPath("/images/vm1.qcow2", "20260310_140000"))
	assert.Equal(t, "/images/disk_tmp_20260310_140000.qcow2", OverlayPath("/images/disk", "20260310_140000"))
	assert.Equal(t, "backup_snap_20260310_140000", SnapshotName("20260310_140000"))
	assert.True(t, IsDirtyPath(OverlayPath("/images/vm1.qcow2", "x")))
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeAuto, "auto": ModeAuto, "native": ModeNative, "snapshot": ModeSnapshot} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("incremental")
	assert.True(t, IsValidation(err))
}

func TestJobArtifactFor(t *testing.T) {
	job := NewJob("vm1", "/backups/vm1", retentionNow, []DiskTarget{{Device: "vda", Size: 7}}, ModeNative)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, "20260310_150000", job.Timestamp)

	a := job.ArtifactFor(job.Disks[0])
	assert.Equal(t, Artifact{Device: "vda", Path: "/backups/vm1/vm1-vda-20260310_150000.qcow2.bak", Expected: 7}, a)
}
