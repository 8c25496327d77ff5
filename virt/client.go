package virt

import (
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/digitalocean/go-qemu/qmp"
	"github.com/tidwall/gjson"

	"github.com/valvemist/virtbackup/backup"
)

// DefaultURI is the system QEMU driver.
const DefaultURI = string(libvirt.QEMUSystem)

// agentTimeoutSeconds bounds the guest-ping used to probe the agent.
const agentTimeoutSeconds = 2

// Client implements backup.Hypervisor against a local libvirt daemon. Reads
// and job control go over the libvirt RPC protocol; QMP queries go through
// the daemon's monitor passthrough; snapshot, commit and pivot run virsh so
// that the daemon tracks the domain definition exactly as an operator would.
type Client struct {
	l     *libvirt.Libvirt
	uri   string
	virsh Runner
}

var _ backup.Hypervisor = (*Client)(nil)

// Dial connects to the libvirt daemon on its local socket.
func Dial(uri string) (*Client, error) {
	if uri == "" {
		uri = DefaultURI
	}
	l := libvirt.NewWithDialer(dialers.NewLocal())
	if err := l.ConnectToURI(libvirt.ConnectURI(uri)); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", uri, err)
	}
	log.Info("Connected to hypervisor", "uri", uri)
	return &Client{l: l, uri: uri, virsh: ExecRunner{}}, nil
}

// Close disconnects from the daemon.
func (c *Client) Close() error {
	return c.l.Disconnect()
}

func (c *Client) lookup(domain string) (libvirt.Domain, error) {
	dom, err := c.l.DomainLookupByName(domain)
	if err != nil {
		return dom, fmt.Errorf("domain %s: %w", domain, err)
	}
	return dom, nil
}

// DomainXML implements backup.Hypervisor.
func (c *Client) DomainXML(domain string) (string, error) {
	dom, err := c.lookup(domain)
	if err != nil {
		return "", err
	}
	return c.l.DomainGetXMLDesc(dom, 0)
}

// BlockDevices implements backup.Hypervisor. The descriptor supplies the
// device names; QEMU's own block list, when reachable, supplies the file
// each device is writing to.
func (c *Client) BlockDevices(domain string) ([]backup.BlockDevice, error) {
	raw, err := c.DomainXML(domain)
	if err != nil {
		return nil, err
	}
	disks, err := parseDomainDisks(raw)
	if err != nil {
		return nil, err
	}
	reply, err := queryBlock(domain)
	if err != nil {
		log.Debug("query-block unavailable, using domain XML only", "domain", domain, "error", err)
		return mergeBlockDevices(disks, nil), nil
	}
	return mergeBlockDevices(disks, queryBlockFiles(reply)), nil
}

// queryBlock runs query-block over a monitor connection of its own; the
// monitor owns and closes the socket it is given.
func queryBlock(domain string) ([]byte, error) {
	conn, err := dialers.NewLocal().Dial()
	if err != nil {
		return nil, fmt.Errorf("dial monitor: %w", err)
	}
	mon := qmp.NewLibvirtRPCMonitor(domain, conn)
	if err := mon.Connect(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect monitor: %w", err)
	}
	defer mon.Disconnect()
	return RunQMPAndLog(mon, BuildQueryBlockJSON())
}

// JobInfo implements backup.Hypervisor.
func (c *Client) JobInfo(domain string) (backup.JobInfo, error) {
	dom, err := c.lookup(domain)
	if err != nil {
		return backup.JobInfo{}, err
	}
	typ, elapsed, _, total, processed, remaining, _, _, _, _, _, _, err := c.l.DomainGetJobInfo(dom)
	if err != nil {
		return backup.JobInfo{}, err
	}
	return backup.JobInfo{
		Active:         typ != 0,
		Type:           typ,
		DataTotal:      total,
		DataProcessed:  processed,
		DataRemaining:  remaining,
		ElapsedSeconds: elapsed / 1000,
	}, nil
}

// CompletedJob implements backup.Hypervisor.
func (c *Client) CompletedJob(domain string) (backup.JobResult, error) {
	dom, err := c.lookup(domain)
	if err != nil {
		return backup.JobResultNone, err
	}
	typ, _, err := c.l.DomainGetJobStats(dom, libvirt.DomainJobStatsCompleted)
	if err != nil {
		return backup.JobResultNone, err
	}
	return backup.JobResult(typ), nil
}

// SnapshotCount implements backup.Hypervisor.
func (c *Client) SnapshotCount(domain string) (int, error) {
	dom, err := c.lookup(domain)
	if err != nil {
		return 0, err
	}
	n, err := c.l.DomainSnapshotNum(dom, 0)
	return int(n), err
}

// BackupBegin implements backup.Hypervisor.
func (c *Client) BackupBegin(domain, backupXML string) error {
	dom, err := c.lookup(domain)
	if err != nil {
		return err
	}
	return c.l.DomainBackupBegin(dom, backupXML, nil, 0)
}

// AbortJob implements backup.Hypervisor.
func (c *Client) AbortJob(domain string) error {
	dom, err := c.lookup(domain)
	if err != nil {
		return err
	}
	return c.l.DomainAbortJob(dom)
}

// CreateSnapshot implements backup.Hypervisor.
func (c *Client) CreateSnapshot(domain string, req backup.SnapshotRequest) error {
	_, err := c.virsh.Run("virsh", snapshotArgs(c.uri, domain, req)...)
	return err
}

// BlockCommit implements backup.Hypervisor.
func (c *Client) BlockCommit(domain, device string) error {
	_, err := c.virsh.Run("virsh", blockCommitArgs(c.uri, domain, device)...)
	return err
}

// BlockJobActive implements backup.Hypervisor.
func (c *Client) BlockJobActive(domain, device string) (bool, error) {
	dom, err := c.lookup(domain)
	if err != nil {
		return false, err
	}
	found, _, _, _, _, err := c.l.DomainGetBlockJobInfo(dom, device, 0)
	if err != nil {
		return false, err
	}
	return found == 1, nil
}

// PivotBlockJob implements backup.Hypervisor.
func (c *Client) PivotBlockJob(domain, device string) error {
	_, err := c.virsh.Run("virsh", blockJobPivotArgs(c.uri, domain, device)...)
	return err
}

// DeleteSnapshotMetadata implements backup.Hypervisor.
func (c *Client) DeleteSnapshotMetadata(domain, name string) error {
	out, err := c.virsh.Run("virsh", snapshotDeleteArgs(c.uri, domain, name)...)
	if err != nil && isSnapshotNotFound(out, err) {
		log.Debug("Snapshot already gone", "snapshot", name)
		return nil
	}
	return err
}

// AgentAvailable implements backup.Hypervisor.
func (c *Client) AgentAvailable(domain string) bool {
	dom, err := c.lookup(domain)
	if err != nil {
		return false
	}
	res, err := c.l.QEMUDomainAgentCommand(dom, BuildGuestPingJSON(), agentTimeoutSeconds, 0)
	if err != nil || len(res) == 0 {
		log.Debug("Guest agent not reachable", "domain", domain, "error", err)
		return false
	}
	return gjson.Get(res[0], "return").Exists()
}

// LibVersion implements backup.Hypervisor.
func (c *Client) LibVersion() (uint64, error) {
	return c.l.ConnectGetLibVersion()
}
