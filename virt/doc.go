// Package virt implements backup.Hypervisor for a local libvirt daemon.
//
// Domain lookups, XML, job control and guest agent probes use the libvirt RPC
// protocol (go-libvirt). The live block list comes from QEMU's query-block,
// sent through the daemon's QMP passthrough (go-qemu). Snapshots, block
// commits and pivots run virsh, whose exit status is checked.
package virt
