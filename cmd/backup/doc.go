// Package main provides the command-line interface for live domain backups.
//
// It parses flags and VIRTBACKUP_* environment variables, sets up logging to
// the console and to a per-run log file, connects to the local libvirt daemon
// and runs the backup package's orchestrator. SIGINT and SIGTERM stop the run
// and trigger the cleanup protocol.
//
// Exit status is 0 on success, 1 on any validation or execution failure and
// 130 when interrupted. With -clean only the cleanup protocol runs, which
// pivots disks a crashed earlier run left on an overlay.
//
// For core backup logic, see the backup package.
package main
