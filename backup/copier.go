package backup

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/kballard/go-shellquote"
)

// Copier copies a frozen base image to its artifact in a child process.
type Copier struct {
	BandwidthMBps int
	Clock         clock.Clock
	// Command overrides the argv used for a copy.
	Command func(src, dst string) []string
}

// NewCopier returns a Copier that uses rsync when bwMBps is positive and a
// sparse cp otherwise.
func NewCopier(bwMBps int, clk clock.Clock) *Copier {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Copier{BandwidthMBps: bwMBps, Clock: clk}
}

// Args returns the argv of the copy of src to dst.
func (c *Copier) Args(src, dst string) []string {
	if c.Command != nil {
		return c.Command(src, dst)
	}
	if c.BandwidthMBps > 0 {
		// rsync takes KiB/s; --inplace keeps the data in dst so progress is visible.
		return []string{"rsync", "--inplace", "--sparse", "--bwlimit=" + strconv.Itoa(c.BandwidthMBps*1024), src, dst}
	}
	return []string{"cp", "--sparse=always", src, dst}
}

// Start launches the copy and returns without waiting for it.
func (c *Copier) Start(src, dst string) (*CopyProcess, error) {
	args := c.Args(src, dst)
	cmd := exec.Command(args[0], args[1:]...)
	p := &CopyProcess{cmd: cmd, clock: c.Clock, done: make(chan struct{})}
	cmd.Stderr = &p.stderr
	log.Info("CMD: " + shellquote.Join(args...))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}
	go p.wait()
	return p, nil
}

// CopyProcess is a running copy.
type CopyProcess struct {
	cmd    *exec.Cmd
	clock  clock.Clock
	done   chan struct{}
	stderr bytes.Buffer
	err    error
	once   sync.Once
}

func (p *CopyProcess) wait() {
	err := p.cmd.Wait()
	if err != nil {
		msg := strings.TrimSpace(p.stderr.String())
		if msg != "" {
			err = fmt.Errorf("%s: %w: %s", p.cmd.Args[0], err, msg)
		} else {
			err = fmt.Errorf("%s: %w", p.cmd.Args[0], err)
		}
	}
	p.err = err
	close(p.done)
}

// Done is closed when the process has exited.
func (p *CopyProcess) Done() <-chan struct{} { return p.done }

// Err returns the exit error once Done is closed.
func (p *CopyProcess) Err() error {
	<-p.done
	return p.err
}

// Exited reports whether the process has exited, without blocking.
func (p *CopyProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate sends SIGTERM and, if the process is still alive after grace,
// SIGKILL. It waits for the process to exit.
func (p *CopyProcess) Terminate(grace time.Duration) error {
	var err error
	p.once.Do(func() {
		if p.Exited() {
			return
		}
		log.Warn("Terminating copy process", "pid", p.cmd.Process.Pid)
		if serr := p.cmd.Process.Signal(syscall.SIGTERM); serr != nil && !p.Exited() {
			err = serr
		}
		select {
		case <-p.done:
			return
		case <-p.clock.After(grace):
		}
		log.Warn("Copy process ignored SIGTERM, killing", "pid", p.cmd.Process.Pid)
		if kerr := p.cmd.Process.Kill(); kerr != nil && !p.Exited() {
			err = kerr
		}
		<-p.done
	})
	return err
}
