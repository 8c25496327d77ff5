package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/juju/clock"
)

// Progress is a sample of bytes written against bytes expected.
type Progress struct {
	Written int64
	Total   int64
}

// Percent returns the completed percentage, 0 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Written) / float64(p.Total) * 100
}

// StepFunc samples an operation once. It reports done when the operation has
// finished. A *TransientError skips the tick; any other error stops polling.
type StepFunc func() (p Progress, done bool, err error)

// ProgressMonitor polls an operation at a fixed interval and reports progress.
type ProgressMonitor struct {
	Clock       clock.Clock
	Interval    time.Duration
	LogEvery    time.Duration
	Interactive bool
	Out         io.Writer
}

// NewProgressMonitor returns a monitor with a sub-second status line on a
// terminal and a log line a minute otherwise.
func NewProgressMonitor(clk clock.Clock, interactive bool, out io.Writer) *ProgressMonitor {
	if clk == nil {
		clk = clock.WallClock
	}
	if out == nil {
		out = os.Stdout
	}
	m := &ProgressMonitor{Clock: clk, Interactive: interactive, Out: out, LogEvery: time.Minute}
	if interactive {
		m.Interval = 500 * time.Millisecond
	} else {
		m.Interval = 5 * time.Second
	}
	return m
}

var spinner = []rune(`|/-\`)

// Poll calls step until it reports done, fails, or ctx is cancelled. There is
// no overall timeout: live backups can take hours.
func (m *ProgressMonitor) Poll(ctx context.Context, label string, step StepFunc) error {
	start := m.Clock.Now()
	var lastLog time.Time
	for tick := 0; ; tick++ {
		if ctx.Err() != nil {
			m.endLine()
			return ErrInterrupted
		}
		p, done, err := step()
		var transient *TransientError
		switch {
		case errors.As(err, &transient):
			log.Debug("Skipping progress tick", "label", label, "error", transient.Err)
		case err != nil:
			m.endLine()
			return err
		case done:
			if m.Interactive {
				fmt.Fprintf(m.Out, "\r\033[K[%s] [OK] 100%% done (%s)\n", label, m.Clock.Now().Sub(start).Round(time.Second))
			}
			return nil
		default:
			now := m.Clock.Now()
			if m.Interactive {
				fmt.Fprintf(m.Out, "\r\033[K%s", statusLine(label, spinner[tick%len(spinner)], p))
			} else if lastLog.IsZero() || now.Sub(lastLog) >= m.LogEvery {
				log.Info("Progress", "disk", label, "written", sizeString(p.Written), "total", sizeString(p.Total),
					"percent", fmt.Sprintf("%.1f", p.Percent()), "elapsed", now.Sub(start).Round(time.Second))
				lastLog = now
			}
		}

		select {
		case <-ctx.Done():
			m.endLine()
			return ErrInterrupted
		case <-m.Clock.After(m.Interval):
		}
	}
}

func (m *ProgressMonitor) endLine() {
	if m.Interactive {
		fmt.Fprintln(m.Out)
	}
}

func statusLine(label string, spin rune, p Progress) string {
	return fmt.Sprintf("[%s] [%c] %s / %s (%.1f%%)", label, spin, sizeString(p.Written), sizeString(p.Total), p.Percent())
}

// FileProgress samples the size of path against total. A missing file is zero progress.
func FileProgress(path string, total int64) Progress {
	fi, err := os.Stat(path)
	if err != nil {
		return Progress{Total: total}
	}
	return Progress{Written: fi.Size(), Total: total}
}
