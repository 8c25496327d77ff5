package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 50.0, Progress{Written: 5, Total: 10}.Percent())
	assert.Equal(t, 0.0, Progress{Written: 5}.Percent())
}

func TestPollUntilDone(t *testing.T) {
	calls := 0
	err := fastMonitor().Poll(context.Background(), "vda", func() (Progress, bool, error) {
		calls++
		return Progress{Written: int64(calls), Total: 3}, calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollSkipsTransientErrors(t *testing.T) {
	calls := 0
	err := fastMonitor().Poll(context.Background(), "vda", func() (Progress, bool, error) {
		calls++
		if calls < 3 {
			return Progress{}, false, &TransientError{Err: errors.New("busy")}
		}
		return Progress{}, true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollStopsOnError(t *testing.T) {
	boom := errors.New("copy failed")
	err := fastMonitor().Poll(context.Background(), "vda", func() (Progress, bool, error) {
		return Progress{}, false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestPollInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fastMonitor().Poll(ctx, "vda", func() (Progress, bool, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return Progress{}, false, nil
	})
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, 2, calls)
}

func TestPollInteractiveOutput(t *testing.T) {
	var out bytes.Buffer
	m := fastMonitor()
	m.Interactive = true
	m.Out = &out
	calls := 0
	err := m.Poll(context.Background(), "vda", func() (Progress, bool, error) {
		calls++
		return Progress{Written: 512, Total: 1024}, calls == 2, nil
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "[vda] [|] 512 B / 1.0 KiB (50.0%)")
	assert.Contains(t, out.String(), "[vda] [OK] 100% done")
}

func TestFileProgress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.bak")
	assert.Equal(t, Progress{Total: 100}, FileProgress(path, 100))
	require.NoError(t, os.WriteFile(path, make([]byte, 40), 0o644))
	assert.Equal(t, Progress{Written: 40, Total: 100}, FileProgress(path, 100))
}
