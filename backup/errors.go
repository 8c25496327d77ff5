package backup

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInterrupted is returned when the run was cancelled by the user.
var ErrInterrupted = errors.New("backup interrupted")

// ValidationError reports a problem found before any mutating operation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// DiskNotFoundError names the requested devices that the domain does not have.
type DiskNotFoundError struct {
	Domain  string
	Missing []string
	Found   []string
}

func (e *DiskNotFoundError) Error() string {
	return fmt.Sprintf("domain %s has no file-backed disk %s (found: %s)",
		e.Domain, strings.Join(e.Missing, ", "), strings.Join(e.Found, ", "))
}

// RecoverableError is a failure that happened after mutation started. It
// carries what the recovery coordinator needs to clean up.
type RecoverableError struct {
	Stage     string
	JobID     string
	Snapshot  string
	Artifacts []string
	Err       error
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("%s failed (job %s): %v", e.Stage, e.JobID, e.Err)
}

func (e *RecoverableError) Unwrap() error { return e.Err }

// TransientError marks a polling failure that should skip a tick rather than abort.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsValidation reports whether err was raised before any mutation.
func IsValidation(err error) bool {
	var ve *ValidationError
	var dnf *DiskNotFoundError
	return errors.As(err, &ve) || errors.As(err, &dnf)
}
