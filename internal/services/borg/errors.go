package borg

import (
	"errors"
	"fmt"
	"strings"
)

// Exit codes with BORG_EXIT_CODES=modern: lock problems are reported as
// 70 to 75 and specific warnings as 100 to 127.
const (
	exitLockError   = 70
	exitNotMyLock   = 75
	exitWarningMin  = 100
	exitWarningMax  = 127
	excerptMaxLines = 3
)

// isWarning reports whether borg finished with warnings only.
func isWarning(exitCode int) bool {
	return exitCode == 1 || (exitCode >= exitWarningMin && exitCode <= exitWarningMax)
}

// stderr fragments that point at a transient condition.
var retryableMarkers = []string{
	"failed to create/acquire the lock",
	"lock.exclusive",
	"lockfailed",
	"locktimeout",
	"timeout while trying to lock",
	"connection closed by remote host",
	"connection reset by peer",
	"connection timed out",
}

// EngineError is a failed borg invocation.
type EngineError struct {
	Op        string
	ExitCode  int
	Stderr    string
	Retryable bool
	Err       error // set when borg could not be run or was cancelled
}

func newEngineError(op string, exitCode int, stderr string) *EngineError {
	return &EngineError{
		Op:        op,
		ExitCode:  exitCode,
		Stderr:    stderr,
		Retryable: classifyRetryable(exitCode, stderr),
	}
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("borg %s: %v", e.Op, e.Err)
	}
	msg := fmt.Sprintf("borg %s exited with code %d", e.Op, e.ExitCode)
	if excerpt := lastLines(e.Stderr, excerptMaxLines); excerpt != "" {
		msg += ": " + strings.ReplaceAll(excerpt, "\n", "; ")
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is an EngineError worth retrying later.
func IsRetryable(err error) bool {
	var engineErr *EngineError
	return errors.As(err, &engineErr) && engineErr.Retryable
}

func classifyRetryable(exitCode int, stderr string) bool {
	if exitCode >= exitLockError && exitCode <= exitNotMyLock {
		return true
	}
	lower := strings.ToLower(stderr)
	for _, marker := range retryableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
