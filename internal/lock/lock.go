// Package lock provides the token that grants exclusive use of a repository
// for the duration of one run.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another run holds the lock file.
var ErrLocked = errors.New("repository is locked by another run")

// HeldError describes a lock file owned by a live process. It wraps ErrLocked.
type HeldError struct {
	Path  string
	PID   string
	Since time.Time // modification time of the lock file
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s: %s exists (pid %s)", ErrLocked, e.Path, e.PID)
}

func (e *HeldError) Unwrap() error {
	return ErrLocked
}

// processAlive reports whether pid names a running process. EPERM means it
// exists but belongs to another user.
var processAlive = func(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Token is proof that the caller holds the lock file for a repository.
// The zero value is not held.
type Token struct {
	mu         sync.Mutex
	fs         afero.Fs
	path       string
	repository string
	held       bool
}

// Acquire creates lockFile exclusively and records the current pid in it.
// A lock file left behind by a process that no longer exists is removed
// and the lock taken over.
func Acquire(fs afero.Fs, lockFile, repository string) (*Token, error) {
	f, err := fs.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil && os.IsExist(err) {
		held := inspect(fs, lockFile)
		if !stale(held.PID) {
			return nil, held
		}
		if rerr := fs.Remove(lockFile); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("removing stale lock file %s: %w", lockFile, rerr)
		}
		f, err = fs.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil && os.IsExist(err) {
			return nil, inspect(fs, lockFile)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("creating lock file %s: %w", lockFile, err)
	}

	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = fs.Remove(lockFile)
		return nil, fmt.Errorf("writing lock file %s: %w", lockFile, errors.Join(werr, cerr))
	}

	return &Token{fs: fs, path: lockFile, repository: repository, held: true}, nil
}

func inspect(fs afero.Fs, lockFile string) *HeldError {
	held := &HeldError{Path: lockFile, PID: "unknown"}
	if info, err := fs.Stat(lockFile); err == nil {
		held.Since = info.ModTime()
	}
	content, err := afero.ReadFile(fs, lockFile)
	if err != nil {
		return held
	}
	if pid := strings.TrimSpace(string(content)); pid != "" {
		held.PID = pid
	}
	return held
}

// stale reports whether pid is a well-formed pid whose process is gone.
// Unreadable lock files are never considered stale.
func stale(pid string) bool {
	n, err := strconv.Atoi(pid)
	if err != nil || n <= 0 {
		return false
	}
	return !processAlive(n)
}

// Held reports whether the token still holds the lock.
func (t *Token) Held() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}

// Repository returns the repository the token was issued for.
func (t *Token) Repository() string {
	if t == nil {
		return ""
	}
	return t.repository
}

// Path returns the lock file path.
func (t *Token) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

// Check verifies the token is held for repository.
func (t *Token) Check(repository string) error {
	if !t.Held() {
		return fmt.Errorf("repository lock for %s is not held", repository)
	}
	if t.repository != repository {
		return fmt.Errorf("repository lock was issued for %s, not %s", t.repository, repository)
	}
	return nil
}

// Release removes the lock file. Releasing twice is a no-op.
func (t *Token) Release() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.held {
		return nil
	}
	t.held = false

	if err := t.fs.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file %s: %w", t.path, err)
	}
	return nil
}
