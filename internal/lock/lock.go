// Package lock implements kopi-docka's process-exclusion advisory lock:
// a single-holder, PID-stamped lock file guarding every mutating operation
// (backup, restore, DR bundle export).
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/kopi-docka/kopi-docka/internal/klog"
)

// ErrHeld is returned by Acquire when another process already holds the lock.
var ErrHeld = errors.New("lock: already held by another process")

// Lock is a non-blocking, exclusive, PID-stamped advisory lock on a single file.
type Lock struct {
	path string
	file *os.File
}

// New returns a Lock bound to path. Callers pick the well-known path per
// spec.md §6 (preferred: a runtime directory; fallback: temp dir).
func New(path string) *Lock {
	return &Lock{path: path}
}

// DefaultPath returns the preferred lock path, falling back to the temp dir
// when the runtime directory is not writable.
func DefaultPath() string {
	const preferred = "/run/kopi-docka.lock"
	if f, err := os.OpenFile(preferred, os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		f.Close()
		return preferred
	}
	return "/tmp/kopi-docka.lock"
}

// Acquire takes the lock non-blockingly, writing the current PID into the
// file. It never removes a stale lock automatically — that is an explicit
// operator action only (spec.md §5).
func (l *Lock) Acquire() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("lock: open %s: %w", l.path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolderPID(f)
		f.Close()
		if holder != 0 {
			klog.Logger.Warn().Int("holder_pid", holder).Msg("lock: held by another instance")
		}
		return ErrHeld
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return fmt.Errorf("lock: truncate %s: %w", l.path, err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return fmt.Errorf("lock: write pid: %w", err)
	}

	l.file = f
	return nil
}

// Release drops the lock and closes the file. It never unlinks the lock file,
// since another acquirer may already be blocked attempting flock on it.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	defer func() {
		l.file.Close()
		l.file = nil
	}()
	return syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
}

// HolderPID returns the PID recorded in the lock file, or 0 if unreadable.
func (l *Lock) HolderPID() int {
	f, err := os.Open(l.path)
	if err != nil {
		return 0
	}
	defer f.Close()
	return readHolderPID(f)
}

// IsStale reports whether the recorded holder PID is absent or not alive.
// Used only to inform an explicit operator "force-unlock" action; never
// consulted by a scheduled run.
func (l *Lock) IsStale() bool {
	pid := l.HolderPID()
	if pid == 0 {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return true
	}
	return false
}

// ForceUnlink removes the lock file outright. Callers must only invoke this
// behind an explicit operator confirmation after IsStale() is true.
func (l *Lock) ForceUnlink() error {
	return os.Remove(l.path)
}

func readHolderPID(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
