// Package lockfile guards a state directory against concurrent SchemaPipe processes.
//
// The lock is an flock on a file inside the directory, so the kernel drops it
// when the holder exits for any reason. The file records the holder's pid and
// start time, which is reported back to a second process that fails to lock.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the file created inside the state directory.
const LockFileName = "schemapipe.lock"

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Started time.Time
}

// Running reports whether the recorded process still exists.
func (h Holder) Running() bool {
	if h.PID <= 0 {
		return false
	}
	p, err := os.FindProcess(h.PID)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func (h Holder) String() string {
	if h.PID <= 0 {
		return "unknown process"
	}
	state := "running"
	if !h.Running() {
		state = "not running, stale lock"
	}
	if h.Started.IsZero() {
		return fmt.Sprintf("PID %d (%s)", h.PID, state)
	}
	return fmt.Sprintf("PID %d started %s (%s)", h.PID, h.Started.Format(time.RFC3339), state)
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock on stateDir, creating the directory if needed.
// A *LockError is returned when another process holds it.
func Acquire(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's record before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := ReadHolder(lockPath)
		file.Close()
		slog.Error("lockfile.Acquire: state directory already locked", "lock_path", lockPath, "holder", holder.String())
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	if err := writeHolder(file, Holder{PID: os.Getpid(), Started: time.Now().UTC()}); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", lockPath, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "pid=%d\nstarted=%s\n", h.PID, h.Started.Format(time.RFC3339)); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeHolder: sync failed", "error", err)
	}
	return nil
}

// ReadHolder parses the holder record at lockPath. Missing or malformed
// fields are left zero.
func ReadHolder(lockPath string) Holder {
	var h Holder
	f, err := os.Open(lockPath)
	if err != nil {
		return h
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil {
				h.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				h.Started = t
			}
		}
	}
	return h
}

// Release drops the lock and removes the file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the flock so a waiting process never sees
	// our record after we let go.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to close lock file %s: %w", l.path, err)
	}
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError reports that another process holds the state directory.
type LockError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("state directory is locked by another SchemaPipe instance (%s); lock file %s. "+
		"If that process is gone, remove the lock file and retry", e.Holder, e.LockPath)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}
