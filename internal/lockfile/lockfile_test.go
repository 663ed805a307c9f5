package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()

	h := ReadHolder(lock.Path())
	if h.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), h.PID)
	}
	if time.Since(h.Started) > time.Minute {
		t.Errorf("unexpected start time %v", h.Started)
	}
	if !h.Running() {
		t.Error("current process should be reported as running")
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir)
	if err == nil {
		second.Release()
		t.Fatal("second Acquire should fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("conflict must report the holder, got %+v", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), filepath.Join(dir, LockFileName)) {
		t.Errorf("error should name the lock file: %s", err)
	}

	// The failed attempt must not clobber the holder record.
	if h := ReadHolder(first.Path()); h.PID != os.Getpid() {
		t.Errorf("holder record overwritten: %+v", h)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("lock file should be removed")
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	again.Release()
}

func TestReadHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	if h := ReadHolder(path); h.PID != 0 {
		t.Errorf("missing file should yield zero holder, got %+v", h)
	}

	os.WriteFile(path, []byte("garbage\npid=abc\nstarted=yesterday\n"), 0o644)
	if h := ReadHolder(path); h.PID != 0 || !h.Started.IsZero() {
		t.Errorf("malformed fields should stay zero, got %+v", h)
	}

	os.WriteFile(path, []byte("pid=999999\nstarted=2026-01-02T03:04:05Z\n"), 0o644)
	h := ReadHolder(path)
	if h.PID != 999999 || h.Started.Year() != 2026 {
		t.Errorf("unexpected holder %+v", h)
	}
	if !strings.Contains(h.String(), "PID 999999") {
		t.Errorf("unexpected description %q", h.String())
	}
	if (Holder{}).String() != "unknown process" {
		t.Error("zero holder should be unknown")
	}
}
