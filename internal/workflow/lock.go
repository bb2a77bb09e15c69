package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const (
	lockFileName    = "workflow.lock"
	runLockFileName = "run.lock"
)

// FileLock provides cross-process mutual exclusion using flock(2).
// It guards the state files of one workflow directory when several
// crucible processes (a run and a signal, say) touch the same state dir.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates the state file lock for dir. The lock file is
// created inside dir on Lock.
func NewFileLock(dir string) *FileLock {
	return &FileLock{path: filepath.Join(dir, lockFileName)}
}

// NewRunLock creates the lock a driver holds for as long as it runs the
// workflow in dir. It is separate from the state file lock, which the
// same driver takes for every write.
func NewRunLock(dir string) *FileLock {
	return &FileLock{path: filepath.Join(dir, runLockFileName)}
}

// Lock acquires an exclusive lock, blocking until available.
func (fl *FileLock) Lock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return fmt.Errorf("flock: %w", err)
	}
	fl.file = f
	return nil
}

// TryLock attempts to acquire the lock without blocking. It returns false
// when another process holds it.
func (fl *FileLock) TryLock() (bool, error) {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}
	fl.file = f
	return true, nil
}

// Unlock releases the lock and closes the lock file.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("funlock: %w", err)
	}
	return f.Close()
}
