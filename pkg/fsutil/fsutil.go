// Package fsutil provides the filesystem plumbing shared by the forge
// stores: atomic writes, advisory lock files, and age-based cleanup.
//
// Every mutating write in forge goes through WriteFileAtomic so that a
// concurrent reader never observes a half-written document. Multi-step
// transitions (moving a task file between status directories) additionally
// take a PID-stamped advisory lock.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// WriteFileAtomic writes data to path by writing a temporary file in the
// same directory and renaming it into place. On POSIX filesystems the
// rename is atomic, so readers see either the old content or the new
// content, never a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp file %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}

// EnsureDir creates the directory (and parents) if it does not exist.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// lockRetryInterval is the delay between acquisition attempts.
const lockRetryInterval = 20 * time.Millisecond

// Lock is a PID-stamped advisory lock file. It serializes multi-step file
// transitions between concurrent CLI invocations sharing a work directory.
type Lock struct {
	path string
}

// AcquireLock creates path with O_EXCL, writing the caller's PID into it.
// If the file already exists and its recorded PID is no longer alive, the
// stale lock is reaped and acquisition retried. Gives up after timeout.
func AcquireLock(path string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock file %s: %w", path, errors.Join(werr, cerr))
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file %s: %w", path, err)
		}

		if pid, rerr := readLockPID(path); rerr == nil && !pidAlive(pid) {
			// Holder is gone; reap and retry immediately.
			_ = os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire lock %s: timed out after %v", path, timeout)
		}
		time.Sleep(lockRetryInterval)
	}
}

// Release removes the lock file. Idempotent.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

// readLockPID reads the PID recorded in a lock file.
func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // lock path is controlled by the application
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock PID from %s: %w", path, err)
	}
	return pid, nil
}

// pidAlive reports whether a process with the given PID exists. Signal 0
// probes existence without delivering anything.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// CleanupOlderThan removes regular files directly under dir whose
// modification time predates the cutoff. Returns the number removed.
func CleanupOlderThan(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read directory %s: %w", dir, err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
