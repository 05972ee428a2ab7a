// Package lockfile guards the LeadPipe state directory so only one process
// owns the WhatsApp session store and the scheduled jobs at a time.
//
// Locks use flock(2) and are released by the kernel when the process exits,
// so a crashed instance never leaves the directory locked, only a stale file.
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

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "leadpipe.lock"

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Purpose string // command that took the lock, e.g. "serve"
	Started time.Time
}

// String formats the holder for error messages.
func (h Holder) String() string {
	var b strings.Builder
	if h.PID > 0 {
		state := "running"
		if !isProcessRunning(h.PID) {
			state = "not running - stale lock"
		}
		fmt.Fprintf(&b, "PID %d (%s)", h.PID, state)
	} else {
		b.WriteString("unknown PID")
	}
	if h.Purpose != "" {
		fmt.Fprintf(&b, ", %s", h.Purpose)
	}
	if !h.Started.IsZero() {
		fmt.Fprintf(&b, ", started %s", h.Started.Format(time.RFC3339))
	}
	return b.String()
}

// Lock represents an active directory lock
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// AcquireLock takes an exclusive lock on stateDir for purpose, creating the
// directory if needed. A *LockError describing the current holder is
// returned when another process has it.
func AcquireLock(stateDir, purpose string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("Lock.AcquireLock: attempting", "lock_path", lockPath, "purpose", purpose)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// Not O_TRUNC: the holder's details must survive a failed attempt.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Cause: err}
		if h, rerr := ReadHolder(stateDir); rerr == nil {
			lockErr.Holder = h
		}
		slog.Error("Lock.AcquireLock: another LeadPipe instance holds the state directory",
			"lock_path", lockPath, "holder", lockErr.holderInfo())
		return nil, lockErr
	}

	info := formatHolder(Holder{PID: os.Getpid(), Purpose: purpose, Started: time.Now().UTC()})
	if err := writeHolder(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Lock.AcquireLock: acquired state directory lock", "lock_path", lockPath, "pid", os.Getpid(), "purpose", purpose)
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

func writeHolder(file *os.File, info string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lock.writeHolder: sync failed", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Release releases the lock and removes the lock file.
// This method is safe to call multiple times.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	// Remove before unlocking; a waiter must not lock an orphaned inode.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to release flock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()

	l.acquired = false
	l.file = nil
	slog.Info("Lock.Release: released state directory lock", "lock_path", l.path)
	if err != nil {
		return fmt.Errorf("close lock file %s: %w", l.path, err)
	}
	return nil
}

// LockError represents an error when failing to acquire a lock due to another process
type LockError struct {
	LockPath string
	Holder   *Holder
	Cause    error
}

func (e *LockError) holderInfo() string {
	if e.Holder == nil {
		return "unable to read lock file information"
	}
	return e.Holder.String()
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another LeadPipe instance is already using this state directory\n\n"+
		"Lock file: %s\nHolder: %s\n\n"+
		"If no other LeadPipe instance is running the lock file is stale and can be removed with:\n"+
		"  rm %s\n\n"+
		"Two instances sharing a state directory will corrupt the WhatsApp session store.",
		e.LockPath, e.holderInfo(), e.LockPath)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func formatHolder(h Holder) string {
	return fmt.Sprintf("pid=%d\npurpose=%s\nstarted=%s\n", h.PID, h.Purpose, h.Started.Format(time.RFC3339))
}

// ReadHolder parses the lock file in stateDir without taking the lock.
func ReadHolder(stateDir string) (*Holder, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, LockFileName))
	if err != nil {
		return nil, err
	}
	h := parseHolder(string(data))
	return &h, nil
}

func parseHolder(content string) Holder {
	var h Holder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "purpose":
			h.Purpose = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				h.Started = t
			}
		}
	}
	return h
}

// isProcessRunning checks if a process with the given PID is currently running
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks that the process exists.
	return process.Signal(syscall.Signal(0)) == nil
}
