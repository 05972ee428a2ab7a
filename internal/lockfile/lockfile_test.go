package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLockAcquisition(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := AcquireLock(tempDir, "serve")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	lockPath := filepath.Join(tempDir, LockFileName)
	if lock.Path() != lockPath {
		t.Errorf("Lock path mismatch. Expected: %s, Got: %s", lockPath, lock.Path())
	}

	h, err := ReadHolder(tempDir)
	if err != nil {
		t.Fatalf("Failed to read lock holder: %v", err)
	}
	if h.PID != os.Getpid() {
		t.Errorf("Expected holder PID %d, got %d", os.Getpid(), h.PID)
	}
	if h.Purpose != "serve" {
		t.Errorf("Expected purpose serve, got %q", h.Purpose)
	}
	if time.Since(h.Started) > time.Minute {
		t.Errorf("Unexpected start time %v", h.Started)
	}
}

func TestLockConflict(t *testing.T) {
	tempDir := t.TempDir()

	lock1, err := AcquireLock(tempDir, "serve")
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(tempDir, "tick")
	if err == nil {
		lock2.Release()
		t.Fatalf("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Holder == nil || lockErr.Holder.Purpose != "serve" {
		t.Errorf("Expected the first holder's details to survive, got %+v", lockErr.Holder)
	}

	errMsg := err.Error()
	if !strings.Contains(errMsg, "another LeadPipe instance") {
		t.Errorf("Error message should mention another instance running: %s", errMsg)
	}
	if !strings.Contains(errMsg, tempDir) {
		t.Errorf("Error message should contain the lock path: %s", errMsg)
	}
	if !strings.Contains(errMsg, "(running)") {
		t.Errorf("Error message should report the holder as running: %s", errMsg)
	}
}

func TestLockRelease(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := AcquireLock(tempDir, "serve")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	lockPath := filepath.Join(tempDir, LockFileName)
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		t.Errorf("Lock file should exist before release: %s", lockPath)
	}

	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release: %s", lockPath)
	}

	// Test multiple releases (should be safe)
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}
}

func TestLockReacquisition(t *testing.T) {
	tempDir := t.TempDir()

	lock1, err := AcquireLock(tempDir, "serve")
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	lock1.Release()

	lock2, err := AcquireLock(tempDir, "serve")
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	defer lock2.Release()
}

func TestStaleLockFileIsReused(t *testing.T) {
	tempDir := t.TempDir()
	stale := "pid=999999\npurpose=serve\nstarted=2024-01-01T00:00:00Z\n"
	if err := os.WriteFile(filepath.Join(tempDir, LockFileName), []byte(stale), 0644); err != nil {
		t.Fatalf("Failed to write stale lock: %v", err)
	}

	lock, err := AcquireLock(tempDir, "seed")
	if err != nil {
		t.Fatalf("Stale lock file should not block acquisition: %v", err)
	}
	defer lock.Release()

	h, err := ReadHolder(tempDir)
	if err != nil {
		t.Fatalf("Failed to read lock holder: %v", err)
	}
	if h.PID != os.Getpid() || h.Purpose != "seed" {
		t.Errorf("Lock file should be rewritten, got %+v", h)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     int
		purpose string
	}{
		{"valid pid", "pid=12345\n", 12345, ""},
		{"full record", "pid=67890\npurpose=serve\nstarted=2024-03-01T12:00:00Z\n", 67890, "serve"},
		{"no pid", "other=info", 0, ""},
		{"empty content", "", 0, ""},
		{"invalid pid", "pid=abc", 0, ""},
		{"no equals", "pid12345", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := parseHolder(tt.content)
			if h.PID != tt.pid || h.Purpose != tt.purpose {
				t.Errorf("parseHolder(%q) = %+v, want pid %d purpose %q", tt.content, h, tt.pid, tt.purpose)
			}
		})
	}

	h := parseHolder("started=2024-03-01T12:00:00Z")
	if !h.Started.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start time %v", h.Started)
	}
}

func TestHolderString(t *testing.T) {
	s := Holder{PID: os.Getpid(), Purpose: "serve"}.String()
	if !strings.Contains(s, "(running)") || !strings.Contains(s, "serve") {
		t.Errorf("unexpected holder string %q", s)
	}
	if s := (Holder{}).String(); !strings.Contains(s, "unknown PID") {
		t.Errorf("unexpected holder string %q", s)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Errorf("Our own process should be detected as running")
	}
	if isProcessRunning(999999) {
		t.Logf("High PID detected as running (unexpected but not necessarily wrong)")
	}
}

func TestNonExistentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "nested")

	lock, err := AcquireLock(dir, "serve")
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Errorf("Directory should have been created: %s", dir)
	}
}
