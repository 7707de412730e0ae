package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another daemon holds the database
var ErrLocked = errors.New("another thermal daemon is already running")

// LockInfo is written into the lock file so operators can see who holds it
type LockInfo struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// InstanceLock is an exclusive advisory lock next to the database file
type InstanceLock struct {
	fl   *flock.Flock
	path string
}

// LockPath returns the lock file used for dbPath
func LockPath(dbPath string) string {
	return dbPath + ".lock"
}

// AcquireLock takes the exclusive lock for dbPath. The OS releases it if the
// process dies, so a leftover file never blocks a new daemon.
func AcquireLock(dbPath, version string) (*InstanceLock, error) {
	lockPath := LockPath(dbPath)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", lockPath, err)
	}
	if !ok {
		if info, err := ReadLockInfo(dbPath); err == nil {
			return nil, fmt.Errorf("%w (PID %d on %s, started %s)",
				ErrLocked, info.PID, info.Hostname, info.StartedAt.Format(time.RFC3339))
		}
		return nil, ErrLocked
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info := LockInfo{
		Holder:    "thermal",
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("failed to write lock info: %w", err)
	}

	return &InstanceLock{fl: fl, path: lockPath}, nil
}

// ReadLockInfo returns the holder recorded in the lock file for dbPath
func ReadLockInfo(dbPath string) (*LockInfo, error) {
	data, err := os.ReadFile(LockPath(dbPath))
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid lock file: %w", err)
	}
	return &info, nil
}

// Path returns the lock file path
func (l *InstanceLock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. Safe to call on nil.
func (l *InstanceLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
