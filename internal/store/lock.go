package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLocked means another live process owns the state directory.
var ErrLocked = errors.New("state dir locked by another instance")

const lockFileName = ".perpgrid.lock"

type InstanceLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	InstanceID string
	// StaleAfter allows taking over a lock without owner pid once it is older than this.
	StaleAfter time.Duration
	Now        func() time.Time
}

type lockOwner struct {
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// AcquireInstanceLock creates the lock file exclusively. A lock left behind by a dead process
// is taken over.
func AcquireInstanceLock(root string, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	path := filepath.Join(root, lockFileName)
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			owner := lockOwner{PID: os.Getpid(), InstanceID: opts.InstanceID, StartedAt: now().UTC()}
			if err := json.NewEncoder(f).Encode(owner); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			if err := f.Sync(); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &InstanceLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		stale, reason := lockIsStale(path, now().UTC(), opts.StaleAfter)
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLocked, path, reason)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func lockIsStale(path string, now time.Time, staleAfter time.Duration) (bool, string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared"
		}
		return false, err.Error()
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		return false, "unreadable_lock"
	}
	if owner.PID > 0 {
		if processAlive(owner.PID) {
			return false, fmt.Sprintf("owner pid %d running", owner.PID)
		}
		return true, "owner_not_running"
	}
	if staleAfter > 0 && !owner.StartedAt.IsZero() && now.Sub(owner.StartedAt) >= staleAfter {
		return true, "lock_age_exceeded"
	}
	return false, "lock_not_stale"
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (l *InstanceLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
