package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Lock provides file-based mutual exclusion over one archive root so two
// updater processes never write the same archive concurrently.
type Lock struct {
	path     string
	file     *os.File
	mu       sync.Mutex
	lockInfo lockInfo
}

type lockInfo struct {
	LockedBy  string    `json:"locked_by"`
	LockedAt  time.Time `json:"locked_at"`
	Operation string    `json:"operation"`
	PID       int       `json:"pid"`
}

// NewLock creates a lock guarding the given archive root.
func NewLock(root string) *Lock {
	return &Lock{
		path: filepath.Join(root, ".update.lock"),
	}
}

// Acquire takes the exclusive lock, polling until timeout.
func (l *Lock) Acquire(operation string, timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create archive root: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			l.file = file
			l.lockInfo = lockInfo{
				LockedBy:  "series-archiver",
				LockedAt:  time.Now(),
				Operation: operation,
				PID:       os.Getpid(),
			}
			if err := l.writeLockInfo(); err != nil {
				l.release()
				return fmt.Errorf("write lock info: %w", err)
			}
			return nil
		}

		if time.Now().After(deadline) {
			file.Close()
			return fmt.Errorf("archive lock timeout after %v (held by another process?)", timeout)
		}

		time.Sleep(100 * time.Millisecond)
	}
}

// Release drops the lock and removes the lock file.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.release()
}

func (l *Lock) release() error {
	if l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	l.file = nil
	os.Remove(l.path)
	return nil
}

func (l *Lock) writeLockInfo() error {
	if l.file == nil {
		return fmt.Errorf("no lock file")
	}
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	encoder := json.NewEncoder(l.file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(l.lockInfo); err != nil {
		return err
	}
	return l.file.Sync()
}
