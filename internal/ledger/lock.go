package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrLocked is returned when another process holds the run lock.
var ErrLocked = errors.New("ledger is locked by another run")

// Locker guards a ledger against concurrent writers in other processes.
type Locker interface {
	Acquire(ctx context.Context) (release func() error, err error)
}

const lockOwnerFile = "owner.json"

// FileLock is a directory-based lock. Creating a directory is atomic, and the
// owner file records who holds it. A lock whose owner process on this host no
// longer exists is stale and is taken over.
type FileLock struct {
	Dir    string
	Logger *slog.Logger
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// NewFileLock returns a lock at ledgerPath + ".lock".
func NewFileLock(ledgerPath string) *FileLock {
	return &FileLock{Dir: ledgerPath + ".lock"}
}

// Acquire creates the lock directory or reports the current owner.
func (l *FileLock) Acquire(_ context.Context) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(l.Dir), 0o755); err != nil {
		return nil, fmt.Errorf("create lock parent: %w", err)
	}
	ownerPath := filepath.Join(l.Dir, lockOwnerFile)
	for attempt := 0; ; attempt++ {
		err := os.Mkdir(l.Dir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock %s: %w", l.Dir, err)
		}
		var owner lockOwner
		if data, readErr := os.ReadFile(ownerPath); readErr == nil && json.Unmarshal(data, &owner) == nil && owner.PID > 0 {
			if attempt == 0 && owner.stale() {
				l.logger().Warn("removing stale ledger lock", "dir", l.Dir, "pid", owner.PID, "created_at", owner.CreatedAt)
				if rmErr := os.RemoveAll(l.Dir); rmErr != nil {
					return nil, fmt.Errorf("remove stale lock %s: %w", l.Dir, rmErr)
				}
				continue
			}
			return nil, fmt.Errorf("%w: %s (pid=%d created_at=%s host=%s)",
				ErrLocked, l.Dir, owner.PID, owner.CreatedAt, owner.Hostname)
		}
		return nil, fmt.Errorf("%w: %s", ErrLocked, l.Dir)
	}

	data, _ := json.Marshal(lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostname(),
	})
	if err := writeFileAtomic(ownerPath, data); err != nil {
		_ = os.Remove(l.Dir)
		return nil, fmt.Errorf("write lock owner: %w", err)
	}

	release := func() error {
		_ = os.Remove(ownerPath)
		if err := os.Remove(l.Dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("release lock %s: %w", l.Dir, err)
		}
		return nil
	}
	return release, nil
}

func (l *FileLock) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// stale reports whether the owner ran on this host and has exited. Owners on
// other hosts are never considered stale.
func (o lockOwner) stale() bool {
	if o.Hostname != "" && o.Hostname != hostname() {
		return false
	}
	return !processAlive(o.PID)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH)
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown"
	}
	return strings.TrimSpace(host)
}

var _ Locker = (*FileLock)(nil)
