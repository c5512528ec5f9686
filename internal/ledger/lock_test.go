package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/narrate/internal/testutil"
)

func TestFileLock(t *testing.T) {
	ctx := context.Background()
	lock := NewFileLock(filepath.Join(t.TempDir(), "ledger.json"))

	release, err := lock.Acquire(ctx)
	require.NoError(t, err)

	_, err = lock.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Contains(t, err.Error(), "pid=")

	require.NoError(t, release())

	release, err = lock.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestFileLockStaleOwner(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")
	lock := NewFileLock(path)
	lock.Logger = testutil.Logger(t)

	writeOwner := func(owner lockOwner) {
		t.Helper()
		require.NoError(t, os.MkdirAll(lock.Dir, 0o755))
		data, err := json.Marshal(owner)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(lock.Dir, lockOwnerFile), data, 0o644))
	}

	// An exited process on this host leaves a lock that is taken over.
	writeOwner(lockOwner{PID: 2147480000, CreatedAt: "2020-01-01T00:00:00Z", Hostname: hostname()})
	release, err := lock.Acquire(ctx)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(lock.Dir, lockOwnerFile))
	require.NoError(t, err)
	var owner lockOwner
	require.NoError(t, json.Unmarshal(data, &owner))
	assert.Equal(t, os.Getpid(), owner.PID)
	require.NoError(t, release())

	// A live owner keeps the lock.
	writeOwner(lockOwner{PID: os.Getpid(), CreatedAt: "2020-01-01T00:00:00Z", Hostname: hostname()})
	_, err = lock.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, os.RemoveAll(lock.Dir))

	// Owners on other hosts cannot be checked and are left alone.
	writeOwner(lockOwner{PID: 2147480000, CreatedAt: "2020-01-01T00:00:00Z", Hostname: "elsewhere.invalid"})
	_, err = lock.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestRedisBackend(t *testing.T) {
	addr := testutil.RedisAddr(t)
	ctx := context.Background()

	backend, err := NewRedisBackend(ctx, RedisConfig{Addr: addr, Key: "narrate:test:" + t.Name()})
	require.NoError(t, err)
	defer backend.Close()
	t.Cleanup(func() { _ = backend.cli.Del(context.Background(), backend.key).Err() })

	store, err := Open(ctx, backend, testutil.Logger(t))
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, "a", "/a.mp3", 3))
	require.NoError(t, store.MarkFailed(ctx, "b", "x", KindJobFailed))

	reloaded, err := Open(ctx, backend, testutil.Logger(t))
	require.NoError(t, err)
	assert.True(t, reloaded.IsCompleted("a"))
	assert.Equal(t, 1, reloaded.RetryCount("b"))

	lock := backend.Locker(time.Second)
	release, err := lock.Acquire(ctx)
	require.NoError(t, err)
	_, err = lock.Acquire(ctx)
	assert.True(t, errors.Is(err, ErrLocked))
	require.NoError(t, release())
}
