package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/narrate/internal/catalog"
	"github.com/jackzampolin/narrate/internal/testutil"
)

func newCatalog(t *testing.T, n int) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(testutil.Items(n))
	require.NoError(t, err)
	return cat
}

func openMemory(t *testing.T) (*Store, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend(nil)
	store, err := Open(context.Background(), backend, testutil.Logger(t))
	require.NoError(t, err)
	return store, backend
}

func TestMarkCompletedIdempotent(t *testing.T) {
	ctx := context.Background()
	store, backend := openMemory(t)

	require.NoError(t, store.MarkCompleted(ctx, "a", "/out/a.mp3", 10))
	require.NoError(t, store.MarkCompleted(ctx, "a", "/out/other.mp3", 20))

	assert.True(t, store.IsCompleted("a"))
	rec, ok := store.Completion("a")
	require.True(t, ok)
	assert.Equal(t, "/out/a.mp3", rec.OutputArtifactPath)
	assert.Len(t, backend.Stored().Completed, 1)
	assert.Equal(t, 1, backend.Saves())
}

func TestMarkCompletedPurgesFailures(t *testing.T) {
	ctx := context.Background()
	store, backend := openMemory(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.MarkFailed(ctx, "a", "boom", KindJobFailed))
	}
	assert.True(t, store.IsFailed("a"))
	assert.Equal(t, 3, store.RetryCount("a"))

	require.NoError(t, store.MarkCompleted(ctx, "a", "/out/a.mp3", 1))
	assert.False(t, store.IsFailed("a"))
	assert.Equal(t, 0, store.RetryCount("a"))
	assert.Empty(t, store.Failures("a"))
	assert.Empty(t, backend.Stored().Failures)
}

func TestMarkFailedAttemptNumbers(t *testing.T) {
	ctx := context.Background()
	store, _ := openMemory(t)

	require.NoError(t, store.MarkFailed(ctx, "a", "first", KindSubmission))
	require.NoError(t, store.MarkFailed(ctx, "a", "second", KindTimeout))

	recs := store.Failures("a")
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].AttemptNumber)
	assert.Equal(t, 2, recs[1].AttemptNumber)

	last, ok := store.LatestFailure("a")
	require.True(t, ok)
	assert.Equal(t, KindTimeout, last.ErrorKind)
	assert.Equal(t, "second", last.ErrorMessage)
}

func TestMarkFailedIgnoredAfterCompletion(t *testing.T) {
	ctx := context.Background()
	store, _ := openMemory(t)

	require.NoError(t, store.MarkCompleted(ctx, "a", "/a.mp3", 1))
	require.NoError(t, store.MarkFailed(ctx, "a", "late", KindBatch))
	assert.False(t, store.IsFailed("a"))
	assert.Equal(t, 0, store.RetryCount("a"))
}

func TestPersistenceErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	store, backend := openMemory(t)
	require.NoError(t, store.MarkFailed(ctx, "a", "first", KindJobFailed))

	diskErr := errors.New("disk full")
	backend.SetSaveErr(diskErr)

	err := store.MarkCompleted(ctx, "a", "/a.mp3", 1)
	require.Error(t, err)
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.ErrorIs(t, err, diskErr)
	assert.True(t, IsPersistenceError(err))

	assert.False(t, store.IsCompleted("a"))
	assert.True(t, store.IsFailed("a"))
	assert.Equal(t, 1, store.RetryCount("a"))

	err = store.MarkFailed(ctx, "a", "second", KindJobFailed)
	require.True(t, IsPersistenceError(err))
	assert.Equal(t, 1, store.RetryCount("a"))
	assert.Len(t, store.Failures("a"), 1)

	err = store.MarkFailed(ctx, "b", "first", KindJobFailed)
	require.True(t, IsPersistenceError(err))
	assert.False(t, store.IsFailed("b"))
	assert.Empty(t, store.Failures("b"))
}

func TestNextPendingResumes(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t, 1000)
	path := filepath.Join(t.TempDir(), "ledger.json")

	store, err := Open(ctx, NewFileBackend(path), testutil.Logger(t))
	require.NoError(t, err)

	// Complete every even-positioned item.
	for i, item := range cat.Items() {
		if i%2 == 0 {
			require.NoError(t, store.MarkCompleted(ctx, item.ID(), "/out/"+item.ID(), 1))
		}
	}

	reloaded, err := Open(ctx, NewFileBackend(path), testutil.Logger(t))
	require.NoError(t, err)

	got := reloaded.NextPending(cat, 10)
	require.Len(t, got, 10)
	for i, item := range got {
		assert.Equal(t, cat.Items()[2*i+1].ID(), item.ID())
	}
	assert.Len(t, reloaded.NextPending(cat, 0), 500)
}

func TestEligibleForRetryBoundary(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t, 3)
	store, _ := openMemory(t)
	maxRetries := 3

	atLimit := cat.Items()[0].ID()
	belowLimit := cat.Items()[1].ID()
	for i := 0; i < maxRetries; i++ {
		require.NoError(t, store.MarkFailed(ctx, atLimit, "x", KindJobFailed))
	}
	for i := 0; i < maxRetries-1; i++ {
		require.NoError(t, store.MarkFailed(ctx, belowLimit, "x", KindJobFailed))
	}

	got := store.EligibleForRetry(cat, maxRetries)
	require.Len(t, got, 1)
	assert.Equal(t, belowLimit, got[0].ID())
}

func TestOpenCorruptFailsOpen(t *testing.T) {
	ctx := context.Background()
	tests := map[string]string{
		"garbage":      "{not json",
		"empty":        "",
		"wrong shape":  `{"completed": [], "failures": {}}`,
		"bad attempt":  `{"completed": {}, "failures": {"a": [{"work_item_id": "a", "attempt_number": 0}]}}`,
		"missing keys": `{"version": 1}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ledger.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

			store, err := Open(ctx, NewFileBackend(path), testutil.Logger(t))
			require.NoError(t, err)
			assert.Empty(t, store.Snapshot().Completed)
			assert.Empty(t, store.Snapshot().Failures)
		})
	}
}

func TestOpenReturnsBackendErrors(t *testing.T) {
	_, err := Open(context.Background(), failingBackend{err: errors.New("conn refused")}, testutil.Logger(t))
	assert.Error(t, err)
}

type failingBackend struct{ err error }

func (b failingBackend) Load(context.Context) (*Snapshot, error) { return nil, b.err }
func (b failingBackend) Save(context.Context, *Snapshot) error   { return b.err }

func TestOpenDropsFailuresOfCompletedItems(t *testing.T) {
	snap := NewSnapshot()
	snap.Completed["a"] = CompletionRecord{WorkItemID: "a", OutputArtifactPath: "/a"}
	snap.Failures["a"] = []FailureRecord{{WorkItemID: "a", AttemptNumber: 1}}
	snap.Failures["b"] = []FailureRecord{{WorkItemID: "b", AttemptNumber: 1}}

	store, err := Open(context.Background(), NewMemoryBackend(snap), testutil.Logger(t))
	require.NoError(t, err)
	assert.False(t, store.IsFailed("a"))
	assert.Equal(t, 0, store.RetryCount("a"))
	assert.True(t, store.IsFailed("b"))
}

func TestConcurrentWritesSerialize(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")
	store, err := Open(ctx, NewFileBackend(path), testutil.Logger(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("item-%02d", i)
			if i%5 == 0 {
				assert.NoError(t, store.MarkFailed(ctx, id, "x", KindJobFailed))
				return
			}
			assert.NoError(t, store.MarkCompleted(ctx, id, "/out/"+id, int64(i)))
		}(i)
	}
	wg.Wait()

	reloaded, err := Open(ctx, NewFileBackend(path), testutil.Logger(t))
	require.NoError(t, err)
	snap := reloaded.Snapshot()
	assert.Len(t, snap.Completed, 40)
	assert.Len(t, snap.Failures, 10)
}

func TestSummarizeAndFailedItems(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t, 4)
	store, _ := openMemory(t)
	ids := []string{cat.Items()[0].ID(), cat.Items()[1].ID(), cat.Items()[2].ID()}

	require.NoError(t, store.MarkCompleted(ctx, ids[0], "/a.mp3", 1024*1024))
	require.NoError(t, store.MarkFailed(ctx, ids[1], "rejected", KindSubmission))
	require.NoError(t, store.MarkFailed(ctx, ids[2], "late", KindTimeout))
	require.NoError(t, store.SetRunID(ctx, "run-1"))

	sum := store.Summarize(cat)
	assert.Equal(t, 4, sum.TotalItems)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 3, sum.Pending)
	assert.InDelta(t, 25.0, sum.Percentage, 0.001)
	assert.InDelta(t, 1.0, sum.TotalAudioMB, 0.001)
	assert.Equal(t, ids[0], sum.LastCompleted)
	assert.Equal(t, "run-1", sum.LastRunID)
	assert.Equal(t, cat.Items()[3].ID(), sum.NextPending)
	require.Len(t, sum.Volumes, 1)
	assert.Equal(t, 4, sum.Volumes[0].Total)

	failed := store.FailedItems(1)
	require.Len(t, failed, 1)
	all := store.FailedItems(0)
	assert.Len(t, all, 2)
}

func TestClearFailedAndReset(t *testing.T) {
	ctx := context.Background()
	store, backend := openMemory(t)
	require.NoError(t, store.MarkCompleted(ctx, "a", "/a", 1))
	require.NoError(t, store.MarkFailed(ctx, "b", "x", KindBatch))

	n, err := store.ClearFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, store.IsFailed("b"))
	assert.True(t, store.IsCompleted("a"))
	assert.Empty(t, backend.Stored().Failures)

	require.NoError(t, store.Reset(ctx))
	assert.False(t, store.IsCompleted("a"))
	assert.Empty(t, backend.Stored().Completed)
}

func TestExportReport(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t, 2)
	store, _ := openMemory(t)
	require.NoError(t, store.MarkCompleted(ctx, cat.Items()[1].ID(), "/b.mp3", 5))

	path, err := store.ExportReport(ctx, cat, filepath.Join(t.TempDir(), "reports"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), cat.Items()[1].ID())
}
