// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackzampolin/narrate/internal/catalog"
)

// Logger returns a logger that discards output unless NARRATE_TEST_VERBOSE is set.
func Logger(t testing.TB) *slog.Logger {
	t.Helper()
	if os.Getenv("NARRATE_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Items builds n synthetic work items in a single volume, chapters 1..n.
// Source paths point nowhere; use WriteNovel when text must exist on disk.
func Items(n int) []catalog.WorkItem {
	items := make([]catalog.WorkItem, n)
	for i := range items {
		ch := i + 1
		items[i] = catalog.WorkItem{
			Filename:      fmt.Sprintf("Chapter_%d_Test.txt", ch),
			VolumeName:    "01___VOLUME_1___Test",
			VolumeNumber:  1,
			ChapterNumber: ch,
			TextLength:    int64(100 + ch),
		}
	}
	return items
}

// ItemsOnDisk is Items(n) with chapter text written under a temp dir.
func ItemsOnDisk(t testing.TB, n int) []catalog.WorkItem {
	t.Helper()
	root := t.TempDir()
	items := Items(n)
	for i := range items {
		path := filepath.Join(root, items[i].Filename)
		body := fmt.Sprintf("Chapter %d. It was a dark and stormy night.", items[i].ChapterNumber)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		items[i].SourceTextPath = path
		items[i].TextLength = int64(len(body))
	}
	return items
}

// WriteNovel creates a chapter tree under root with the given number of chapters per volume
// and returns root. Chapter numbers continue across volumes.
func WriteNovel(t testing.TB, root string, chaptersPerVolume ...int) string {
	t.Helper()
	ch := 1
	for v, count := range chaptersPerVolume {
		vol := v + 1
		dir := filepath.Join(root, fmt.Sprintf("%02d___VOLUME_%d___Book", vol, vol))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
		for i := 0; i < count; i++ {
			name := fmt.Sprintf("Chapter_%d_Part_%d.txt", ch, i+1)
			body := strings.Repeat(fmt.Sprintf("Chapter %d text. ", ch), 10)
			if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
				t.Fatalf("write %s: %v", name, err)
			}
			ch++
		}
	}
	return root
}

// RedisAddr returns NARRATE_TEST_REDIS_ADDR or skips the test.
func RedisAddr(t testing.TB) string {
	t.Helper()
	addr := os.Getenv("NARRATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NARRATE_TEST_REDIS_ADDR not set")
	}
	return addr
}

// WaitFor polls cond every 10ms until it returns true or timeout elapses.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met after %v", timeout)
}
