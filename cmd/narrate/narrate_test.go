package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackzampolin/narrate/internal/catalog"
	"github.com/jackzampolin/narrate/internal/config"
	"github.com/jackzampolin/narrate/internal/jobs"
	"github.com/jackzampolin/narrate/internal/ledger"
	"github.com/jackzampolin/narrate/internal/testutil"
)

func execCLI(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

// The commands share package-level flag state, so the whole CLI flow runs
// in one test.
func TestCLIFlow(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	home := t.TempDir()
	audio := t.TempDir()
	t.Setenv("NARRATE_OUTPUT_DIR", audio)
	src := testutil.WriteNovel(t, t.TempDir(), 3, 2)

	if err := execCLI(t, "--home", home, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if err := execCLI(t, "--home", home, "config", "init"); err == nil {
		t.Fatal("second config init without --force should fail")
	}

	run := []string{"--home", home, "-o", "json", "run", "--source", src, "--provider", "mock", "--batch-size", "2"}
	if err := execCLI(t, run...); err != nil {
		t.Fatalf("run: %v", err)
	}

	store, err := ledger.Open(context.Background(), ledger.NewFileBackend(filepath.Join(home, "ledger.json")), testutil.Logger(t))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	snap := store.Snapshot()
	if len(snap.Completed) != 5 {
		t.Fatalf("completed = %d, want 5", len(snap.Completed))
	}
	for id, rec := range snap.Completed {
		if !strings.HasPrefix(rec.OutputArtifactPath, audio) {
			t.Errorf("%s written to %s, want under %s", id, rec.OutputArtifactPath, audio)
		}
		if _, err := os.Stat(rec.OutputArtifactPath); err != nil {
			t.Errorf("%s: %v", id, err)
		}
	}

	// Nothing is pending, so a second run is a no-op.
	if err := execCLI(t, run...); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if err := execCLI(t, "--home", home, "-o", "json", "status", "--source", src); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := execCLI(t, "--home", home, "-o", "json", "report"); err == nil {
		t.Fatal("report without a source directory should fail")
	}
	if err := execCLI(t, "--home", home, "reset"); err == nil {
		t.Fatal("reset without --yes should fail")
	}
	if err := execCLI(t, "--home", home, "reset", "--failed-only"); err != nil {
		t.Fatalf("reset --failed-only: %v", err)
	}
}

func newTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	s, err := ledger.Open(context.Background(), ledger.NewMemoryBackend(nil), testutil.Logger(t))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPendingItemsSkipsExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	items := testutil.Items(4)
	cat, err := catalog.New(items)
	if err != nil {
		t.Fatal(err)
	}
	store := newTestStore(t)
	if err := store.MarkCompleted(ctx, items[0].ID(), "/a.mp3", 10); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := store.MarkFailed(ctx, items[1].ID(), "boom", ledger.KindJobFailed); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.MarkFailed(ctx, items[2].ID(), "boom", ledger.KindJobFailed); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Batch.MaxRetries = 2

	got := ids(pendingItems(store, cat, cfg))
	want := []string{items[2].ID(), items[3].ID()}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("pending = %v, want %v", got, want)
	}

	got = ids(retryItems(store, cat, cfg))
	if len(got) != 1 || got[0] != items[2].ID() {
		t.Errorf("retry = %v, want [%s]", got, items[2].ID())
	}
}

func ids(items []catalog.WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID()
	}
	return out
}

func TestRunReportBoundsFailedList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	var failed []string
	for _, it := range testutil.Items(5) {
		if err := store.MarkFailed(ctx, it.ID(), "voice unavailable", ledger.KindJobFailed); err != nil {
			t.Fatal(err)
		}
		failed = append(failed, it.ID())
	}
	sum := jobs.Summary{RunID: "r1", TotalAttempted: 5, Failed: 5, FailedItems: failed}

	r := newRunReport(sum, store, 2)
	if len(r.Failed) != 2 || r.MoreFailed != 3 {
		t.Fatalf("listed %d, more %d; want 2 and 3", len(r.Failed), r.MoreFailed)
	}
	if r.Failed[0].Kind != ledger.KindJobFailed || r.Failed[0].Attempts != 1 {
		t.Errorf("failed[0] = %+v", r.Failed[0])
	}

	var buf bytes.Buffer
	if err := r.RenderText(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, failed[0]) || strings.Contains(out, failed[4]) {
		t.Errorf("unexpected failed list:\n%s", out)
	}
	if !strings.Contains(out, "and 3 more") {
		t.Errorf("missing overflow line:\n%s", out)
	}
}

func TestNewPlan(t *testing.T) {
	p, err := newPlan(testutil.Items(5), 2)
	if err != nil {
		t.Fatal(err)
	}
	if p.Items != 5 || len(p.Batches) != 3 || len(p.Batches[2].IDs) != 1 {
		t.Errorf("plan = %+v", p)
	}
	if _, err := newPlan(testutil.Items(1), 0); err == nil {
		t.Error("expected invalid size error")
	}
}

func TestRedact(t *testing.T) {
	cases := map[string]string{
		"":                    "",
		"${AZURE_SPEECH_KEY}": "${AZURE_SPEECH_KEY}",
		"sk-secret":           "****",
	}
	for in, want := range cases {
		if got := redact(in); got != want {
			t.Errorf("redact(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("line one\nline two", 10); got != "line on..." {
		t.Errorf("got %q", got)
	}
}
