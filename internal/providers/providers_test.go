package providers

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestBuildSSML(t *testing.T) {
	got := BuildSSML(`Tom said "hi" <loudly> & left`, VoiceConfig{Name: "en-GB-RyanNeural"})
	want := "<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'>" +
		"<voice name='en-GB-RyanNeural'><prosody rate='+0%' pitch='+0Hz'>" +
		"Tom said &#34;hi&#34; &lt;loudly&gt; &amp; left</prosody></voice></speak>"
	if got != want {
		t.Fatalf("BuildSSML() =\n%s\nwant\n%s", got, want)
	}
}

func TestVoiceDefaults(t *testing.T) {
	v := VoiceConfig{Rate: "+10%"}.WithDefaults()
	if v.Name != DefaultVoiceName || v.Rate != "+10%" || v.OutputFormat != DefaultOutputFormat {
		t.Fatalf("unexpected defaults: %+v", v)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("expected 3s, got %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
	future := time.Now().Add(time.Minute).UTC().Format(time.RFC1123)
	future = strings.Replace(future, "UTC", "GMT", 1)
	if got := parseRetryAfter(future); got <= 0 || got > time.Minute {
		t.Fatalf("expected positive duration, got %v", got)
	}
}

func TestRateLimiter(t *testing.T) {
	t.Run("burst then wait", func(t *testing.T) {
		r := NewRateLimiter(2)
		if !r.TryConsume() || !r.TryConsume() {
			t.Fatal("expected two tokens available")
		}
		if r.TryConsume() {
			t.Fatal("expected bucket to be empty")
		}

		start := time.Now()
		if err := r.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
			t.Fatalf("expected to wait for refill, waited %v", elapsed)
		}
	})

	t.Run("wait honors context", func(t *testing.T) {
		r := NewRateLimiter(0.1)
		r.TryConsume()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	})

	t.Run("set rate", func(t *testing.T) {
		r := NewRateLimiter(10)
		r.SetRate(1)
		if s := r.Status(); s.RatePerSecond != 1 || s.TokensAvailable > 1 {
			t.Fatalf("unexpected status after SetRate: %+v", s)
		}
	})

	t.Run("429 drains", func(t *testing.T) {
		r := NewRateLimiter(100)
		r.Record429(time.Second)
		if r.TryConsume() {
			t.Fatal("expected no tokens after 429")
		}
		if r.Status().Last429Time.IsZero() {
			t.Fatal("expected Last429Time to be set")
		}
	})
}

func TestMockProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("dedupes by token", func(t *testing.T) {
		m := NewMockProvider()
		id1, _ := m.Submit(ctx, testRequest())
		id2, _ := m.Submit(ctx, testRequest())
		if id1 != id2 || len(m.Submissions()) != 1 {
			t.Fatalf("expected one job, got %s %s (%d submissions)", id1, id2, len(m.Submissions()))
		}
	})

	t.Run("archive shape", func(t *testing.T) {
		m := NewMockProvider()
		m.Shape = ResultArchive
		id, _ := m.Submit(ctx, testRequest())
		report, err := m.PollStatus(ctx, id)
		if err != nil || report.Result.Kind != ResultArchive {
			t.Fatalf("expected archive result, got %+v, %v", report, err)
		}
		rc, err := m.DownloadResult(ctx, report.Result.URLs[0])
		if err != nil {
			t.Fatalf("DownloadResult() error = %v", err)
		}
		data, _ := io.ReadAll(rc)
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			t.Fatalf("zip.NewReader() error = %v", err)
		}
		if len(zr.File) != 2 || zr.File[0].Name != "a.mp3" {
			t.Fatalf("unexpected archive contents: %d files", len(zr.File))
		}
	})

	t.Run("shortfall", func(t *testing.T) {
		m := NewMockProvider()
		m.Shortfall = 1
		id, _ := m.Submit(ctx, testRequest())
		report, _ := m.PollStatus(ctx, id)
		if len(report.Result.URLs) != 1 {
			t.Fatalf("expected 1 url, got %d", len(report.Result.URLs))
		}
	})
}

func TestNewProvider(t *testing.T) {
	p, err := New(Settings{Type: MockName})
	if err != nil || p.Name() != MockName {
		t.Fatalf("expected mock provider, got %v, %v", p, err)
	}
	if _, err := New(Settings{Type: "nope"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := New(Settings{Type: AzureBatchName}); err == nil {
		t.Fatal("expected error for azure without key")
	}
	p, err = New(Settings{Type: AzureBatchName, RateLimit: 5, Azure: AzureBatchConfig{APIKey: "k", Region: "westus"}})
	if err != nil {
		t.Fatalf("New(azure) error = %v", err)
	}
	tun, ok := p.(Tunable)
	if !ok || tun.Limiter().Status().RatePerSecond != 5 {
		t.Fatal("expected tunable azure provider with rate 5")
	}
	if err := Close(p); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
