package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestAzure(t *testing.T, url, version string) *AzureBatchClient {
	t.Helper()
	c, err := NewAzureBatchClient(AzureBatchConfig{
		APIKey:     "test-key",
		Endpoint:   url,
		APIVersion: version,
		RateLimit:  1000,
	})
	if err != nil {
		t.Fatalf("NewAzureBatchClient() error = %v", err)
	}
	return c
}

func testRequest() *SubmitRequest {
	return &SubmitRequest{
		CorrelationToken: "tok-123",
		Items: []SubmitItem{
			{ID: "01_001_a.txt", Text: "Hello & welcome.", FileName: "a.mp3"},
			{ID: "01_002_b.txt", Text: "Second chapter.", FileName: "b.mp3"},
		},
	}
}

func TestAzureSubmitPut(t *testing.T) {
	var body azureSubmitBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/texttospeech/batchsyntheses/tok-123" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("api-version"); got != AzureAPIVersion {
			t.Fatalf("unexpected api-version: %s", got)
		}
		if got := r.Header.Get(azureKeyHeader); got != "test-key" {
			t.Fatalf("missing subscription key, got %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"tok-123","status":"NotStarted"}`))
	}))
	defer server.Close()

	c := newTestAzure(t, server.URL, "")
	id, err := c.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "tok-123" {
		t.Fatalf("expected job id tok-123, got %q", id)
	}
	if len(body.Inputs) != 2 {
		t.Fatalf("expected 2 inputs in one request, got %d", len(body.Inputs))
	}
	if body.InputKind != "SSML" {
		t.Fatalf("expected inputKind SSML, got %q", body.InputKind)
	}
	if !strings.Contains(body.Inputs[0].Content, "Hello &amp; welcome.") {
		t.Fatalf("expected escaped text in SSML, got %q", body.Inputs[0].Content)
	}
	if body.Properties.ConcatenateResult {
		t.Fatal("expected concatenateResult=false")
	}
}

func TestAzureSubmitLegacy(t *testing.T) {
	var body azureSubmitBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/texttospeech/3.1-preview1/batchsynthesis" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"server-id"}`))
	}))
	defer server.Close()

	c := newTestAzure(t, server.URL, AzureAPIVersionLegacy)
	id, err := c.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "server-id" {
		t.Fatalf("expected server-id, got %q", id)
	}
	if body.Inputs[1].FileName != "b.mp3" || body.Inputs[1].Text == "" {
		t.Fatalf("unexpected legacy input: %+v", body.Inputs[1])
	}
	if !body.Properties.DecompressOutputFiles {
		t.Fatal("expected decompressOutputFiles=true for legacy API")
	}
}

func TestAzureSubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		header map[string]string
		check  func(t *testing.T, id string, err error)
	}{
		{
			name:   "rejected",
			status: http.StatusBadRequest,
			body:   `{"error":"bad ssml"}`,
			check: func(t *testing.T, _ string, err error) {
				if !IsRejected(err) || IsRetryable(err) {
					t.Fatalf("expected non-retryable rejection, got %T: %v", err, err)
				}
			},
		},
		{
			name:   "server error",
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, _ string, err error) {
				var te *TransientError
				if !errors.As(err, &te) {
					t.Fatalf("expected TransientError, got %T: %v", err, err)
				}
			},
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			header: map[string]string{"Retry-After": "2"},
			check: func(t *testing.T, _ string, err error) {
				rle, ok := IsRateLimitError(err)
				if !ok {
					t.Fatalf("expected RateLimitError, got %T: %v", err, err)
				}
				if rle.RetryAfter != 2*time.Second {
					t.Fatalf("expected RetryAfter=2s, got %v", rle.RetryAfter)
				}
			},
		},
		{
			name:   "malformed",
			status: http.StatusCreated,
			body:   `not json`,
			check: func(t *testing.T, _ string, err error) {
				var me *MalformedResponseError
				if !errors.As(err, &me) || !IsRetryable(err) {
					t.Fatalf("expected retryable MalformedResponseError, got %T: %v", err, err)
				}
			},
		},
		{
			name:   "conflict means already submitted",
			status: http.StatusConflict,
			check: func(t *testing.T, id string, err error) {
				if err != nil || id != "tok-123" {
					t.Fatalf("expected existing job id, got %q, %v", id, err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := newTestAzure(t, server.URL, "")
			id, err := c.Submit(context.Background(), testRequest())
			tt.check(t, id, err)
		})
	}
}

func TestAzurePollStatus(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			_, _ = w.Write([]byte(`{"id":"j","status":"Running"}`))
		case 2:
			_, _ = w.Write([]byte(`{"id":"j","status":"Succeeded","properties":{"succeededAudioCount":2},"outputs":{"result":"https://blob/results.zip"}}`))
		case 3:
			_, _ = w.Write([]byte(`{"id":"j","status":"Succeeded","outputs":{"result":[{"downloadUrl":"https://blob/1.mp3"},"https://blob/2.mp3"]}}`))
		default:
			_, _ = w.Write([]byte(`{"id":"j","status":"Failed","properties":{"error":{"code":"InvalidSsml","message":"bad voice"}}}`))
		}
	}))
	defer server.Close()

	c := newTestAzure(t, server.URL, "")
	ctx := context.Background()

	report, err := c.PollStatus(ctx, "j")
	if err != nil || report.Status != StatusRunning {
		t.Fatalf("expected Running, got %+v, %v", report, err)
	}

	report, err = c.PollStatus(ctx, "j")
	if err != nil {
		t.Fatalf("PollStatus() error = %v", err)
	}
	if report.Result == nil || report.Result.Kind != ResultArchive || report.Result.URLs[0] != "https://blob/results.zip" {
		t.Fatalf("expected archive result, got %+v", report.Result)
	}
	if report.Succeeded != 2 {
		t.Fatalf("expected 2 succeeded, got %d", report.Succeeded)
	}

	report, err = c.PollStatus(ctx, "j")
	if err != nil {
		t.Fatalf("PollStatus() error = %v", err)
	}
	if report.Result.Kind != ResultURLList || len(report.Result.URLs) != 2 || report.Result.URLs[0] != "https://blob/1.mp3" {
		t.Fatalf("expected per-item urls, got %+v", report.Result)
	}

	report, err = c.PollStatus(ctx, "j")
	if err != nil {
		t.Fatalf("PollStatus() error = %v", err)
	}
	if report.Status != StatusFailed || report.Message != "bad voice" {
		t.Fatalf("expected Failed with message, got %+v", report)
	}
}

func TestAzurePollUnknownStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"j","status":"Exploded"}`))
	}))
	defer server.Close()

	_, err := newTestAzure(t, server.URL, "").PollStatus(context.Background(), "j")
	var me *MalformedResponseError
	if !errors.As(err, &me) {
		t.Fatalf("expected MalformedResponseError, got %T: %v", err, err)
	}
}

func TestAzureDownloadResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(azureKeyHeader) != "" {
			t.Fatal("download must not send the subscription key")
		}
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("audio"))
	}))
	defer server.Close()

	c := newTestAzure(t, server.URL, "")
	rc, err := c.DownloadResult(context.Background(), server.URL+"/1.mp3")
	if err != nil {
		t.Fatalf("DownloadResult() error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "audio" {
		t.Fatalf("unexpected body %q", data)
	}

	if _, err := c.DownloadResult(context.Background(), server.URL+"/missing"); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestAzureBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestAzure(t, server.URL, "")
	for i := 0; i < 8; i++ {
		_, err := c.PollStatus(context.Background(), "j")
		if !IsRetryable(err) {
			t.Fatalf("call %d: expected retryable error, got %v", i, err)
		}
	}
	if got := calls.Load(); got != 5 {
		t.Fatalf("expected breaker to stop calls after 5 failures, server saw %d", got)
	}
}

func TestNewAzureBatchClientValidation(t *testing.T) {
	if _, err := NewAzureBatchClient(AzureBatchConfig{Region: "eastus"}); err == nil {
		t.Fatal("expected error without api key")
	}
	if _, err := NewAzureBatchClient(AzureBatchConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected error without region or endpoint")
	}
	c, err := NewAzureBatchClient(AzureBatchConfig{APIKey: "k", Region: "eastus", APIVersion: AzureAPIVersionLegacy})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.endpoint != "https://eastus.customvoice.api.speech.microsoft.com" {
		t.Fatalf("unexpected endpoint %s", c.endpoint)
	}
}
