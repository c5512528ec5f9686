package providers

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const MockName = "mock"

// MockProvider is a scripted in-memory Provider for tests and dry runs.
// Every job succeeds after PollsUntilDone polls unless configured otherwise.
type MockProvider struct {
	// Configurable behavior
	Latency        time.Duration
	PollsUntilDone int
	Shape          ResultKind

	// SubmitErrors are returned, in order, by the first Submit calls.
	SubmitErrors []error
	// PollErrors are returned, in order, by the first PollStatus calls.
	PollErrors []error
	// FailJobs makes every job finish as Failed.
	FailJobs bool
	// Shortfall drops this many trailing artifacts from each result.
	Shortfall int
	// FailDownloads makes every DownloadResult call fail.
	FailDownloads bool
	// Hang reports whether a job should stay Running forever.
	Hang func(req *SubmitRequest) bool

	mu          sync.Mutex
	jobs        map[string]*mockJob
	byToken     map[string]string
	blobs       map[string][]byte
	submissions []SubmitRequest
	nextID      int

	submitCalls atomic.Int64
	pollCalls   atomic.Int64
}

type mockJob struct {
	req   SubmitRequest
	polls int
	hang  bool
}

// NewMockProvider creates a mock that completes jobs on the first poll.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		PollsUntilDone: 1,
		Shape:          ResultURLList,
	}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string {
	return MockName
}

// Submit records the request. Requests repeating a correlation token get the
// original job back.
func (m *MockProvider) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	m.submitCalls.Add(1)
	if err := m.sleep(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	if len(m.SubmitErrors) > 0 {
		err := m.SubmitErrors[0]
		m.SubmitErrors = m.SubmitErrors[1:]
		if err != nil {
			return "", err
		}
	}
	if req.CorrelationToken != "" {
		if id, ok := m.byToken[req.CorrelationToken]; ok {
			return id, nil
		}
	}

	m.nextID++
	id := fmt.Sprintf("mock-job-%d", m.nextID)
	cp := *req
	cp.Items = append([]SubmitItem(nil), req.Items...)
	m.jobs[id] = &mockJob{req: cp, hang: m.Hang != nil && m.Hang(&cp)}
	m.submissions = append(m.submissions, cp)
	if req.CorrelationToken != "" {
		m.byToken[req.CorrelationToken] = id
	}
	return id, nil
}

// PollStatus advances the job one poll toward completion.
func (m *MockProvider) PollStatus(ctx context.Context, jobID string) (*StatusReport, error) {
	m.pollCalls.Add(1)
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	if len(m.PollErrors) > 0 {
		err := m.PollErrors[0]
		m.PollErrors = m.PollErrors[1:]
		if err != nil {
			return nil, err
		}
	}

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, &SubmissionRejectedError{StatusCode: 404, Message: "job not found: " + jobID}
	}
	job.polls++
	if job.hang || job.polls < m.PollsUntilDone {
		return &StatusReport{Status: StatusRunning, Total: len(job.req.Items)}, nil
	}
	if m.FailJobs {
		return &StatusReport{Status: StatusFailed, Message: "mock job failed", Failed: len(job.req.Items), Total: len(job.req.Items)}, nil
	}

	n := len(job.req.Items) - m.Shortfall
	if n < 0 {
		n = 0
	}
	report := &StatusReport{Status: StatusSucceeded, Succeeded: n, Failed: len(job.req.Items) - n, Total: len(job.req.Items)}
	switch m.Shape {
	case ResultArchive:
		url := "mock://" + jobID + "/results.zip"
		if _, ok := m.blobs[url]; !ok {
			archive, err := buildMockArchive(job.req.Items[:n])
			if err != nil {
				return nil, err
			}
			m.blobs[url] = archive
		}
		report.Result = &ResultLocation{Kind: ResultArchive, URLs: []string{url}}
	default:
		loc := &ResultLocation{Kind: ResultURLList}
		for i := 0; i < n; i++ {
			item := job.req.Items[i]
			url := fmt.Sprintf("mock://%s/%04d", jobID, i+1)
			m.blobs[url] = MockAudio(item.ID)
			loc.URLs = append(loc.URLs, url)
		}
		report.Result = loc
	}
	return report, nil
}

// DownloadResult returns the stored artifact bytes.
func (m *MockProvider) DownloadResult(ctx context.Context, url string) (io.ReadCloser, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}
	if m.FailDownloads {
		return nil, &TransientError{Op: "mock download", Err: errors.New("connection reset")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[url]
	if !ok {
		return nil, fmt.Errorf("mock: no artifact at %s", url)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Submissions returns a copy of every accepted request, in order.
func (m *MockProvider) Submissions() []SubmitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SubmitRequest(nil), m.submissions...)
}

// SubmitCalls returns how many times Submit was called.
func (m *MockProvider) SubmitCalls() int64 {
	return m.submitCalls.Load()
}

// PollCalls returns how many times PollStatus was called.
func (m *MockProvider) PollCalls() int64 {
	return m.pollCalls.Load()
}

// MockAudio is the artifact content produced for an item id.
func MockAudio(id string) []byte {
	return []byte("mock-audio:" + id)
}

func (m *MockProvider) init() {
	if m.jobs == nil {
		m.jobs = make(map[string]*mockJob)
		m.byToken = make(map[string]string)
		m.blobs = make(map[string][]byte)
	}
}

func (m *MockProvider) sleep(ctx context.Context) error {
	if m.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func buildMockArchive(items []SubmitItem) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, item := range items {
		name := item.FileName
		if name == "" {
			name = fmt.Sprintf("%04d.mp3", i+1)
		}
		if !strings.HasSuffix(name, ".mp3") {
			name += ".mp3"
		}
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(MockAudio(item.ID)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var _ Provider = (*MockProvider)(nil)
