package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

const (
	OpenAIBatchName       = "openai"
	openAIDefaultModel    = openai.SpeechModelTTS1HD
	openAIDefaultVoice    = "onyx"
	openAIDefaultParallel = 4
	fileURLPrefix         = "file://"
)

// OpenAIBatchConfig holds configuration for the OpenAI batch adapter.
type OpenAIBatchConfig struct {
	APIKey      string
	Model       string  // "tts-1-hd" (default), "tts-1", "gpt-4o-mini-tts"
	Voice       string  // "onyx" (default)
	Speed       float64 // 0.25-4.0
	Concurrency int     // Parallel speech requests across all jobs
	RateLimit   float64 // Requests per second
	MaxRetries  int     // Retry attempts for SDK transport
	Timeout     time.Duration
	BaseURL     string       // Optional (tests)
	HTTPClient  *http.Client // Optional (tests)
	StagingDir  string       // Where synthesized files wait for the mapper
	Logger      *slog.Logger
}

// OpenAIBatchClient runs batch jobs on top of the synchronous speech endpoint.
// Submit returns immediately; items are synthesized in the background and the
// job reports Succeeded once every item has been attempted.
type OpenAIBatchClient struct {
	client  openai.Client
	model   string
	voice   string
	speed   float64
	staging string
	sem     *semaphore.Weighted
	limiter *RateLimiter
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*openAIJob
}

type openAIJob struct {
	status  JobStatus
	message string
	paths   []string
	pending int
	failed  int
}

// NewOpenAIBatchClient creates the adapter. Call Close to stop background work.
func NewOpenAIBatchClient(cfg OpenAIBatchConfig) (*OpenAIBatchClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.StagingDir == "" {
		return nil, errors.New("openai: staging directory is required")
	}
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = openAIDefaultVoice
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = openAIDefaultParallel
	}
	if cfg.RateLimit <= 0 {
		// Default to ~500 RPM.
		cfg.RateLimit = 8.0
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &OpenAIBatchClient{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		voice:   cfg.Voice,
		speed:   cfg.Speed,
		staging: cfg.StagingDir,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  cfg.Logger.With("provider", OpenAIBatchName),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*openAIJob),
	}, nil
}

// Name returns the provider identifier.
func (c *OpenAIBatchClient) Name() string {
	return OpenAIBatchName
}

// Limiter exposes the request limiter so callers can retune it.
func (c *OpenAIBatchClient) Limiter() *RateLimiter {
	return c.limiter
}

// Submit starts synthesizing every item and returns the job id. A repeated
// correlation token returns the existing job.
func (c *OpenAIBatchClient) Submit(_ context.Context, req *SubmitRequest) (string, error) {
	if req == nil || len(req.Items) == 0 {
		return "", &SubmissionRejectedError{StatusCode: http.StatusBadRequest, Message: "request has no items"}
	}
	if req.CorrelationToken == "" {
		return "", &SubmissionRejectedError{StatusCode: http.StatusBadRequest, Message: "correlation token is required"}
	}
	jobID := "openai-" + req.CorrelationToken

	c.mu.Lock()
	if _, ok := c.jobs[jobID]; ok {
		c.mu.Unlock()
		return jobID, nil
	}
	job := &openAIJob{
		status:  StatusRunning,
		paths:   make([]string, len(req.Items)),
		pending: len(req.Items),
	}
	c.jobs[jobID] = job
	c.mu.Unlock()

	dir := filepath.Join(c.staging, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.mu.Lock()
		delete(c.jobs, jobID)
		c.mu.Unlock()
		return "", &TransientError{Op: "openai submit", Err: err}
	}

	for i, item := range req.Items {
		c.wg.Add(1)
		go c.synthesize(jobID, dir, i, item)
	}
	c.logger.Info("submitted batch job", "job_id", jobID, "items", len(req.Items))
	return jobID, nil
}

func (c *OpenAIBatchClient) synthesize(jobID, dir string, idx int, item SubmitItem) {
	defer c.wg.Done()

	path, err := c.synthesizeOne(dir, idx, item)

	c.mu.Lock()
	defer c.mu.Unlock()
	job := c.jobs[jobID]
	if err != nil {
		job.failed++
		job.message = err.Error()
		c.logger.Warn("item synthesis failed", "job_id", jobID, "item", item.ID, "error", err)
	} else {
		job.paths[idx] = fileURLPrefix + path
	}
	job.pending--
	if job.pending == 0 {
		if job.failed == len(job.paths) {
			job.status = StatusFailed
		} else {
			job.status = StatusSucceeded
		}
	}
}

func (c *OpenAIBatchClient) synthesizeOne(dir string, idx int, item SubmitItem) (string, error) {
	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)
	if err := c.limiter.Wait(c.ctx); err != nil {
		return "", err
	}

	text := strings.TrimSpace(item.Text)
	if text == "" {
		return "", errors.New("text is required")
	}
	resp, err := c.client.Audio.Speech.New(c.ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(c.model),
		Voice:          openai.AudioSpeechNewParamsVoice(c.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
		Speed:          openai.Float(c.speed),
	})
	if err != nil {
		return "", mapOpenAIError(err)
	}
	defer resp.Body.Close()

	name := item.FileName
	if name == "" {
		name = "audio.mp3"
	}
	path := filepath.Join(dir, fmt.Sprintf("%04d_%s", idx+1, filepath.Base(name)))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("failed reading openai audio response: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// PollStatus reports job progress.
func (c *OpenAIBatchClient) PollStatus(_ context.Context, jobID string) (*StatusReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[jobID]
	if !ok {
		return nil, &SubmissionRejectedError{StatusCode: http.StatusNotFound, Message: "unknown job " + jobID}
	}
	report := &StatusReport{
		Status:    job.status,
		Message:   job.message,
		Failed:    job.failed,
		Succeeded: len(job.paths) - job.pending - job.failed,
		Total:     len(job.paths),
	}
	if job.status == StatusSucceeded {
		report.Result = &ResultLocation{Kind: ResultURLList, URLs: append([]string(nil), job.paths...)}
	}
	return report, nil
}

// DownloadResult opens a staged file.
func (c *OpenAIBatchClient) DownloadResult(_ context.Context, url string) (io.ReadCloser, error) {
	if !strings.HasPrefix(url, fileURLPrefix) {
		return nil, fmt.Errorf("openai: unsupported result url %q", url)
	}
	path := filepath.Clean(strings.TrimPrefix(url, fileURLPrefix))
	rel, err := filepath.Rel(c.staging, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("openai: result url outside staging directory: %q", url)
	}
	return os.Open(path)
}

// Close stops background synthesis and waits for it to finish.
func (c *OpenAIBatchClient) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			retryAfter := time.Duration(0)
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return &RateLimitError{
				Message:    fmt.Sprintf("OpenAI rate limited: %s", apiErr.Message),
				RetryAfter: retryAfter,
				StatusCode: apiErr.StatusCode,
			}
		}
		if apiErr.StatusCode >= 500 {
			return &TransientError{Op: "openai speech", StatusCode: apiErr.StatusCode, Err: errors.New(apiErr.Message)}
		}
		return &SubmissionRejectedError{StatusCode: apiErr.StatusCode, Message: apiErr.Message}
	}
	return &TransientError{Op: "openai speech", Err: err}
}

var _ Provider = (*OpenAIBatchClient)(nil)
