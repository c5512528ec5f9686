package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	AzureBatchName = "azure"

	// AzureAPIVersionLegacy is the preview API addressed by POST with
	// server-assigned ids.
	AzureAPIVersionLegacy = "3.1-preview1"

	// AzureAPIVersion is the GA API. Jobs are created by PUT with a
	// caller-chosen id, so a retried submission cannot create a second job.
	AzureAPIVersion = "2024-04-01"

	azureKeyHeader   = "Ocp-Apim-Subscription-Key"
	maxResponseBytes = 4 << 20
)

// AzureBatchConfig holds configuration for the Azure batch synthesis client.
type AzureBatchConfig struct {
	Region     string
	APIKey     string
	Endpoint   string        // Optional; derived from Region when empty
	APIVersion string        // AzureAPIVersion (default) or AzureAPIVersionLegacy
	RateLimit  float64       // Requests per second
	Timeout    time.Duration // HTTP timeout
	HTTPClient *http.Client  // Optional (tests)
	Logger     *slog.Logger
}

// AzureBatchClient submits chapters to the Azure batch synthesis API.
type AzureBatchClient struct {
	endpoint   string
	apiKey     string
	apiVersion string
	client     *http.Client
	limiter    *RateLimiter
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewAzureBatchClient creates a new Azure batch client.
func NewAzureBatchClient(cfg AzureBatchConfig) (*AzureBatchClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("azure: api key is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = AzureAPIVersion
	}
	if cfg.Endpoint == "" {
		if cfg.Region == "" {
			return nil, errors.New("azure: region or endpoint is required")
		}
		if cfg.APIVersion == AzureAPIVersionLegacy {
			cfg.Endpoint = fmt.Sprintf("https://%s.customvoice.api.speech.microsoft.com", cfg.Region)
		} else {
			cfg.Endpoint = fmt.Sprintf("https://%s.api.cognitive.microsoft.com", cfg.Region)
		}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1.0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	logger := cfg.Logger.With("provider", AzureBatchName)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        AzureBatchName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Only server-side trouble counts against the breaker.
			return err == nil || !IsRetryable(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return &AzureBatchClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		client:     httpClient,
		limiter:    NewRateLimiter(cfg.RateLimit),
		breaker:    breaker,
		logger:     logger,
	}, nil
}

// Name returns the provider identifier.
func (c *AzureBatchClient) Name() string {
	return AzureBatchName
}

// Limiter exposes the request limiter so callers can retune it.
func (c *AzureBatchClient) Limiter() *RateLimiter {
	return c.limiter
}

func (c *AzureBatchClient) legacy() bool {
	return c.apiVersion == AzureAPIVersionLegacy
}

type azureInput struct {
	Text         string `json:"text,omitempty"`
	Content      string `json:"content,omitempty"`
	OutputFormat string `json:"outputFormat,omitempty"`
	FileName     string `json:"fileName,omitempty"`
}

type azureProperties struct {
	OutputFormat          string `json:"outputFormat"`
	ConcatenateResult     bool   `json:"concatenateResult"`
	DecompressOutputFiles bool   `json:"decompressOutputFiles"`
}

type azureSubmitBody struct {
	DisplayName string          `json:"displayName,omitempty"`
	Description string          `json:"description,omitempty"`
	TextType    string          `json:"textType,omitempty"`
	InputKind   string          `json:"inputKind,omitempty"`
	Inputs      []azureInput    `json:"inputs"`
	Properties  azureProperties `json:"properties"`
}

type azureJob struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	StatusMessage string `json:"statusMessage,omitempty"`
	Properties    struct {
		SucceededAudioCount int `json:"succeededAudioCount"`
		FailedAudioCount    int `json:"failedAudioCount"`
		SucceededCount      int `json:"succeededCount"`
		FailedCount         int `json:"failedCount"`
		Error               *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error,omitempty"`
	} `json:"properties"`
	Outputs struct {
		Result json.RawMessage `json:"result"`
	} `json:"outputs"`
}

// Submit creates one synthesis job covering every item in req.
func (c *AzureBatchClient) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	if req == nil || len(req.Items) == 0 {
		return "", &SubmissionRejectedError{StatusCode: http.StatusBadRequest, Message: "request has no items"}
	}
	voice := req.Voice.WithDefaults()

	body := azureSubmitBody{
		DisplayName: req.DisplayName,
		Description: req.Description,
		Properties: azureProperties{
			OutputFormat:          voice.OutputFormat,
			ConcatenateResult:     false,
			DecompressOutputFiles: c.legacy(),
		},
	}
	if body.DisplayName == "" {
		body.DisplayName = fmt.Sprintf("Batch Synthesis - %d chapters", len(req.Items))
	}
	for _, item := range req.Items {
		ssml := BuildSSML(item.Text, voice)
		if c.legacy() {
			body.Inputs = append(body.Inputs, azureInput{Text: ssml, OutputFormat: voice.OutputFormat, FileName: item.FileName})
		} else {
			body.Inputs = append(body.Inputs, azureInput{Content: ssml})
		}
	}
	if c.legacy() {
		body.TextType = "SSML"
	} else {
		body.InputKind = "SSML"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("azure: marshal submit body: %w", err)
	}

	method, target := http.MethodPost, c.endpoint+"/api/texttospeech/"+c.apiVersion+"/batchsynthesis"
	if !c.legacy() {
		if req.CorrelationToken == "" {
			return "", &SubmissionRejectedError{StatusCode: http.StatusBadRequest, Message: "correlation token is required"}
		}
		method, target = http.MethodPut, c.jobURL(req.CorrelationToken)
	}

	data, err := c.do(ctx, "azure submit", method, target, payload, req.CorrelationToken)
	if err != nil {
		var rej *SubmissionRejectedError
		if !c.legacy() && errors.As(err, &rej) && rej.StatusCode == http.StatusConflict {
			// A job with this id already exists: an earlier attempt got through.
			c.logger.Info("submission already accepted", "job_id", req.CorrelationToken)
			return req.CorrelationToken, nil
		}
		return "", err
	}

	var job azureJob
	if err := json.Unmarshal(data, &job); err != nil {
		return "", &MalformedResponseError{Op: "azure submit", Body: string(data), Err: err}
	}
	if job.ID == "" {
		if !c.legacy() {
			return req.CorrelationToken, nil
		}
		return "", &MalformedResponseError{Op: "azure submit", Body: string(data), Err: errors.New("missing job id")}
	}

	c.logger.Info("submitted batch job", "job_id", job.ID, "items", len(req.Items))
	return job.ID, nil
}

// PollStatus fetches the current job state.
func (c *AzureBatchClient) PollStatus(ctx context.Context, jobID string) (*StatusReport, error) {
	data, err := c.do(ctx, "azure poll", http.MethodGet, c.jobURL(jobID), nil, "")
	if err != nil {
		return nil, err
	}

	var job azureJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, &MalformedResponseError{Op: "azure poll", Body: string(data), Err: err}
	}

	report := &StatusReport{
		Status:    JobStatus(job.Status),
		Message:   job.StatusMessage,
		Succeeded: job.Properties.SucceededAudioCount + job.Properties.SucceededCount,
		Failed:    job.Properties.FailedAudioCount + job.Properties.FailedCount,
	}
	report.Total = report.Succeeded + report.Failed
	if job.Properties.Error != nil && job.Properties.Error.Message != "" {
		report.Message = job.Properties.Error.Message
	}

	switch report.Status {
	case StatusNotStarted, StatusRunning, StatusFailed:
	case StatusSucceeded:
		loc, err := parseAzureResult(job.Outputs.Result)
		if err != nil {
			return nil, &MalformedResponseError{Op: "azure poll", Body: string(data), Err: err}
		}
		report.Result = loc
	default:
		return nil, &MalformedResponseError{Op: "azure poll", Body: string(data), Err: fmt.Errorf("unknown status %q", job.Status)}
	}
	return report, nil
}

// parseAzureResult accepts either a single archive URL or a list of per-item
// entries, each a URL string or an object with downloadUrl.
func parseAzureResult(raw json.RawMessage) (*ResultLocation, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("succeeded job has no result")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, errors.New("empty result url")
		}
		return &ResultLocation{Kind: ResultArchive, URLs: []string{single}}, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("unrecognized result shape: %w", err)
	}
	loc := &ResultLocation{Kind: ResultURLList, URLs: make([]string, 0, len(entries))}
	for _, entry := range entries {
		var s string
		if err := json.Unmarshal(entry, &s); err == nil {
			loc.URLs = append(loc.URLs, s)
			continue
		}
		var obj struct {
			DownloadURL string `json:"downloadUrl"`
		}
		if err := json.Unmarshal(entry, &obj); err != nil {
			return nil, fmt.Errorf("unrecognized result entry: %w", err)
		}
		loc.URLs = append(loc.URLs, obj.DownloadURL)
	}
	return loc, nil
}

// DownloadResult opens a result URL. Result URLs are pre-signed, so no key is sent.
func (c *AzureBatchClient) DownloadResult(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("azure: bad result url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: build download request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "azure download", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, classifyStatus("azure download", resp, data)
	}
	return resp.Body, nil
}

func (c *AzureBatchClient) jobURL(jobID string) string {
	if c.legacy() {
		return c.endpoint + "/api/texttospeech/" + c.apiVersion + "/batchsynthesis/" + url.PathEscape(jobID)
	}
	return c.endpoint + "/texttospeech/batchsyntheses/" + url.PathEscape(jobID) + "?api-version=" + url.QueryEscape(c.apiVersion)
}

// do sends one API request through the rate limiter and circuit breaker and
// returns the response body of a 2xx response.
func (c *AzureBatchClient) do(ctx context.Context, op, method, target string, body []byte, token string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, fmt.Errorf("%s: build request: %w", op, err)
		}
		req.Header.Set(azureKeyHeader, c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("X-Correlation-Id", token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, &TransientError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, &TransientError{Op: op, StatusCode: resp.StatusCode, Err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, classifyStatus(op, resp, data)
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TransientError{Op: op, Err: err}
		}
		if rle, ok := IsRateLimitError(err); ok {
			c.limiter.Record429(rle.RetryAfter)
		}
		return nil, err
	}
	return out.([]byte), nil
}

var _ Provider = (*AzureBatchClient)(nil)
