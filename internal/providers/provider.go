package providers

import (
	"context"
	"io"
)

// Provider is an asynchronous batch speech-synthesis service.
//
// One Submit call creates one provider-side job covering every item in the
// request. Results come back in the order the items were submitted.
type Provider interface {
	// Name returns the provider identifier (e.g., "azure").
	Name() string

	// Submit creates a job and returns its provider-assigned id.
	Submit(ctx context.Context, req *SubmitRequest) (string, error)

	// PollStatus reports the current state of a job.
	PollStatus(ctx context.Context, jobID string) (*StatusReport, error)

	// DownloadResult opens one result location returned by PollStatus.
	DownloadResult(ctx context.Context, url string) (io.ReadCloser, error)
}

// VoiceConfig selects the voice and prosody for a job.
type VoiceConfig struct {
	Name         string `mapstructure:"name" yaml:"name" json:"name"`
	Language     string `mapstructure:"language" yaml:"language" json:"language"`
	Rate         string `mapstructure:"rate" yaml:"rate" json:"rate"`
	Pitch        string `mapstructure:"pitch" yaml:"pitch" json:"pitch"`
	OutputFormat string `mapstructure:"output_format" yaml:"output_format" json:"output_format"`
}

// Voice defaults.
const (
	DefaultVoiceName    = "en-US-SteffanNeural"
	DefaultLanguage     = "en-US"
	DefaultRate         = "+0%"
	DefaultPitch        = "+0Hz"
	DefaultOutputFormat = "audio-24khz-160kbitrate-mono-mp3"
)

// WithDefaults fills empty fields.
func (v VoiceConfig) WithDefaults() VoiceConfig {
	if v.Name == "" {
		v.Name = DefaultVoiceName
	}
	if v.Language == "" {
		v.Language = DefaultLanguage
	}
	if v.Rate == "" {
		v.Rate = DefaultRate
	}
	if v.Pitch == "" {
		v.Pitch = DefaultPitch
	}
	if v.OutputFormat == "" {
		v.OutputFormat = DefaultOutputFormat
	}
	return v
}

// SubmitItem is one unit of text within a job.
type SubmitItem struct {
	// ID is the caller's work item id.
	ID string
	// Text is plain text; providers handle markup themselves.
	Text string
	// FileName is the preferred artifact name.
	FileName string
}

// SubmitRequest describes one job.
type SubmitRequest struct {
	DisplayName string
	Description string

	// CorrelationToken is stable across retries of the same submission.
	// Providers that deduplicate use it to avoid creating a second job.
	CorrelationToken string

	Items []SubmitItem
	Voice VoiceConfig
}

// JobStatus is the provider-reported job state.
type JobStatus string

const (
	StatusNotStarted JobStatus = "NotStarted"
	StatusRunning    JobStatus = "Running"
	StatusSucceeded  JobStatus = "Succeeded"
	StatusFailed     JobStatus = "Failed"
)

// Terminal reports whether no further transitions happen.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ResultKind is the shape of a job's output.
type ResultKind string

const (
	// ResultArchive is a single archive holding one artifact per item.
	ResultArchive ResultKind = "archive"
	// ResultURLList is one download location per item, in submission order.
	// An empty entry means the item produced no artifact.
	ResultURLList ResultKind = "url_list"
)

// ResultLocation points at a job's output.
type ResultLocation struct {
	Kind ResultKind `json:"kind"`
	URLs []string   `json:"urls"`
}

// StatusReport is one poll response.
type StatusReport struct {
	Status    JobStatus       `json:"status"`
	Message   string          `json:"message,omitempty"`
	Result    *ResultLocation `json:"result,omitempty"`
	Succeeded int             `json:"succeeded,omitempty"`
	Failed    int             `json:"failed,omitempty"`
	Total     int             `json:"total,omitempty"`
}
