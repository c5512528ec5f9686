package config

import (
	"time"

	"github.com/jackzampolin/narrate/internal/batch"
	"github.com/jackzampolin/narrate/internal/catalog"
	"github.com/jackzampolin/narrate/internal/jobs"
	"github.com/jackzampolin/narrate/internal/ledger"
	"github.com/jackzampolin/narrate/internal/providers"
)

// Config holds narrate configuration.
// Stored at: {home}/config.yaml
type Config struct {
	// SourceDir is the novel root holding one directory per volume.
	SourceDir string `mapstructure:"source_dir" yaml:"source_dir"`
	// OutputDir is the audio root. Empty means {home}/audio.
	OutputDir     string `mapstructure:"output_dir" yaml:"output_dir"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	MaxTextLength int    `mapstructure:"max_text_length" yaml:"max_text_length"`

	Batch    BatchCfg              `mapstructure:"batch" yaml:"batch"`
	Provider ProviderCfg           `mapstructure:"provider" yaml:"provider"`
	Azure    AzureCfg              `mapstructure:"azure" yaml:"azure"`
	OpenAI   OpenAICfg             `mapstructure:"openai" yaml:"openai"`
	Voice    providers.VoiceConfig `mapstructure:"voice" yaml:"voice"`
	Ledger   LedgerCfg             `mapstructure:"ledger" yaml:"ledger"`
	Metrics  MetricsCfg            `mapstructure:"metrics" yaml:"metrics"`
}

// BatchCfg controls partitioning, concurrency and job timing.
type BatchCfg struct {
	Size                 int           `mapstructure:"size" yaml:"size"`
	MaxConcurrentBatches int           `mapstructure:"max_concurrent_batches" yaml:"max_concurrent_batches"`
	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	JobTimeout           time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
	MaxRetries           int           `mapstructure:"max_retries" yaml:"max_retries"` // failures before an item stops being retried
	RetryDelay           time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	SubmitAttempts       int           `mapstructure:"submit_attempts" yaml:"submit_attempts"`
}

// MarshalYAML writes durations as strings ("30s") instead of nanoseconds.
func (b BatchCfg) MarshalYAML() (interface{}, error) {
	return struct {
		Size                 int    `yaml:"size"`
		MaxConcurrentBatches int    `yaml:"max_concurrent_batches"`
		PollInterval         string `yaml:"poll_interval"`
		JobTimeout           string `yaml:"job_timeout"`
		MaxRetries           int    `yaml:"max_retries"`
		RetryDelay           string `yaml:"retry_delay"`
		SubmitAttempts       int    `yaml:"submit_attempts"`
	}{
		Size:                 b.Size,
		MaxConcurrentBatches: b.MaxConcurrentBatches,
		PollInterval:         b.PollInterval.String(),
		JobTimeout:           b.JobTimeout.String(),
		MaxRetries:           b.MaxRetries,
		RetryDelay:           b.RetryDelay.String(),
		SubmitAttempts:       b.SubmitAttempts,
	}, nil
}

// ProviderCfg selects the synthesis backend.
type ProviderCfg struct {
	Type      string  `mapstructure:"type" yaml:"type"`             // "azure", "openai", "mock"
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per second
}

// AzureCfg configures the Azure batch synthesis API.
type AzureCfg struct {
	Region     string `mapstructure:"region" yaml:"region"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key"` // API key (supports ${ENV_VAR} syntax)
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint"`
	APIVersion string `mapstructure:"api_version" yaml:"api_version"`
}

// OpenAICfg configures the OpenAI speech fallback.
type OpenAICfg struct {
	APIKey      string `mapstructure:"api_key" yaml:"api_key"` // API key (supports ${ENV_VAR} syntax)
	Model       string `mapstructure:"model" yaml:"model"`
	Voice       string `mapstructure:"voice" yaml:"voice"`
	Concurrency int    `mapstructure:"concurrency" yaml:"concurrency"`
}

// LedgerCfg selects where progress is persisted.
type LedgerCfg struct {
	Backend       string `mapstructure:"backend" yaml:"backend"` // "file" or "redis"
	Path          string `mapstructure:"path" yaml:"path"`       // file backend; empty means {home}/ledger.json
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisKey      string `mapstructure:"redis_key" yaml:"redis_key"`
}

// MetricsCfg configures the Prometheus endpoint.
type MetricsCfg struct {
	Addr string `mapstructure:"addr" yaml:"addr"` // empty disables /metrics
}

// Ledger backends.
const (
	LedgerFile  = "file"
	LedgerRedis = "redis"
)

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:      "info",
		MaxTextLength: catalog.DefaultMaxTextLength,
		Batch: BatchCfg{
			Size:                 batch.DefaultSize,
			MaxConcurrentBatches: jobs.DefaultMaxConcurrentBatches,
			PollInterval:         jobs.DefaultPollInterval,
			JobTimeout:           jobs.DefaultJobTimeout,
			MaxRetries:           3,
			RetryDelay:           jobs.DefaultRetryDelay,
			SubmitAttempts:       jobs.DefaultSubmitAttempts,
		},
		Provider: ProviderCfg{
			Type:      providers.AzureBatchName,
			RateLimit: 2,
		},
		Azure: AzureCfg{
			Region:     "eastus",
			APIKey:     "${AZURE_SPEECH_KEY}",
			APIVersion: providers.AzureAPIVersion,
		},
		OpenAI: OpenAICfg{
			APIKey:      "${OPENAI_API_KEY}",
			Model:       "tts-1-hd",
			Voice:       "onyx",
			Concurrency: 4,
		},
		Voice: providers.VoiceConfig{}.WithDefaults(),
		Ledger: LedgerCfg{
			Backend:   LedgerFile,
			RedisAddr: "localhost:6379",
			RedisKey:  ledger.DefaultRedisKey,
		},
	}
}
