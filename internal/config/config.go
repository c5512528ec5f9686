package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/jackzampolin/narrate/internal/batch"
	"github.com/jackzampolin/narrate/internal/home"
	"github.com/jackzampolin/narrate/internal/ledger"
	"github.com/jackzampolin/narrate/internal/providers"
)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
	logger    *slog.Logger
}

// NewManager creates a new config manager and loads initial config.
// With an empty cfgFile it searches "." and $HOME/.narrate for config.yaml.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
		logger:    slog.Default(),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// SetLogger sets the logger used for reload messages.
func (cm *Manager) SetLogger(l *slog.Logger) {
	if l != nil {
		cm.logger = l
	}
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	v := cm.v
	setDefaults(v, DefaultConfig())

	// Environment variables with NARRATE_ prefix; nested keys use underscores
	// (NARRATE_BATCH_SIZE).
	v.SetEnvPrefix("NARRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/" + home.DefaultDirName)
	}

	// Try to read config file (not required)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults registers every leaf key so env overrides apply to nested values.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("source_dir", d.SourceDir)
	v.SetDefault("output_dir", d.OutputDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("max_text_length", d.MaxTextLength)

	v.SetDefault("batch.size", d.Batch.Size)
	v.SetDefault("batch.max_concurrent_batches", d.Batch.MaxConcurrentBatches)
	v.SetDefault("batch.poll_interval", d.Batch.PollInterval)
	v.SetDefault("batch.job_timeout", d.Batch.JobTimeout)
	v.SetDefault("batch.max_retries", d.Batch.MaxRetries)
	v.SetDefault("batch.retry_delay", d.Batch.RetryDelay)
	v.SetDefault("batch.submit_attempts", d.Batch.SubmitAttempts)

	v.SetDefault("provider.type", d.Provider.Type)
	v.SetDefault("provider.rate_limit", d.Provider.RateLimit)

	v.SetDefault("azure.region", d.Azure.Region)
	v.SetDefault("azure.api_key", d.Azure.APIKey)
	v.SetDefault("azure.endpoint", d.Azure.Endpoint)
	v.SetDefault("azure.api_version", d.Azure.APIVersion)

	v.SetDefault("openai.api_key", d.OpenAI.APIKey)
	v.SetDefault("openai.model", d.OpenAI.Model)
	v.SetDefault("openai.voice", d.OpenAI.Voice)
	v.SetDefault("openai.concurrency", d.OpenAI.Concurrency)

	v.SetDefault("voice.name", d.Voice.Name)
	v.SetDefault("voice.language", d.Voice.Language)
	v.SetDefault("voice.rate", d.Voice.Rate)
	v.SetDefault("voice.pitch", d.Voice.Pitch)
	v.SetDefault("voice.output_format", d.Voice.OutputFormat)

	v.SetDefault("ledger.backend", d.Ledger.Backend)
	v.SetDefault("ledger.path", d.Ledger.Path)
	v.SetDefault("ledger.redis_addr", d.Ledger.RedisAddr)
	v.SetDefault("ledger.redis_password", d.Ledger.RedisPassword)
	v.SetDefault("ledger.redis_db", d.Ledger.RedisDB)
	v.SetDefault("ledger.redis_key", d.Ledger.RedisKey)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func (cm *Manager) ConfigFileUsed() string {
	return cm.v.ConfigFileUsed()
}

// Set overrides a key (used for command-line flags) and reloads.
func (cm *Manager) Set(key string, value any) error {
	cm.v.Set(key, value)
	cfg, err := cm.load()
	if err != nil {
		return err
	}
	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()
	return nil
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. An edit that fails to
// parse or validate is logged and the previous config stays active.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			cm.logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		cm.logger.Info("config reloaded", "file", e.Name)
		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if err := batch.ValidateSize(c.Batch.Size); err != nil {
		return fmt.Errorf("batch.size: %w", err)
	}
	if c.Batch.MaxConcurrentBatches < 1 {
		return fmt.Errorf("batch.max_concurrent_batches must be at least 1, got %d", c.Batch.MaxConcurrentBatches)
	}
	if c.Batch.PollInterval <= 0 || c.Batch.JobTimeout <= 0 {
		return fmt.Errorf("batch.poll_interval and batch.job_timeout must be positive")
	}
	if c.Batch.MaxRetries < 0 {
		return fmt.Errorf("batch.max_retries must not be negative")
	}
	known := false
	for _, name := range providers.Names() {
		if c.Provider.Type == name {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("provider.type %q is not one of %v", c.Provider.Type, providers.Names())
	}
	switch c.Ledger.Backend {
	case LedgerFile, LedgerRedis:
	default:
		return fmt.Errorf("ledger.backend %q must be %q or %q", c.Ledger.Backend, LedgerFile, LedgerRedis)
	}
	return nil
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// ProviderSettings converts the config to providers.Settings, resolving
// ${ENV_VAR} references in API keys.
func (c *Config) ProviderSettings(h *home.Dir, logger *slog.Logger) providers.Settings {
	return providers.Settings{
		Type:      c.Provider.Type,
		RateLimit: c.Provider.RateLimit,
		Azure: providers.AzureBatchConfig{
			Region:     c.Azure.Region,
			APIKey:     ResolveEnvVars(c.Azure.APIKey),
			Endpoint:   c.Azure.Endpoint,
			APIVersion: c.Azure.APIVersion,
		},
		OpenAI: providers.OpenAIBatchConfig{
			APIKey:      ResolveEnvVars(c.OpenAI.APIKey),
			Model:       c.OpenAI.Model,
			Voice:       c.OpenAI.Voice,
			Concurrency: c.OpenAI.Concurrency,
			StagingDir:  h.StagingDir(),
		},
		Logger: logger,
	}
}

// LedgerPath returns the file ledger location.
func (c *Config) LedgerPath(h *home.Dir) string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	return h.LedgerPath()
}

// AudioDir returns the output root.
func (c *Config) AudioDir(h *home.Dir) string {
	if c.OutputDir != "" {
		return c.OutputDir
	}
	return h.AudioDir()
}

// RedisConfig returns the redis ledger settings with the password resolved.
func (c *Config) RedisConfig() ledger.RedisConfig {
	return ledger.RedisConfig{
		Addr:     c.Ledger.RedisAddr,
		Password: ResolveEnvVars(c.Ledger.RedisPassword),
		DB:       c.Ledger.RedisDB,
		Key:      c.Ledger.RedisKey,
	}
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# narrate configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export AZURE_SPEECH_KEY=xxx OPENAI_API_KEY=xxx
# Any key can be overridden with NARRATE_<KEY>, e.g. NARRATE_BATCH_SIZE=50

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
