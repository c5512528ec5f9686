package providers

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
)

// Settings selects and configures a provider.
type Settings struct {
	Type      string
	RateLimit float64
	Azure     AzureBatchConfig
	OpenAI    OpenAIBatchConfig
	Logger    *slog.Logger
}

// Tunable is implemented by providers whose request rate can change at runtime.
type Tunable interface {
	Limiter() *RateLimiter
}

type factory func(Settings) (Provider, error)

var factories = map[string]factory{
	AzureBatchName: func(s Settings) (Provider, error) {
		cfg := s.Azure
		if cfg.RateLimit == 0 {
			cfg.RateLimit = s.RateLimit
		}
		if cfg.Logger == nil {
			cfg.Logger = s.Logger
		}
		return NewAzureBatchClient(cfg)
	},
	OpenAIBatchName: func(s Settings) (Provider, error) {
		cfg := s.OpenAI
		if cfg.RateLimit == 0 {
			cfg.RateLimit = s.RateLimit
		}
		if cfg.Logger == nil {
			cfg.Logger = s.Logger
		}
		return NewOpenAIBatchClient(cfg)
	},
	MockName: func(Settings) (Provider, error) {
		return NewMockProvider(), nil
	},
}

// New builds the provider named by s.Type.
func New(s Settings) (Provider, error) {
	f, ok := factories[s.Type]
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q (available: %v)", s.Type, Names())
	}
	p, err := f(s)
	if err != nil {
		return nil, err
	}
	if s.Logger != nil {
		s.Logger.Info("provider ready", "type", s.Type)
	}
	return p, nil
}

// Names lists the known provider types.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases provider resources when the provider holds any.
func Close(p Provider) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
