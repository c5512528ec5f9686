// Package svcctx carries the services a command needs through its context.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/narrate/internal/config"
	"github.com/jackzampolin/narrate/internal/home"
	"github.com/jackzampolin/narrate/internal/ledger"
	"github.com/jackzampolin/narrate/internal/providers"
)

// Services holds the core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Logger   *slog.Logger
	Home     *home.Dir
	Config   *config.Manager
	Ledger   *ledger.Store
	Provider providers.Provider
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// LoggerFrom extracts the logger from context, falling back to slog.Default.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

// ConfigFrom extracts the config manager from context.
func ConfigFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}

// LedgerFrom extracts the progress store from context.
func LedgerFrom(ctx context.Context) *ledger.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Ledger
	}
	return nil
}

// ProviderFrom extracts the synthesis provider from context.
func ProviderFrom(ctx context.Context) providers.Provider {
	if s := ServicesFrom(ctx); s != nil {
		return s.Provider
	}
	return nil
}
