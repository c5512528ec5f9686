package svcctx

import (
	"context"
	"log/slog"
	"testing"

	"github.com/jackzampolin/narrate/internal/providers"
)

func TestServicesRoundTrip(t *testing.T) {
	ctx := context.Background()
	if ServicesFrom(ctx) != nil || LedgerFrom(ctx) != nil || ProviderFrom(ctx) != nil {
		t.Fatal("expected nil services on bare context")
	}
	if LoggerFrom(ctx) != slog.Default() {
		t.Error("expected default logger fallback")
	}

	mock := providers.NewMockProvider()
	ctx = WithServices(ctx, &Services{Provider: mock})
	if ProviderFrom(ctx) != mock {
		t.Error("provider not carried")
	}
	if HomeFrom(ctx) != nil || ConfigFrom(ctx) != nil {
		t.Error("unset fields should be nil")
	}
}
