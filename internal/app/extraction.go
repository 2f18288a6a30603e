package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/pkg/provider/extract"
)

// extractKind is the provider kind label on extraction metrics.
const extractKind = "extract"

// BuildExtractor instantiates the configured extraction chain through reg.
// The primary and each fallback get their own circuit breaker and report to
// m. Returns nil when extraction is disabled.
func BuildExtractor(cfg config.ExtractionConfig, reg *config.Registry, m *observe.Metrics) (extract.Extractor, error) {
	if cfg.Disabled {
		slog.Info("post-call extraction disabled")
		return nil, nil
	}

	primary, err := reg.CreateExtractor(cfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("create extraction provider %q: %w", cfg.Primary.Name, err)
	}

	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.CircuitBreaker.MaxFailures,
			ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  cfg.CircuitBreaker.HalfOpenMax,
		},
		OnAttempt: func(name string, took time.Duration, err error) {
			ctx := context.Background()
			status := "ok"
			if err != nil {
				status = "error"
				m.RecordProviderError(ctx, name, extractKind)
			}
			m.RecordProviderRequest(ctx, name, extractKind, status)
			m.RecordProviderDuration(ctx, name, took.Seconds())
		},
	}

	chain := resilience.NewExtractorFallback(primary, entryName(cfg.Primary), fbCfg)
	slog.Info("provider created", "kind", extractKind, "name", entryName(cfg.Primary), "role", "primary")

	for i, entry := range cfg.Fallbacks {
		e, err := reg.CreateExtractor(entry)
		if err != nil {
			return nil, fmt.Errorf("create extraction fallback %d %q: %w", i, entry.Name, err)
		}
		chain.AddFallback(entryName(entry), e)
		slog.Info("provider created", "kind", extractKind, "name", entryName(entry), "role", "fallback")
	}
	return chain, nil
}

// entryName labels a backend as name/model.
func entryName(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}
