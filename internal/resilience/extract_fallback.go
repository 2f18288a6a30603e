package resilience

import (
	"context"

	"github.com/MrWong99/callbridge/pkg/provider/extract"
)

// ExtractorFallback implements [extract.Extractor] with automatic failover
// across extraction backends. Each backend has its own circuit breaker; when
// the primary fails or its breaker is open, the next healthy fallback is tried.
type ExtractorFallback struct {
	group *FallbackGroup[extract.Extractor]
}

var _ extract.Extractor = (*ExtractorFallback)(nil)

// NewExtractorFallback creates an [ExtractorFallback] with primary as the
// preferred backend.
func NewExtractorFallback(primary extract.Extractor, primaryName string, cfg FallbackConfig) *ExtractorFallback {
	return &ExtractorFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional extraction backend.
func (f *ExtractorFallback) AddFallback(name string, e extract.Extractor) {
	f.group.AddFallback(name, e)
}

// Extract implements extract.Extractor.
func (f *ExtractorFallback) Extract(ctx context.Context, transcript string) (extract.CallDetails, error) {
	d, _, err := f.ExtractNamed(ctx, transcript)
	return d, err
}

// ExtractNamed is Extract that also reports which backend produced the result.
func (f *ExtractorFallback) ExtractNamed(ctx context.Context, transcript string) (extract.CallDetails, string, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, e extract.Extractor) (extract.CallDetails, error) {
		return e.Extract(ctx, transcript)
	})
}

// Status reports the breaker state of every backend, primary first.
func (f *ExtractorFallback) Status() []EntryStatus { return f.group.Status() }

// Available reports whether any backend would currently accept a request.
func (f *ExtractorFallback) Available() bool { return f.group.Available() }
