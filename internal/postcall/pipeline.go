// Package postcall runs the work that follows every finished call: extract
// the caller's details from the transcript and persist both.
//
// The relay hands over a sealed transcript with [Pipeline.Submit] and never
// looks back. Jobs run in tracked background goroutines so shutdown can wait
// for them with [Pipeline.Wait]. Failures are logged and counted, never
// returned to the relay.
package postcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/callstore"
	"github.com/MrWong99/callbridge/pkg/provider/extract"
)

// DefaultTimeout bounds one job, extraction and save together.
const DefaultTimeout = 60 * time.Second

// Outcome is the final result of one job, used as the metric label.
type Outcome string

const (
	OutcomeSaved          Outcome = "saved"
	OutcomeSavedNoDetails Outcome = "saved_without_details"
	OutcomeExtracted      Outcome = "extracted"
	OutcomeDiscarded      Outcome = "discarded"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeExtractFailed  Outcome = "extract_failed"
	OutcomeSaveFailed     Outcome = "save_failed"
	OutcomeDropped        Outcome = "dropped"
)

// ErrEmptyTranscript is returned by Process for calls in which nothing was said.
var ErrEmptyTranscript = errors.New("postcall: empty transcript")

// Config holds the dependencies of a [Pipeline].
type Config struct {
	// Extractor pulls CallDetails out of the transcript. When nil the
	// transcript is stored without details.
	Extractor extract.Extractor

	// Store persists the result. Optional: without it details are only logged.
	Store callstore.Store

	// Timeout bounds each job. Defaults to [DefaultTimeout].
	Timeout time.Duration

	// SaveOnExtractFailure stores the transcript with empty details when
	// extraction fails, instead of discarding it.
	SaveOnExtractFailure bool

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Result describes one processed call.
type Result struct {
	Outcome      Outcome
	Conversation callstore.Conversation
	// Provider names the extraction backend that answered, when known.
	Provider string
}

// namedExtractor is implemented by extractors that can report which backend
// produced a result, such as resilience.ExtractorFallback.
type namedExtractor interface {
	ExtractNamed(ctx context.Context, transcript string) (extract.CallDetails, string, error)
}

// Pipeline processes finished calls. All methods are safe for concurrent use.
type Pipeline struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	// base is the parent of every job context; cancelled when Wait gives up.
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup

	inFlight  atomic.Int64
	degraded  atomic.Bool
	processed atomic.Int64
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		base:    base,
		cancel:  cancel,
	}
}

// Submit processes transcript in the background. It never blocks on the
// work itself.
func (p *Pipeline) Submit(transcript, sessionID string) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		p.log.Error("post-call pipeline closed, dropping transcript",
			"session_id", sessionID, "transcript_bytes", len(transcript))
		p.metrics.RecordPostCall(context.Background(), 0, string(OutcomeDropped))
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.inFlight.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Add(-1)
		// Process logs its own failures.
		_, _ = p.Process(p.base, transcript, sessionID)
	}()
}

// Process runs one job synchronously: skip empty transcripts, extract
// details, then save. The returned error is already logged.
func (p *Pipeline) Process(ctx context.Context, transcript, sessionID string) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "postcall.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("callbridge.session_id", sessionID),
		attribute.Int("callbridge.transcript_bytes", len(transcript)),
	)

	log := p.log.With("session_id", sessionID)
	res, err := p.process(ctx, log, transcript, sessionID)

	p.processed.Add(1)
	span.SetAttributes(attribute.String("callbridge.outcome", string(res.Outcome)))
	if err != nil && !errors.Is(err, ErrEmptyTranscript) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.metrics.RecordPostCall(ctx, time.Since(start).Seconds(), string(res.Outcome))
	return res, err
}

func (p *Pipeline) process(ctx context.Context, log *slog.Logger, transcript, sessionID string) (Result, error) {
	if strings.TrimSpace(transcript) == "" {
		log.Info("empty transcript, skipping post-call processing")
		return Result{Outcome: OutcomeSkipped}, ErrEmptyTranscript
	}

	var (
		details  extract.CallDetails
		provider string
		outcome  = OutcomeSaved
	)
	switch {
	case p.cfg.Extractor == nil:
		outcome = OutcomeSavedNoDetails
	default:
		var err error
		details, provider, err = p.extract(ctx, transcript)
		if err != nil {
			log.Error("extract call details", "err", err)
			if !p.cfg.SaveOnExtractFailure || p.cfg.Store == nil {
				return Result{Outcome: OutcomeExtractFailed}, fmt.Errorf("postcall: extract: %w", err)
			}
			details = extract.CallDetails{}
			outcome = OutcomeSavedNoDetails
		} else {
			log.Info("extracted call details",
				"provider", provider,
				"customer_name", details.CustomerName,
				"customer_availability", details.CustomerAvailability,
				"special_notes", details.SpecialNotes,
			)
		}
	}

	conv := callstore.NewConversation(sessionID, transcript, details)
	if p.cfg.Store == nil {
		if p.cfg.Extractor == nil {
			log.Warn("no extractor and no store configured, transcript discarded")
			return Result{Outcome: OutcomeDiscarded, Conversation: conv}, nil
		}
		return Result{Outcome: OutcomeExtracted, Conversation: conv, Provider: provider}, nil
	}

	saved, err := p.cfg.Store.SaveConversation(ctx, conv)
	if err != nil {
		p.degraded.Store(true)
		log.Error("save conversation", "err", err)
		return Result{Outcome: OutcomeSaveFailed, Conversation: conv, Provider: provider}, fmt.Errorf("postcall: save: %w", err)
	}
	p.degraded.Store(false)
	log.Info("conversation stored", "conversation_id", saved.ID, "outcome", string(outcome))
	return Result{Outcome: outcome, Conversation: saved, Provider: provider}, nil
}

func (p *Pipeline) extract(ctx context.Context, transcript string) (extract.CallDetails, string, error) {
	if ne, ok := p.cfg.Extractor.(namedExtractor); ok {
		return ne.ExtractNamed(ctx, transcript)
	}
	d, err := p.cfg.Extractor.Extract(ctx, transcript)
	return d, "", err
}

// Wait stops accepting new jobs and blocks until every submitted job has
// finished or ctx is done. In the latter case running jobs are cancelled and
// ctx's error is returned.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.log.Warn("post-call jobs still running at shutdown, cancelling", "in_flight", p.inFlight.Load())
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// InFlight returns the number of running jobs.
func (p *Pipeline) InFlight() int { return int(p.inFlight.Load()) }

// Processed returns the number of jobs that have finished, whatever their
// outcome.
func (p *Pipeline) Processed() int { return int(p.processed.Load()) }

// Degraded reports whether the most recent save failed.
func (p *Pipeline) Degraded() bool { return p.degraded.Load() }
