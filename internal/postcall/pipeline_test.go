package postcall

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
	storemock "github.com/MrWong99/callbridge/pkg/callstore/mock"
	"github.com/MrWong99/callbridge/pkg/provider/extract"
	extractmock "github.com/MrWong99/callbridge/pkg/provider/extract/mock"
)

const transcript = "User: hi, my name is Dana\nAgent: hello Dana, when are you available?\nUser: Tuesday afternoon\n"

var dana = extract.CallDetails{CustomerName: "Dana", CustomerAvailability: "Tuesday afternoon", SpecialNotes: ""}

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cfg.Metrics = m
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(cfg)
	t.Cleanup(func() { _ = p.Wait(context.Background()) })
	return p, reader
}

// outcomeCount returns the post-call outcome counter for outcome.
func outcomeCount(t *testing.T, reader *sdkmetric.ManualReader, outcome Outcome) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "callbridge.postcall.outcomes" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("outcomes metric is %T", met.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("outcome")); ok && v.AsString() == string(outcome) {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestProcess_ExtractsAndSaves(t *testing.T) {
	t.Parallel()
	ext := &extractmock.Extractor{Details: dana}
	store := &storemock.Store{}
	p, reader := newTestPipeline(t, Config{Extractor: ext, Store: store})

	res, err := p.Process(context.Background(), transcript, "CA1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeSaved {
		t.Errorf("outcome = %s, want saved", res.Outcome)
	}

	calls := ext.Calls()
	if len(calls) != 1 || calls[0].Transcript != transcript {
		t.Fatalf("extract calls = %+v", calls)
	}
	convs := store.Conversations()
	if len(convs) != 1 {
		t.Fatalf("stored %d conversations, want 1", len(convs))
	}
	c := convs[0]
	if c.SessionID != "CA1" || c.Transcript != transcript || c.CustomerName != "Dana" || c.CustomerAvailability != "Tuesday afternoon" {
		t.Errorf("stored = %+v", c)
	}
	if res.Conversation.ID != c.ID {
		t.Errorf("result id = %d, stored id = %d", res.Conversation.ID, c.ID)
	}
	if got := outcomeCount(t, reader, OutcomeSaved); got != 1 {
		t.Errorf("saved outcome count = %d, want 1", got)
	}
}

func TestProcess_EmptyTranscriptSkipped(t *testing.T) {
	t.Parallel()
	ext := &extractmock.Extractor{Details: dana}
	store := &storemock.Store{}
	p, reader := newTestPipeline(t, Config{Extractor: ext, Store: store})

	for _, tr := range []string{"", "  \n"} {
		res, err := p.Process(context.Background(), tr, "CA1")
		if !errors.Is(err, ErrEmptyTranscript) || res.Outcome != OutcomeSkipped {
			t.Errorf("Process(%q) = %s, %v; want skipped", tr, res.Outcome, err)
		}
	}
	if len(ext.Calls()) != 0 || len(store.Conversations()) != 0 {
		t.Error("empty transcript reached the extractor or store")
	}
	if got := outcomeCount(t, reader, OutcomeSkipped); got != 2 {
		t.Errorf("skipped count = %d, want 2", got)
	}
}

func TestProcess_ExtractFailureNotSaved(t *testing.T) {
	t.Parallel()
	store := &storemock.Store{}
	p, reader := newTestPipeline(t, Config{
		Extractor: &extractmock.Extractor{Err: errors.New("model down")},
		Store:     store,
	})

	res, err := p.Process(context.Background(), transcript, "CA1")
	if err == nil || res.Outcome != OutcomeExtractFailed {
		t.Fatalf("Process = %s, %v; want extract_failed", res.Outcome, err)
	}
	if len(store.Conversations()) != 0 {
		t.Error("conversation saved despite extraction failure")
	}
	if got := outcomeCount(t, reader, OutcomeExtractFailed); got != 1 {
		t.Errorf("extract_failed count = %d", got)
	}
}

func TestProcess_SaveOnExtractFailure(t *testing.T) {
	t.Parallel()
	store := &storemock.Store{}
	p, _ := newTestPipeline(t, Config{
		Extractor:            &extractmock.Extractor{Err: errors.New("model down")},
		Store:                store,
		SaveOnExtractFailure: true,
	})

	res, err := p.Process(context.Background(), transcript, "CA1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeSavedNoDetails {
		t.Errorf("outcome = %s", res.Outcome)
	}
	convs := store.Conversations()
	if len(convs) != 1 || convs[0].CustomerName != "" || convs[0].Transcript != transcript {
		t.Errorf("stored = %+v", convs)
	}
}

func TestProcess_SaveFailureMarksDegraded(t *testing.T) {
	t.Parallel()
	store := &storemock.Store{SaveErr: errors.New("db down")}
	p, reader := newTestPipeline(t, Config{Extractor: &extractmock.Extractor{Details: dana}, Store: store})

	res, err := p.Process(context.Background(), transcript, "CA1")
	if err == nil || res.Outcome != OutcomeSaveFailed {
		t.Fatalf("Process = %s, %v; want save_failed", res.Outcome, err)
	}
	if !p.Degraded() {
		t.Error("Degraded = false after a failed save")
	}
	if got := outcomeCount(t, reader, OutcomeSaveFailed); got != 1 {
		t.Errorf("save_failed count = %d", got)
	}

	store.SetSaveErr(nil)
	if _, err := p.Process(context.Background(), transcript, "CA1"); err != nil {
		t.Fatalf("Process after recovery: %v", err)
	}
	if p.Degraded() {
		t.Error("Degraded still true after a successful save")
	}
}

func TestProcess_NoStore(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t, Config{Extractor: &extractmock.Extractor{Details: dana}})

	res, err := p.Process(context.Background(), transcript, "CA1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeExtracted || res.Conversation.CustomerName != "Dana" {
		t.Errorf("result = %+v", res)
	}
}

func TestProcess_NoExtractorStillSaves(t *testing.T) {
	t.Parallel()
	store := &storemock.Store{}
	p, _ := newTestPipeline(t, Config{Store: store})

	res, err := p.Process(context.Background(), transcript, "CA1")
	if err != nil || res.Outcome != OutcomeSavedNoDetails {
		t.Fatalf("Process = %s, %v", res.Outcome, err)
	}
	if len(store.Conversations()) != 1 {
		t.Error("transcript not stored")
	}
}

func TestProcess_ReportsFallbackProvider(t *testing.T) {
	t.Parallel()
	fb := resilience.NewExtractorFallback(&extractmock.Extractor{Err: errors.New("down")}, "openai", resilience.FallbackConfig{})
	fb.AddFallback("anthropic", &extractmock.Extractor{Details: dana})
	p, _ := newTestPipeline(t, Config{Extractor: fb, Store: &storemock.Store{}})

	res, err := p.Process(context.Background(), transcript, "CA1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", res.Provider)
	}
}

func TestProcess_Timeout(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t, Config{
		Extractor: &extractmock.Extractor{Block: make(chan struct{})},
		Store:     &storemock.Store{},
		Timeout:   20 * time.Millisecond,
	})

	res, err := p.Process(context.Background(), transcript, "CA1")
	if !errors.Is(err, context.DeadlineExceeded) || res.Outcome != OutcomeExtractFailed {
		t.Errorf("Process = %s, %v; want deadline exceeded", res.Outcome, err)
	}
}

func TestSubmit_RunsInBackground(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	store := &storemock.Store{}
	saved := store.Saved()
	p, _ := newTestPipeline(t, Config{Extractor: &extractmock.Extractor{Details: dana, Block: release}, Store: store})

	returned := make(chan struct{})
	go func() {
		p.Submit(transcript, "CA1")
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on the job")
	}
	if p.InFlight() != 1 {
		t.Errorf("InFlight = %d, want 1", p.InFlight())
	}

	close(release)
	select {
	case <-saved:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not save")
	}
}

func TestWait_DrainsJobsThenRefusesNew(t *testing.T) {
	t.Parallel()
	store := &storemock.Store{}
	p, reader := newTestPipeline(t, Config{Extractor: &extractmock.Extractor{Details: dana}, Store: store})

	for _, id := range []string{"CA1", "CA2", "CA3"} {
		p.Submit(transcript, id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := len(store.Conversations()); n != 3 {
		t.Errorf("stored %d conversations, want 3", n)
	}
	if p.Processed() != 3 || p.InFlight() != 0 {
		t.Errorf("Processed = %d, InFlight = %d", p.Processed(), p.InFlight())
	}

	p.Submit(transcript, "CA4")
	if n := len(store.Conversations()); n != 3 {
		t.Errorf("job accepted after Wait: %d conversations", n)
	}
	if got := outcomeCount(t, reader, OutcomeDropped); got != 1 {
		t.Errorf("dropped count = %d, want 1", got)
	}
}

func TestWait_CancelsStuckJobs(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t, Config{
		Extractor: &extractmock.Extractor{Block: make(chan struct{})},
		Timeout:   time.Hour,
	})
	p.Submit(transcript, "CA1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
	if p.InFlight() != 0 {
		t.Errorf("InFlight = %d after Wait returned", p.InFlight())
	}
}
