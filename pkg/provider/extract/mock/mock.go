// Package mock provides a test double for the extract.Extractor interface.
//
// Example:
//
//	e := &mock.Extractor{Details: extract.CallDetails{CustomerName: "Dana"}}
//	details, err := e.Extract(ctx, transcript)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/extract"
)

// Call records a single invocation of Extract.
type Call struct {
	// Transcript is the transcript passed to Extract.
	Transcript string
}

// Extractor is a mock implementation of extract.Extractor.
type Extractor struct {
	mu sync.Mutex

	// Details is returned by Extract when Err is nil.
	Details extract.CallDetails

	// Err, if non-nil, is returned as the error from Extract.
	Err error

	// Block, if non-nil, makes Extract wait until it is closed or ctx ends.
	Block chan struct{}

	calls []Call
}

// Extract records the call and returns Details, Err.
func (e *Extractor) Extract(ctx context.Context, transcript string) (extract.CallDetails, error) {
	e.mu.Lock()
	e.calls = append(e.calls, Call{Transcript: transcript})
	block, details, err := e.Block, e.Details, e.Err
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return extract.CallDetails{}, ctx.Err()
		}
	}
	if err != nil {
		return extract.CallDetails{}, err
	}
	return details, nil
}

// Calls returns a copy of all recorded calls.
func (e *Extractor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// SetErr replaces Err. Safe to call while Extract runs concurrently.
func (e *Extractor) SetErr(err error) {
	e.mu.Lock()
	e.Err = err
	e.mu.Unlock()
}

// Reset clears all recorded calls.
func (e *Extractor) Reset() {
	e.mu.Lock()
	e.calls = nil
	e.mu.Unlock()
}
