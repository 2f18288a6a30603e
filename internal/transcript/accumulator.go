// Package transcript accumulates the speaker-tagged record of a single phone
// call while the call is being relayed.
//
// An [Accumulator] is append-only: lines are added in the order their
// completion events were processed, which is not necessarily the order in
// which the two parties actually spoke when they talk over each other. The
// finished text is handed to the post-call pipeline once the call ends.
//
// All methods are safe for concurrent use.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Speaker tags used as line prefixes in the accumulated text.
const (
	SpeakerUser  = "User"
	SpeakerAgent = "Agent"

	// MissingAgentText stands in for an agent turn that finished without a
	// spoken transcript.
	MissingAgentText = "Agent message not found"
)

// Line is a single completed utterance.
type Line struct {
	// Speaker is the tag written in front of the text (e.g. "User").
	Speaker string

	// Text is the utterance text as received.
	Text string

	// At is when the line was appended.
	At time.Time
}

// String renders the line the way it appears in [Accumulator.Snapshot].
func (l Line) String() string {
	return l.Speaker + ": " + l.Text + "\n"
}

// Option configures an [Accumulator].
type Option func(*Accumulator)

// WithMaxBytes caps the rendered transcript size. Once a line would push the
// text past max bytes, it and every later line are dropped and
// [Accumulator.Truncated] reports true. Zero or negative means unbounded.
func WithMaxBytes(max int) Option {
	return func(a *Accumulator) {
		if max > 0 {
			a.maxBytes = max
		}
	}
}

// withClock overrides time.Now for tests.
func withClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// Accumulator is the append-only transcript buffer of one call.
type Accumulator struct {
	maxBytes int
	now      func() time.Time

	mu        sync.RWMutex
	lines     []Line
	text      strings.Builder
	sealed    bool
	truncated bool
}

// New returns an empty Accumulator.
func New(opts ...Option) *Accumulator {
	a := &Accumulator{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Append adds a speaker-tagged line. It never fails: appends after [Seal]
// or past the size cap are silently ignored. It reports whether the line was
// kept.
func (a *Accumulator) Append(speaker, text string) bool {
	l := Line{Speaker: speaker, Text: text, At: a.now()}
	rendered := l.String()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed || a.truncated {
		return false
	}
	if a.maxBytes > 0 && a.text.Len()+len(rendered) > a.maxBytes {
		a.truncated = true
		return false
	}
	a.lines = append(a.lines, l)
	a.text.WriteString(rendered)
	return true
}

// Snapshot returns the full transcript text built so far. A concurrent
// [Append] is either fully visible or not visible at all.
func (a *Accumulator) Snapshot() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.text.String()
}

// Lines returns a copy of the accumulated lines in append order.
func (a *Accumulator) Lines() []Line {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Line, len(a.lines))
	copy(out, a.lines)
	return out
}

// Len returns the number of accumulated lines.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.lines)
}

// Seal freezes the transcript and returns its final text. Later appends are
// ignored. Calling Seal more than once returns the same text.
func (a *Accumulator) Seal() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
	return a.text.String()
}

// Sealed reports whether [Seal] has been called.
func (a *Accumulator) Sealed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sealed
}

// Truncated reports whether lines were dropped because of the size cap.
func (a *Accumulator) Truncated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.truncated
}
