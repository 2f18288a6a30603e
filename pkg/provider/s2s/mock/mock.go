// Package mock provides test doubles for the s2s package interfaces.
//
// Use Dialer to verify Dial calls and hand out controlled links. Use Link to
// script server events and inspect what the relay sent.
//
// Example:
//
//	link := mock.NewLink()
//	d := &mock.Dialer{Link: link}
//	link.Push(s2s.Event{Kind: s2s.KindSessionCreated, Type: "session.created"})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// ErrLinkClosed is returned by Link methods after Close or Hangup.
var ErrLinkClosed = errors.New("mock: link closed")

// Dialer is a mock implementation of s2s.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Link is returned by Dial. If nil, Dial returns a fresh Link.
	Link *Link

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// Block, if non-nil, makes Dial wait until it is closed or ctx ends.
	Block chan struct{}

	// DialCalls is the number of times Dial was called.
	DialCalls int
}

// Dial records the call and returns Link, DialErr.
func (d *Dialer) Dial(ctx context.Context) (s2s.Link, error) {
	d.mu.Lock()
	d.DialCalls++
	block, err, l := d.Block, d.DialErr, d.Link
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = NewLink()
	}
	return l, nil
}

// Calls returns the number of Dial calls. Thread-safe.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DialCalls
}

// readResult is one scripted ReadEvent outcome.
type readResult struct {
	ev  s2s.Event
	err error
}

// Link is a mock implementation of s2s.Link. Events queued with Push are
// returned by ReadEvent in order.
type Link struct {
	reads  chan readResult
	done   chan struct{}
	closed sync.Once

	mu         sync.Mutex
	configs    []s2s.SessionConfig
	appended   []string
	closeCalls int
	stalled    bool

	// sent is signalled after every Configure or AppendAudio.
	sent chan struct{}
}

// NewLink returns a ready Link.
func NewLink() *Link {
	return &Link{
		reads: make(chan readResult, 256),
		done:  make(chan struct{}),
		sent:  make(chan struct{}, 1024),
	}
}

// Push queues a server event.
func (l *Link) Push(ev s2s.Event) { l.reads <- readResult{ev: ev} }

// PushErr queues a read error, e.g. one wrapping s2s.ErrMalformedEvent.
func (l *Link) PushErr(err error) { l.reads <- readResult{err: err} }

// Hangup simulates the remote end closing the link: pending and future
// ReadEvent calls fail once the queue is drained.
func (l *Link) Hangup() { l.closed.Do(func() { close(l.done) }) }

// StallWrites makes later Configure and AppendAudio calls block until their
// ctx ends, like a peer that stopped reading without closing.
func (l *Link) StallWrites() {
	l.mu.Lock()
	l.stalled = true
	l.mu.Unlock()
}

// stall blocks while writes are stalled. It returns ctx.Err() once ctx ends.
func (l *Link) stall(ctx context.Context) error {
	l.mu.Lock()
	stalled := l.stalled
	l.mu.Unlock()
	if !stalled {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

// Configure records cfg.
func (l *Link) Configure(ctx context.Context, cfg s2s.SessionConfig) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	if err := l.stall(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.configs = append(l.configs, cfg)
	l.mu.Unlock()
	l.sent <- struct{}{}
	return nil
}

// AppendAudio records payload.
func (l *Link) AppendAudio(ctx context.Context, payload string) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	if err := l.stall(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.appended = append(l.appended, payload)
	l.mu.Unlock()
	l.sent <- struct{}{}
	return nil
}

// ReadEvent returns the next queued event, or an error once the link is
// closed and the queue is empty.
func (l *Link) ReadEvent(ctx context.Context) (s2s.Event, error) {
	select {
	case r := <-l.reads:
		return r.ev, r.err
	default:
	}
	select {
	case r := <-l.reads:
		return r.ev, r.err
	case <-l.done:
		return s2s.Event{}, ErrLinkClosed
	case <-ctx.Done():
		return s2s.Event{}, ctx.Err()
	}
}

// Close marks the link closed. Idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closeCalls++
	l.mu.Unlock()
	l.Hangup()
	return nil
}

func (l *Link) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Configs returns every SessionConfig passed to Configure.
func (l *Link) Configs() []s2s.SessionConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]s2s.SessionConfig, len(l.configs))
	copy(out, l.configs)
	return out
}

// Appended returns every payload passed to AppendAudio.
func (l *Link) Appended() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.appended))
	copy(out, l.appended)
	return out
}

// CloseCalls returns the number of Close calls.
func (l *Link) CloseCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeCalls
}

// Closed reports whether Close or Hangup has been called.
func (l *Link) Closed() bool { return l.isClosed() }

// Sent is signalled once per Configure or AppendAudio; tests use it to wait
// for the relay without sleeping.
func (l *Link) Sent() <-chan struct{} { return l.sent }
