package relay

import (
	"context"
	"sort"
	"sync"
)

// Registry maps call ids to their live relay sessions. A session is present
// from the moment its telephony link is accepted until its teardown completes.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup

	onChange func(delta int)
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithOnChange registers fn to be called with +1 / -1 as sessions are added
// and removed. fn runs under the registry lock and must be fast.
func WithOnChange(fn func(delta int)) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{sessions: make(map[string]*Session)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// GetOrCreate returns the session registered under id, creating it with newFn
// when absent. created reports whether newFn was called. newFn runs under the
// registry lock and must not call back into the registry.
func (r *Registry) GetOrCreate(id string, newFn func() *Session) (sess *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := newFn()
	r.sessions[id] = s
	r.wg.Add(1)
	if r.onChange != nil {
		r.onChange(1)
	}
	return s, true
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id only if it still maps to sess. It reports whether it
// removed anything, so concurrent or repeated teardowns remove exactly once.
func (r *Registry) Remove(id string, sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[id]
	if !ok || cur != sess {
		return false
	}
	delete(r.sessions, id)
	r.wg.Done()
	if r.onChange != nil {
		r.onChange(-1)
	}
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns a snapshot of every registered session, ordered by start time.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CloseAll asks every registered session to tear down. It does not wait; use
// [Registry.Wait] for that.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Wait blocks until every registered session has been removed or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
