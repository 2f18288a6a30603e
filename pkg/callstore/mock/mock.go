// Package mock provides an in-memory callstore.Store for tests.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/pkg/callstore"
)

// Store is an in-memory callstore.Store. The zero value is ready to use.
type Store struct {
	mu sync.Mutex

	// SaveErr, if non-nil, is returned by SaveConversation.
	SaveErr error

	// RecentErr, if non-nil, is returned by Recent and BySession.
	RecentErr error

	// PingErr, if non-nil, is returned by Ping.
	PingErr error

	conversations []callstore.Conversation
	closed        bool
	saved         chan struct{}
}

var _ callstore.Store = (*Store)(nil)

// SaveConversation records c.
func (s *Store) SaveConversation(_ context.Context, c callstore.Conversation) (callstore.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SaveErr != nil {
		return callstore.Conversation{}, s.SaveErr
	}
	if err := c.Validate(); err != nil {
		return callstore.Conversation{}, err
	}
	c.ID = int64(len(s.conversations) + 1)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.conversations = append(s.conversations, c)
	if s.saved != nil {
		select {
		case s.saved <- struct{}{}:
		default:
		}
	}
	return c, nil
}

// Recent returns stored conversations, newest first.
func (s *Store) Recent(_ context.Context, limit int) ([]callstore.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	out := slices.Clone(s.conversations)
	slices.Reverse(out)
	if n := callstore.ClampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// BySession returns the conversations stored for sessionID, oldest first.
func (s *Store) BySession(_ context.Context, sessionID string) ([]callstore.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	var out []callstore.Conversation
	for _, c := range s.conversations {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out, nil
}

// Ping returns PingErr.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Close marks the store closed.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Conversations returns a copy of everything saved, in save order.
func (s *Store) Conversations() []callstore.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conversations)
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Saved returns a channel signalled after every successful save.
func (s *Store) Saved() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(chan struct{}, 64)
	}
	return s.saved
}

// SetSaveErr replaces SaveErr. Safe to call concurrently with saves.
func (s *Store) SetSaveErr(err error) {
	s.mu.Lock()
	s.SaveErr = err
	s.mu.Unlock()
}
