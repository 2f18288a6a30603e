// Package callstore defines where finished calls are persisted.
//
// A [Conversation] is written once per call by the post-call pipeline: the
// sealed transcript plus whatever [extract.CallDetails] could be pulled out of
// it. Stores are append-only; rows are never updated.
//
// Implementations must be safe for concurrent use.
package callstore

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/callbridge/pkg/provider/extract"
)

// DefaultRecentLimit and MaxRecentLimit bound [Store.Recent].
const (
	DefaultRecentLimit = 20
	MaxRecentLimit     = 200
)

// ErrInvalid is returned for conversations that cannot be stored.
var ErrInvalid = errors.New("callstore: invalid conversation")

// Conversation is one persisted call.
type Conversation struct {
	// ID is assigned by the store.
	ID int64 `json:"id"`

	// SessionID is the relay session id (the telephony call SID when known).
	SessionID string `json:"session_id"`

	CustomerName         string `json:"customer_name"`
	CustomerAvailability string `json:"customer_availability"`
	SpecialNotes         string `json:"special_notes"`

	// Transcript is the full "Speaker: text\n" transcript.
	Transcript string `json:"transcript"`

	// CreatedAt is assigned by the store when zero.
	CreatedAt time.Time `json:"created_at"`
}

// NewConversation builds a Conversation from a transcript and its extracted
// details.
func NewConversation(sessionID, transcript string, d extract.CallDetails) Conversation {
	return Conversation{
		SessionID:            sessionID,
		CustomerName:         d.CustomerName,
		CustomerAvailability: d.CustomerAvailability,
		SpecialNotes:         d.SpecialNotes,
		Transcript:           transcript,
	}
}

// Validate reports whether c may be stored.
func (c Conversation) Validate() error {
	if c.SessionID == "" {
		return errors.Join(ErrInvalid, errors.New("session id is empty"))
	}
	if c.Transcript == "" {
		return errors.Join(ErrInvalid, errors.New("transcript is empty"))
	}
	return nil
}

// Store persists conversations.
type Store interface {
	// SaveConversation inserts c and returns it with ID and CreatedAt set.
	SaveConversation(ctx context.Context, c Conversation) (Conversation, error)

	// Recent returns up to limit conversations, newest first. limit is
	// clamped by [ClampLimit].
	Recent(ctx context.Context, limit int) ([]Conversation, error)

	// BySession returns every conversation stored for sessionID, oldest first.
	BySession(ctx context.Context, sessionID string) ([]Conversation, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}

// ClampLimit maps a requested page size into [1, MaxRecentLimit], using
// DefaultRecentLimit for non-positive values.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentLimit
	case limit > MaxRecentLimit:
		return MaxRecentLimit
	default:
		return limit
	}
}
