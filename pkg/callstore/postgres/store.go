package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callbridge/pkg/callstore"
)

var _ callstore.Store = (*Store)(nil)

// Store is the PostgreSQL conversation store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// SaveConversation implements [callstore.Store].
func (s *Store) SaveConversation(ctx context.Context, c callstore.Conversation) (callstore.Conversation, error) {
	if err := c.Validate(); err != nil {
		return callstore.Conversation{}, err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO conversations
		    (session_id, customer_name, customer_availability, special_notes, transcript, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, q,
		c.SessionID,
		c.CustomerName,
		c.CustomerAvailability,
		c.SpecialNotes,
		c.Transcript,
		c.CreatedAt,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return callstore.Conversation{}, fmt.Errorf("conversation store: save: %w", err)
	}
	return c, nil
}

// Recent implements [callstore.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]callstore.Conversation, error) {
	const q = `
		SELECT id, session_id, customer_name, customer_availability, special_notes, transcript, created_at
		FROM   conversations
		ORDER  BY created_at DESC, id DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, callstore.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("conversation store: recent: %w", err)
	}
	return collectConversations(rows)
}

// BySession implements [callstore.Store].
func (s *Store) BySession(ctx context.Context, sessionID string) ([]callstore.Conversation, error) {
	const q = `
		SELECT id, session_id, customer_name, customer_availability, special_notes, transcript, created_at
		FROM   conversations
		WHERE  session_id = $1
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("conversation store: by session: %w", err)
	}
	return collectConversations(rows)
}

// Ping implements [callstore.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("conversation store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// collectConversations scans pgx rows into Conversations.
func collectConversations(rows pgx.Rows) ([]callstore.Conversation, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (callstore.Conversation, error) {
		var c callstore.Conversation
		err := row.Scan(
			&c.ID,
			&c.SessionID,
			&c.CustomerName,
			&c.CustomerAvailability,
			&c.SpecialNotes,
			&c.Transcript,
			&c.CreatedAt,
		)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan: %w", err)
	}
	return out, nil
}
