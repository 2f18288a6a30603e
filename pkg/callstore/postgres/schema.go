// Package postgres provides a PostgreSQL-backed [callstore.Store].
//
// Connections are pooled with [pgxpool.Pool]. [NewStore] runs [Migrate], which
// is idempotent, so a fresh database needs no manual setup.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	saved, _ := store.SaveConversation(ctx, callstore.NewConversation(sessionID, transcript, details))
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id                     BIGSERIAL    PRIMARY KEY,
    session_id             TEXT         NOT NULL,
    customer_name          TEXT         NOT NULL DEFAULT '',
    customer_availability  TEXT         NOT NULL DEFAULT '',
    special_notes          TEXT         NOT NULL DEFAULT '',
    transcript             TEXT         NOT NULL,
    created_at             TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_session_id
    ON conversations (session_id);

CREATE INDEX IF NOT EXISTS idx_conversations_created_at
    ON conversations (created_at DESC);
`

// Migrate creates the conversations table and its indexes if they do not
// exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversations); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
