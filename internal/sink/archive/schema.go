package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the DDL for the transcripts table. [Migrate] applies it; it is
// safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS transcripts (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    sequence     BIGINT       NOT NULL,
    text         TEXT         NOT NULL,
    is_final     BOOLEAN      NOT NULL DEFAULT TRUE,
    offset_ns    BIGINT       NOT NULL DEFAULT 0,
    received_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_transcripts_session_id
    ON transcripts (session_id, sequence);

CREATE INDEX IF NOT EXISTS idx_transcripts_received_at
    ON transcripts (received_at);
`

// execer is the subset of [DB] Migrate needs.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate creates the transcripts table and its indexes if they do not exist.
func Migrate(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}
