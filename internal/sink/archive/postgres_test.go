package archive_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livescribe/internal/sink/archive"
	"github.com/MrWong99/livescribe/pkg/transcript"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if LIVESCRIBE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LIVESCRIBE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LIVESCRIBE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestPostgres_RoundTrip(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	a, err := archive.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	sessionID := uuid.NewString()
	ts := time.Now().UTC().Truncate(time.Microsecond)
	sub := a.Subscriber()
	sub(transcript.Result{SessionID: sessionID, Sequence: 1, Text: "hello", Timestamp: ts})
	sub(transcript.Result{SessionID: sessionID, Sequence: 2, Text: "hello world", IsFinal: true, Timestamp: ts})
	sub(transcript.Result{SessionID: sessionID, Sequence: 3, Text: "bye", IsFinal: true, Timestamp: ts})
	a.Close()

	// Read back through a fresh pool; the closed archive released its own.
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	reader := archive.New(pool)
	defer reader.Close()

	got, err := reader.Transcript(ctx, sessionID)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Sequence != 2 || got[0].Text != "hello world" || !got[0].IsFinal {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Sequence != 3 || !got[1].Timestamp.Equal(ts) {
		t.Errorf("got[1] = %+v", got[1])
	}
	if err := reader.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
