// Package archive stores final transcription results in PostgreSQL.
//
// The archive sits behind the session's single subscriber. Its
// [Archive.Subscriber] never blocks delivery: final results are handed to a
// bounded queue that one writer goroutine drains into the transcripts table.
// When the queue is full the result is dropped and counted on
// livescribe.sink.dropped{sink="archive"}. Partial results are not archived.
//
// Usage:
//
//	a, err := archive.Open(ctx, dsn)
//	if err != nil { … }
//	defer a.Close()
//	sub := transcript.Tee(ui.Subscriber(), a.Subscriber())
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/transcript"
)

// sinkName labels this sink in metrics.
const sinkName = "archive"

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// DB is the database interface used by [Archive]. *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Option configures an [Archive].
type Option func(*Archive)

// WithQueueSize sets how many final results may wait for the writer.
func WithQueueSize(n int) Option {
	return func(a *Archive) {
		if n > 0 {
			a.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each INSERT.
func WithWriteTimeout(d time.Duration) Option {
	return func(a *Archive) {
		if d > 0 {
			a.writeTimeout = d
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Archive) { a.metrics = m }
}

// Archive writes final results to the transcripts table. All methods are safe
// for concurrent use.
type Archive struct {
	db           DB
	closeDB      func()
	queueSize    int
	writeTimeout time.Duration
	metrics      *observe.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan transcript.Result

	writerDone chan struct{}
	closeOnce  sync.Once
}

// Open connects to the PostgreSQL database at dsn, verifies the connection,
// applies [Schema] and returns a running Archive that owns the pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	a := New(pool, opts...)
	a.closeDB = pool.Close
	return a, nil
}

// New returns a running Archive writing to db. The caller keeps ownership of
// db; the schema must already exist.
func New(db DB, opts ...Option) *Archive {
	a := &Archive{
		db:           db,
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		writerDone:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.queue = make(chan transcript.Result, a.queueSize)
	go a.writeLoop()
	return a
}

// Subscriber returns the function to register with the session's subscriber
// fan-out.
func (a *Archive) Subscriber() transcript.Subscriber {
	return a.enqueue
}

func (a *Archive) enqueue(r transcript.Result) {
	if !r.IsFinal {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- r:
	default:
		a.metrics.RecordSinkDrop(context.Background(), sinkName)
		slog.Warn("archive queue full, dropping result", "session_id", r.SessionID, "sequence", r.Sequence)
	}
}

func (a *Archive) writeLoop() {
	defer close(a.writerDone)
	for r := range a.queue {
		if err := a.write(r); err != nil {
			slog.Error("archive write failed", "session_id", r.SessionID, "sequence", r.Sequence, "err", err)
		}
	}
}

func (a *Archive) write(r transcript.Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
	defer cancel()

	const q = `
		INSERT INTO transcripts (session_id, sequence, text, is_final, offset_ns, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, sequence) DO NOTHING`

	_, err := a.db.Exec(ctx, q,
		r.SessionID,
		int64(r.Sequence),
		r.Text,
		r.IsFinal,
		r.Offset.Nanoseconds(),
		r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	return nil
}

// Transcript returns the archived results of sessionID in sequence order.
func (a *Archive) Transcript(ctx context.Context, sessionID string) ([]transcript.Result, error) {
	const q = `
		SELECT session_id, sequence, text, is_final, offset_ns, received_at
		FROM   transcripts
		WHERE  session_id = $1
		ORDER  BY sequence`

	rows, err := a.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: transcript: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Result, error) {
		var (
			r        transcript.Result
			seq      int64
			offsetNS int64
		)
		if err := row.Scan(&r.SessionID, &seq, &r.Text, &r.IsFinal, &offsetNS, &r.Timestamp); err != nil {
			return transcript.Result{}, err
		}
		r.Sequence = uint64(seq)
		r.Offset = time.Duration(offsetNS)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: transcript: scan: %w", err)
	}
	return results, nil
}

// Ping reports whether the database is reachable. Used as a readiness check.
func (a *Archive) Ping(ctx context.Context) error {
	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close stops accepting results, waits until the queued ones are written and
// closes the pool when the Archive owns it. Safe to call more than once.
func (a *Archive) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()

		<-a.writerDone
		if a.closeDB != nil {
			a.closeDB()
		}
	})
}
