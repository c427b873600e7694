// Package eventlog records session activity (signal generated, file
// ingested, annotation added, detector run, export built) into the
// session database.
//
// Recording is asynchronous and best-effort: a full buffer falls back to a
// synchronous insert, and insert failures are logged, never surfaced to the
// operation that produced the event. The activity feed must not be able to
// break annotation work.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/ecglab/idgen"
)

// Event types emitted by the platform.
const (
	TypeSignalGenerated = "signal.generated"
	TypeFileIngested    = "file.ingested"
	TypeIngestFailed    = "file.ingest_failed"
	TypeAnnotationAdded = "annotation.added"
	TypeAnnotationGone  = "annotation.removed"
	TypeDetectorRun     = "detector.run"
	TypeExportBuilt     = "export.built"
	TypeImportApplied   = "import.applied"
	TypeCommentAdded    = "comment.added"
	TypeReviewAdvanced  = "review.advanced"
)

// Event is one row in the session activity feed.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Detail    string `json:"detail"` // JSON, shape depends on Type
	CreatedAt int64  `json:"created_at"`
}

// Schema creates the event table. Applied via dbopen.WithSchema alongside
// the annotation schema.
const Schema = `
CREATE TABLE IF NOT EXISTS session_events (
    id         TEXT PRIMARY KEY,
    type       TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_time ON session_events(created_at DESC, id);
`

// Recorder buffers events and flushes them in batches.
type Recorder struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithIDGenerator overrides the event ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(r *Recorder) { r.newID = gen }
}

// WithLogger sets the logger for flush failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// New starts a Recorder over an opened session database. bufferSize <= 0
// defaults to 256. Close must be called to drain the buffer.
func New(db *sql.DB, bufferSize int, opts ...Option) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	r := &Recorder{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		logger: slog.Default(),
		ch:     make(chan *Event, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.flushLoop()
	return r
}

// Record queues an event. detail is marshalled to JSON; a nil detail
// records "{}". Never blocks and never returns an error.
func (r *Recorder) Record(eventType string, detail any) {
	e := &Event{
		ID:        r.newID(),
		Type:      eventType,
		Detail:    "{}",
		CreatedAt: time.Now().Unix(),
	}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			e.Detail = string(b)
		}
	}
	select {
	case r.ch <- e:
	default:
		r.logger.Warn("eventlog buffer full, sync fallback", "type", eventType)
		if err := r.insert(context.Background(), e); err != nil {
			r.logger.Error("eventlog sync fallback failed", "error", err)
		}
	}
}

// Recent returns up to limit events, newest first. limit <= 0 defaults
// to 50.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, detail, created_at FROM session_events
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close drains pending events and stops the flush goroutine. Safe to call
// more than once.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*Event, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, e := range batch {
			if err := r.insert(ctx, e); err != nil {
				r.logger.Error("eventlog flush", "error", err, "event_id", e.ID)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-r.stop:
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) insert(ctx context.Context, e *Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_events (id, type, detail, created_at) VALUES (?,?,?,?)`,
		e.ID, e.Type, e.Detail, e.CreatedAt)
	return err
}
