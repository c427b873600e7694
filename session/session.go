// Package session holds the single annotation workspace: the current
// waveform buffer, the annotation store, the click state machine, and the
// quality review stage.
//
// The demo serves one shared session; a mutex serialises every state
// transition. Buffers are replaced wholesale (generate or ingest), never
// edited, and replacing one flags all existing annotations stale and
// resets the click state and review stage.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/ecglab/annot"
	"github.com/hazyhaar/ecglab/dbopen"
	"github.com/hazyhaar/ecglab/detect"
	"github.com/hazyhaar/ecglab/eventlog"
	"github.com/hazyhaar/ecglab/waveform"
)

// Click states.
const (
	StateIdle    = "idle"    // no click captured
	StatePending = "pending" // a click awaits confirm or cancel
)

// Quality review stages, in order. The stage only moves forward, and any
// buffer replacement resets it to ReviewPending.
const (
	ReviewPending     = "pending"
	ReviewUnderReview = "under-review"
	ReviewApproved    = "approved"
)

// State transition errors. The HTTP layer maps these to 409.
var (
	ErrNoSignal  = errors.New("session: no signal loaded")
	ErrNoPending = errors.New("session: no pending click")
	ErrApproved  = errors.New("session: review already approved")
)

// PendingClick is a captured click position awaiting confirmation.
type PendingClick struct {
	Lead        int     `json:"lead"`
	SampleIndex int     `json:"sampleIndex"`
	Time        float64 `json:"time"`
}

// Status is a point-in-time snapshot of the session, shaped for the UI.
type Status struct {
	HasSignal   bool          `json:"has_signal"`
	Source      string        `json:"source,omitempty"`
	LeadCount   int           `json:"lead_count"`
	SampleRate  float64       `json:"sample_rate"`
	Duration    float64       `json:"duration_seconds"`
	LeadNames   []string      `json:"lead_names"`
	State       string        `json:"state"`
	Pending     *PendingClick `json:"pending,omitempty"`
	Review      string        `json:"review"`
	Annotations int           `json:"annotation_count"`
}

// Session is the single shared workspace.
type Session struct {
	mu      sync.Mutex
	buf     *waveform.Buffer
	genCfg  *waveform.GenerateConfig
	store   *annot.Store
	db      *sql.DB
	events  *eventlog.Recorder
	pending *PendingClick
	review  string
	logger  *slog.Logger
}

// Config configures Open.
type Config struct {
	Logger      *slog.Logger
	EventBuffer int // event recorder buffer; <= 0 uses the default
}

// Open creates a fresh session over an in-memory database. The caller must
// Close it to release the database and drain the event recorder.
func Open(cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	db, err := dbopen.Open(":memory:", dbopen.WithSchema(annot.Schema+eventlog.Schema))
	if err != nil {
		return nil, fmt.Errorf("session: open db: %w", err)
	}
	store, err := annot.New(annot.Config{DB: db, Logger: cfg.Logger})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Session{
		store:  store,
		db:     db,
		events: eventlog.New(db, cfg.EventBuffer, eventlog.WithLogger(cfg.Logger)),
		review: ReviewPending,
		logger: cfg.Logger,
	}, nil
}

// Close drains the event recorder and closes the session database.
func (s *Session) Close() error {
	s.events.Close()
	return s.db.Close()
}

// Store exposes the annotation store for list/remove/note/comment
// operations; those need no session-level state.
func (s *Session) Store() *annot.Store { return s.store }

// Events exposes the activity recorder.
func (s *Session) Events() *eventlog.Recorder { return s.events }

// Generate replaces the buffer with a synthetic signal.
func (s *Session) Generate(ctx context.Context, cfg waveform.GenerateConfig) (*waveform.Buffer, error) {
	buf, err := waveform.Generate(cfg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.replaceBufferLocked(ctx, buf); err != nil {
		return nil, err
	}
	s.genCfg = &cfg
	s.events.Record(eventlog.TypeSignalGenerated, map[string]any{
		"leads": cfg.Leads, "duration": cfg.Duration, "heart_rate": cfg.HeartRate,
	})
	return buf, nil
}

// SetBuffer replaces the buffer with an ingested recording.
func (s *Session) SetBuffer(ctx context.Context, buf *waveform.Buffer) error {
	if buf == nil || buf.SampleCount() == 0 {
		return &waveform.ValidationError{Field: "buffer", Reason: "empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.replaceBufferLocked(ctx, buf); err != nil {
		return err
	}
	s.genCfg = nil
	s.events.Record(eventlog.TypeFileIngested, map[string]any{
		"source": buf.SourceName, "leads": buf.LeadCount(), "duration": buf.Duration(),
	})
	return nil
}

func (s *Session) replaceBufferLocked(ctx context.Context, buf *waveform.Buffer) error {
	if s.buf != nil {
		if err := s.store.MarkAllStale(ctx); err != nil {
			return err
		}
	}
	s.buf = buf
	s.pending = nil
	s.review = ReviewPending
	return nil
}

// Buffer returns the current buffer, or nil before the first generate or
// ingest.
func (s *Session) Buffer() *waveform.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

// Click captures a click at time t on the given lead and moves the state
// machine to pending. A click while one is already pending replaces it —
// the annotator changed their mind about the position, not the intent.
func (s *Session) Click(lead int, t float64) (PendingClick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return PendingClick{}, ErrNoSignal
	}
	if !s.buf.ValidLead(lead) {
		return PendingClick{}, &waveform.ValidationError{Field: "lead", Reason: fmt.Sprintf("index %d out of range", lead)}
	}
	if t < 0 || t > s.buf.Duration() {
		return PendingClick{}, &waveform.ValidationError{Field: "time", Reason: fmt.Sprintf("%.3f s outside recording", t)}
	}
	idx := s.buf.SampleIndex(t)
	s.pending = &PendingClick{Lead: lead, SampleIndex: idx, Time: s.buf.TimeAt(idx)}
	return *s.pending, nil
}

// Confirm turns the pending click into a stored annotation and returns it
// with its assigned ID. The state machine returns to idle.
func (s *Session) Confirm(ctx context.Context, category, note string) (annot.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return annot.Annotation{}, ErrNoPending
	}
	a := annot.Annotation{
		Lead:        s.pending.Lead,
		SampleIndex: s.pending.SampleIndex,
		Category:    category,
		Note:        note,
		Source:      annot.SourceUser,
	}
	id, err := s.store.Add(ctx, a)
	if err != nil {
		return annot.Annotation{}, err
	}
	a.ID = id
	s.pending = nil
	s.events.Record(eventlog.TypeAnnotationAdded, map[string]any{
		"id": id, "lead": a.Lead, "category": a.Category,
	})
	return a, nil
}

// Cancel discards the pending click.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return ErrNoPending
	}
	s.pending = nil
	return nil
}

// BeatInterval returns the detector interval for the current signal: the
// generator's, when the buffer came from the generator, otherwise the
// default.
func (s *Session) BeatInterval() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.genCfg != nil {
		return s.genCfg.BeatInterval()
	}
	return detect.DefaultBeatInterval
}

// RunDetector runs the simulated detector over one lead and stores its
// candidates. Returns the stored annotations with their assigned IDs.
func (s *Session) RunDetector(ctx context.Context, lead int) ([]annot.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return nil, ErrNoSignal
	}
	if !s.buf.ValidLead(lead) {
		return nil, &waveform.ValidationError{Field: "lead", Reason: fmt.Sprintf("index %d out of range", lead)}
	}

	interval := detect.DefaultBeatInterval
	if s.genCfg != nil {
		interval = s.genCfg.BeatInterval()
	}
	candidates := detect.Run(s.buf, detect.Config{Lead: lead, BeatInterval: interval})
	if len(candidates) == 0 {
		return []annot.Annotation{}, nil
	}
	ids, err := s.store.AddBatch(ctx, candidates)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		candidates[i].ID = ids[i]
	}
	s.events.Record(eventlog.TypeDetectorRun, map[string]any{
		"lead": lead, "candidates": len(candidates),
	})
	return candidates, nil
}

// Import replaces the stored annotations with the given set, preserving
// slice order. IDs are reassigned by the store; returns the stored
// annotations with their new IDs.
func (s *Session) Import(ctx context.Context, anns []annot.Annotation) ([]annot.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Clear(ctx); err != nil {
		return nil, err
	}
	if len(anns) == 0 {
		return []annot.Annotation{}, nil
	}
	for i := range anns {
		anns[i].ID = 0
		anns[i].Stale = false
		if anns[i].Source == "" {
			anns[i].Source = annot.SourceUser
		}
	}
	ids, err := s.store.AddBatch(ctx, anns)
	if err != nil {
		return nil, err
	}
	for i := range anns {
		anns[i].ID = ids[i]
	}
	s.events.Record(eventlog.TypeImportApplied, map[string]int{"count": len(anns)})
	return anns, nil
}

// Review returns the current quality review stage.
func (s *Session) Review() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.review
}

// AdvanceReview moves the review stage one step forward and returns the
// new stage. Advancing past approved is an error.
func (s *Session) AdvanceReview() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return "", ErrNoSignal
	}
	switch s.review {
	case ReviewPending:
		s.review = ReviewUnderReview
	case ReviewUnderReview:
		s.review = ReviewApproved
	default:
		return "", ErrApproved
	}
	s.events.Record(eventlog.TypeReviewAdvanced, map[string]string{"stage": s.review})
	return s.review, nil
}

// Snapshot assembles the UI status view.
func (s *Session) Snapshot(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: StateIdle, Review: s.review, LeadNames: []string{}}
	if s.pending != nil {
		p := *s.pending
		st.State = StatePending
		st.Pending = &p
	}
	if s.buf != nil {
		st.HasSignal = true
		st.Source = s.buf.SourceName
		st.LeadCount = s.buf.LeadCount()
		st.SampleRate = s.buf.SampleRate
		st.Duration = s.buf.Duration()
		st.LeadNames = s.buf.LeadNames
	}
	n, err := s.store.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Annotations = n
	return st, nil
}
