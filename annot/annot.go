// Package annot is the annotation store: an ordered list of point
// annotations keyed by (lead, sample index), plus the append-only comment
// log.
//
// The store is backed by a session-scoped in-memory SQLite database.
// AUTOINCREMENT gives annotation IDs that are strictly increasing and never
// reused within a session; insertion order is preserved for stable display.
// Nothing here touches disk — the store's lifetime is the session's.
package annot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/ecglab/dbopen"
	"github.com/hazyhaar/ecglab/idgen"
)

// Annotation source values.
const (
	SourceUser     = "user"
	SourceDetector = "detector"
)

// Categories lists the annotation types offered by the platform, in menu
// order. R-Peak first: it is the default and the one the detector emits.
var Categories = []string{
	"R-Peak", "P-Wave", "PR-Segment", "T-Wave", "QRS-Start", "QRS-End",
	"J-Point", "ST-Segment", "Arrhythmia", "Artifact", "Comment",
}

// ErrUnknownCategory rejects annotations whose category is not in
// Categories. Category names are user input; the HTTP layer maps this to a
// client error, not a server fault.
var ErrUnknownCategory = errors.New("unknown category")

// ValidCategory reports whether name is one of Categories.
func ValidCategory(name string) bool {
	for _, c := range Categories {
		if c == name {
			return true
		}
	}
	return false
}

// Annotation is a single point marker on the waveform. Immutable after
// creation except for Note and the Stale flag.
type Annotation struct {
	ID          int64   `json:"id"`
	Lead        int     `json:"lead"`
	SampleIndex int     `json:"sampleIndex"`
	Category    string  `json:"category"`
	Note        string  `json:"note"`
	Source      string  `json:"source"`
	Confidence  float64 `json:"confidence"`
	Stale       bool    `json:"stale"`
	CreatedAt   int64   `json:"created_at"`
}

// Comment is an append-only remark, independent of any annotation.
type Comment struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Schema creates the store tables. Applied via dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS annotations (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    lead         INTEGER NOT NULL,
    sample_index INTEGER NOT NULL,
    category     TEXT NOT NULL,
    note         TEXT NOT NULL DEFAULT '',
    source       TEXT NOT NULL,
    confidence   REAL NOT NULL DEFAULT 0,
    stale        INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS comments (
    id         TEXT PRIMARY KEY,
    author     TEXT NOT NULL DEFAULT 'anonymous',
    text       TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_annotations_lead ON annotations(lead);
`

// Store wraps the session database.
type Store struct {
	db        *sql.DB
	newID     idgen.Generator
	sanitizer *bluemonday.Policy
	logger    *slog.Logger
}

// Config configures a Store.
type Config struct {
	DB     *sql.DB        // required; schema must be applied
	NewID  idgen.Generator // comment IDs; default Prefixed("cmt_", Default)
	Logger *slog.Logger
}

// New creates a Store over an opened session database.
func New(cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("annot: DB is required")
	}
	if cfg.NewID == nil {
		cfg.NewID = idgen.Prefixed("cmt_", idgen.Default)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		db:        cfg.DB,
		newID:     cfg.NewID,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    cfg.Logger,
	}, nil
}

// OpenMemoryStore opens a fresh in-memory store. The caller owns the
// returned *sql.DB and must Close it when the session ends.
func OpenMemoryStore() (*Store, *sql.DB, error) {
	db, err := dbopen.Open(":memory:", dbopen.WithSchema(Schema))
	if err != nil {
		return nil, nil, fmt.Errorf("annot: open store: %w", err)
	}
	store, err := New(Config{DB: db})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

// Add inserts an annotation and returns its store-assigned ID. The ID is
// strictly greater than any previously assigned one.
func (s *Store) Add(ctx context.Context, a Annotation) (int64, error) {
	if !ValidCategory(a.Category) {
		return 0, fmt.Errorf("annot: %w %q", ErrUnknownCategory, a.Category)
	}
	if a.Source == "" {
		a.Source = SourceUser
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (lead, sample_index, category, note, source, confidence, stale, created_at)
		VALUES (?,?,?,?,?,?,0,?)`,
		a.Lead, a.SampleIndex, a.Category, a.Note, a.Source, a.Confidence, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("annot: add: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("annot: last insert id: %w", err)
	}
	return id, nil
}

// AddBatch inserts several annotations in one transaction, preserving slice
// order. Used by the detector.
func (s *Store) AddBatch(ctx context.Context, anns []Annotation) ([]int64, error) {
	ids := make([]int64, 0, len(anns))
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		for _, a := range anns {
			if !ValidCategory(a.Category) {
				return fmt.Errorf("annot: %w %q", ErrUnknownCategory, a.Category)
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO annotations (lead, sample_index, category, note, source, confidence, stale, created_at)
				VALUES (?,?,?,?,?,?,0,?)`,
				a.Lead, a.SampleIndex, a.Category, a.Note, a.Source, a.Confidence, now)
			if err != nil {
				return fmt.Errorf("annot: add batch: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove deletes an annotation. Returns false if the ID did not exist.
func (s *Store) Remove(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("annot: remove: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns all annotations in insertion order.
func (s *Store) List(ctx context.Context) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lead, sample_index, category, note, source, confidence, stale, created_at
		FROM annotations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("annot: list: %w", err)
	}
	defer rows.Close()

	anns := []Annotation{}
	for rows.Next() {
		var a Annotation
		var stale int
		if err := rows.Scan(&a.ID, &a.Lead, &a.SampleIndex, &a.Category, &a.Note,
			&a.Source, &a.Confidence, &stale, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("annot: scan: %w", err)
		}
		a.Stale = stale != 0
		anns = append(anns, a)
	}
	return anns, rows.Err()
}

// ListLead returns the non-stale annotations on one lead, in insertion
// order. The renderer overlays exactly this set.
func (s *Store) ListLead(ctx context.Context, lead int) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lead, sample_index, category, note, source, confidence, stale, created_at
		FROM annotations WHERE lead = ? AND stale = 0 ORDER BY id`, lead)
	if err != nil {
		return nil, fmt.Errorf("annot: list lead: %w", err)
	}
	defer rows.Close()

	anns := []Annotation{}
	for rows.Next() {
		var a Annotation
		var stale int
		if err := rows.Scan(&a.ID, &a.Lead, &a.SampleIndex, &a.Category, &a.Note,
			&a.Source, &a.Confidence, &stale, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("annot: scan: %w", err)
		}
		a.Stale = stale != 0
		anns = append(anns, a)
	}
	return anns, rows.Err()
}

// UpdateNote changes the note of an existing annotation — the only field
// that may change after creation. Returns false if the ID did not exist.
func (s *Store) UpdateNote(ctx context.Context, id int64, note string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE annotations SET note = ? WHERE id = ?`, note, id)
	if err != nil {
		return false, fmt.Errorf("annot: update note: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkAllStale flags every annotation as referring to a replaced buffer.
// Stale annotations stay listed (deletion is a user decision) but are no
// longer rendered.
func (s *Store) MarkAllStale(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE annotations SET stale = 1`); err != nil {
		return fmt.Errorf("annot: mark stale: %w", err)
	}
	return nil
}

// Clear removes every annotation. The ID sequence is NOT reset, so IDs are
// never reused within a session even across Clear.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM annotations`); err != nil {
		return fmt.Errorf("annot: clear: %w", err)
	}
	return nil
}

// Count returns the number of stored annotations.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM annotations`).Scan(&n)
	return n, err
}

// maxCommentLen caps stored comment text, in bytes.
const maxCommentLen = 5000

// AddComment appends a comment. The text is sanitized (all HTML stripped)
// before storage; empty-after-sanitization text is rejected. Over-length
// text is truncated on a rune boundary so the stored value stays valid
// UTF-8.
func (s *Store) AddComment(ctx context.Context, author, text string) (*Comment, error) {
	text = strings.TrimSpace(s.sanitizer.Sanitize(text))
	if text == "" {
		return nil, fmt.Errorf("annot: comment text is empty")
	}
	if len(text) > maxCommentLen {
		cut := maxCommentLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	if author == "" {
		author = "anonymous"
	} else {
		author = strings.TrimSpace(s.sanitizer.Sanitize(author))
	}

	c := &Comment{
		ID:        s.newID(),
		Author:    author,
		Text:      text,
		Timestamp: time.Now().Unix(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, author, text, created_at) VALUES (?,?,?,?)`,
		c.ID, c.Author, c.Text, c.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("annot: add comment: %w", err)
	}
	return c, nil
}

// Comments returns all comments, oldest first.
func (s *Store) Comments(ctx context.Context) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, text, created_at FROM comments ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("annot: comments: %w", err)
	}
	defer rows.Close()

	comments := []Comment{}
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.Author, &c.Text, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("annot: scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}
