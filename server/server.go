// Package server wires the annotation session, ingest pipeline, renderer
// and exporter behind a chi HTTP API.
//
// Error taxonomy: validation errors map to 400, state machine violations
// to 409, unsupported upload formats to 415, and formats that are
// recognised but not decodable (missing capability, PDFs) to 422.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/ecglab/annot"
	"github.com/hazyhaar/ecglab/eventlog"
	"github.com/hazyhaar/ecglab/export"
	"github.com/hazyhaar/ecglab/guard"
	"github.com/hazyhaar/ecglab/ingest"
	"github.com/hazyhaar/ecglab/render"
	"github.com/hazyhaar/ecglab/session"
	"github.com/hazyhaar/ecglab/waveform"
)

// Server handles the HTTP API over a single shared session.
type Server struct {
	cfg      *Config
	sess     *session.Session
	pipeline *ingest.Pipeline
	logger   *slog.Logger
}

// New assembles a Server. A nil config uses DefaultConfig.
func New(cfg *Config, sess *session.Session, pipeline *ingest.Pipeline, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, sess: sess, pipeline: pipeline, logger: logger}
}

// Routes builds the API router with the standard middleware stack.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	for _, mw := range guard.DefaultStack(int64(s.cfg.MaxUploadMB) << 20) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/session", s.handleSession)
		r.Post("/session/review", s.handleReview)

		r.Post("/signal/generate", s.handleGenerate)
		r.Post("/upload", s.handleUpload)
		r.Get("/buffer", s.handleBuffer)
		r.Get("/render", s.handleRender)

		r.Post("/click", s.handleClick)
		r.Post("/confirm", s.handleConfirm)
		r.Post("/cancel", s.handleCancel)

		r.Get("/categories", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, annot.Categories)
		})

		r.Get("/annotations", s.handleListAnnotations)
		r.Delete("/annotations", s.handleClearAnnotations)
		r.Delete("/annotations/{id}", s.handleRemoveAnnotation)
		r.Patch("/annotations/{id}", s.handleUpdateNote)

		r.Post("/detect", s.handleDetect)

		r.Get("/comments", s.handleListComments)
		r.Post("/comments", s.handleAddComment)

		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)

		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.sess.Snapshot(r.Context())
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, st)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	stage, err := s.sess.AdvanceReview()
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]string{"review": stage})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Generate
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, 400, fmt.Errorf("decode body: %w", err))
			return
		}
	}
	buf, err := s.sess.Generate(r.Context(), cfg)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, bufferMeta(buf))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, 400, fmt.Errorf("form file: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, 400, fmt.Errorf("read upload: %w", err))
		return
	}

	buf, ingestErr := s.pipeline.Ingest(r.Context(), header.Filename, data)

	var partial *ingest.PartialDecodeError
	switch {
	case ingestErr == nil:
	case errors.As(ingestErr, &partial) && buf != nil:
		// Partial decode still loads what was readable; the response
		// carries the shortfall as a warning.
	default:
		s.sess.Events().Record(eventlog.TypeIngestFailed, map[string]string{
			"name": header.Filename, "error": ingestErr.Error(),
		})
		s.writeMapped(w, r, ingestErr)
		return
	}

	if err := s.sess.SetBuffer(r.Context(), buf); err != nil {
		s.writeMapped(w, r, err)
		return
	}

	resp := map[string]any{"buffer": bufferMeta(buf)}
	if partial != nil {
		resp["warning"] = partial.Error()
	}
	writeJSON(w, 200, resp)
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	buf := s.sess.Buffer()
	if buf == nil {
		s.writeMapped(w, r, session.ErrNoSignal)
		return
	}
	writeJSON(w, 200, bufferMeta(buf))
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	buf := s.sess.Buffer()
	if buf == nil {
		s.writeMapped(w, r, session.ErrNoSignal)
		return
	}

	vp := render.Viewport{
		Lead:     queryInt(r, "lead", 0),
		Start:    queryFloat(r, "start", 0),
		Duration: queryFloat(r, "duration", 0),
		Width:    queryInt(r, "width", s.cfg.RenderWidth),
		Height:   queryInt(r, "height", s.cfg.RenderHeight),
		ShowGrid: r.URL.Query().Get("grid") != "off",
	}

	anns, err := s.sess.Store().ListLead(r.Context(), vp.Lead)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	svg, err := render.Render(buf, anns, vp)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Write(svg)
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lead int     `json:"lead"`
		Time float64 `json:"time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, fmt.Errorf("decode body: %w", err))
		return
	}
	p, err := s.sess.Click(req.Lead, req.Time)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]any{"state": session.StatePending, "pending": p})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
		Note     string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, fmt.Errorf("decode body: %w", err))
		return
	}
	a, err := s.sess.Confirm(r.Context(), req.Category, req.Note)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, a)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Cancel(); err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]string{"state": session.StateIdle})
}

func (s *Server) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	if lead := r.URL.Query().Get("lead"); lead != "" {
		n, err := strconv.Atoi(lead)
		if err != nil {
			writeError(w, 400, fmt.Errorf("lead: %w", err))
			return
		}
		anns, err := s.sess.Store().ListLead(r.Context(), n)
		if err != nil {
			s.writeMapped(w, r, err)
			return
		}
		writeJSON(w, 200, anns)
		return
	}
	anns, err := s.sess.Store().List(r.Context())
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, anns)
}

func (s *Server) handleClearAnnotations(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Store().Clear(r.Context()); err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "cleared"})
}

func (s *Server) handleRemoveAnnotation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, 400, fmt.Errorf("id: %w", err))
		return
	}
	ok, err := s.sess.Store().Remove(r.Context(), id)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	if !ok {
		writeError(w, 404, fmt.Errorf("annotation %d not found", id))
		return
	}
	s.sess.Events().Record(eventlog.TypeAnnotationGone, map[string]int64{"id": id})
	writeJSON(w, 200, map[string]string{"status": "removed"})
}

func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, 400, fmt.Errorf("id: %w", err))
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, fmt.Errorf("decode body: %w", err))
		return
	}
	ok, err := s.sess.Store().UpdateNote(r.Context(), id, req.Note)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	if !ok {
		writeError(w, 404, fmt.Errorf("annotation %d not found", id))
		return
	}
	writeJSON(w, 200, map[string]string{"status": "updated"})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lead int `json:"lead"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, fmt.Errorf("decode body: %w", err))
			return
		}
	}
	anns, err := s.sess.RunDetector(r.Context(), req.Lead)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, anns)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.sess.Store().Comments(r.Context())
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, comments)
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Author string `json:"author"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, fmt.Errorf("decode body: %w", err))
		return
	}
	c, err := s.sess.Store().AddComment(r.Context(), req.Author, req.Text)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	s.sess.Events().Record(eventlog.TypeCommentAdded, map[string]string{"id": c.ID, "author": c.Author})
	writeJSON(w, 200, c)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	buf := s.sess.Buffer()
	anns, err := s.sess.Store().List(r.Context())
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	comments, err := s.sess.Store().Comments(r.Context())
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}

	meta := export.Metadata{ExportedAt: time.Now().UTC().Format(time.RFC3339)}
	if buf != nil {
		meta.Source = buf.SourceName
		meta.LeadCount = buf.LeadCount()
		meta.SampleRate = buf.SampleRate
		meta.Duration = buf.Duration()
	}
	out, err := export.Build(meta, anns, comments)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	s.sess.Events().Record(eventlog.TypeExportBuilt, map[string]int{
		"annotations": len(anns), "comments": len(comments),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="ecg-annotations.json"`)
	w.Write(out)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, 400, fmt.Errorf("read body: %w", err))
		return
	}
	doc, err := export.Parse(data)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	anns, err := s.sess.Import(r.Context(), doc.Annotations)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]any{"imported": len(anns), "annotations": anns})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.sess.Events().Recent(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, 200, events)
}

// writeMapped translates domain errors to HTTP statuses.
func (s *Server) writeMapped(w http.ResponseWriter, r *http.Request, err error) {
	var verr *waveform.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, annot.ErrUnknownCategory):
		writeError(w, 400, err)
	case errors.Is(err, session.ErrNoSignal),
		errors.Is(err, session.ErrNoPending),
		errors.Is(err, session.ErrApproved):
		writeError(w, 409, err)
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		writeError(w, 415, err)
	case errors.Is(err, ingest.ErrCapabilityUnavailable),
		errors.Is(err, ingest.ErrNotImplemented):
		writeError(w, 422, err)
	default:
		guard.GetLogger(r.Context()).Error("internal error", "error", err)
		writeError(w, 500, err)
	}
}

func bufferMeta(buf *waveform.Buffer) map[string]any {
	return map[string]any{
		"source":           buf.SourceName,
		"lead_count":       buf.LeadCount(),
		"lead_names":       buf.LeadNames,
		"sample_rate":      buf.SampleRate,
		"sample_count":     buf.SampleCount(),
		"duration_seconds": buf.Duration(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}
