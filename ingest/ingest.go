// Package ingest decodes uploaded ECG files into waveform buffers.
//
// Dispatch is purely by declared extension:
//   - .edf          — delegated to an optional EDFDecoder capability
//   - .dat, .wfdb   — delegated to a WFDBDecoder capability (best-effort,
//     partial success surfaced as *PartialDecodeError)
//   - .jpg/.jpeg/.png — heuristic 4×4 grid crop of a scanned 12-lead
//     printout, one intensity profile per cell (illustrative only)
//   - .pdf          — always ErrNotImplemented, no partial behaviour
//
// Anything else is ErrUnsupportedFormat. A failed ingestion never replaces
// the active buffer; that contract is enforced by the session layer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/ecglab/waveform"
)

// Format identifies an upload type.
type Format string

const (
	FormatEDF   Format = "edf"
	FormatWFDB  Format = "wfdb"
	FormatImage Format = "image"
	FormatPDF   Format = "pdf"
)

var (
	// ErrUnsupportedFormat is returned for extensions outside the upload set.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrCapabilityUnavailable is returned when a format's optional decoder
	// is not registered. The system degrades gracefully instead of crashing.
	ErrCapabilityUnavailable = errors.New("decoding capability unavailable")

	// ErrNotImplemented is returned for formats the platform recognises but
	// does not process (PDF).
	ErrNotImplemented = errors.New("not implemented")
)

// PartialDecodeError reports a best-effort decode that produced fewer leads
// than expected. It carries the usable buffer: callers should treat it as a
// warning, not a failure.
type PartialDecodeError struct {
	Buffer   *waveform.Buffer
	Expected int
	Got      int
	Reason   string
}

func (e *PartialDecodeError) Error() string {
	return fmt.Sprintf("partial decode: got %d of %d leads (%s)", e.Got, e.Expected, e.Reason)
}

// EDFDecoder decodes European Data Format files. ecglab never parses EDF
// itself; a deployment wires a decoder in or the format reports
// ErrCapabilityUnavailable.
type EDFDecoder interface {
	DecodeEDF(ctx context.Context, data []byte) (*waveform.Buffer, error)
}

// WFDBDecoder decodes PhysioNet WFDB-style signal files. Best-effort: a
// decoder may return *PartialDecodeError carrying a usable buffer.
type WFDBDecoder interface {
	DecodeWFDB(ctx context.Context, data []byte) (*waveform.Buffer, error)
}

// Config configures the ingestion pipeline.
type Config struct {
	// MaxFileSize is the maximum upload size in bytes (default 50 MB).
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`

	// EDF is the optional EDF capability. Nil = unavailable.
	EDF EDFDecoder `json:"-" yaml:"-"`

	// WFDB is the optional WFDB capability. Nil = unavailable. cmd/ecglab
	// registers the built-in naive decoder.
	WFDB WFDBDecoder `json:"-" yaml:"-"`

	// Logger for debug messages.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 50 * 1024 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pipeline is the upload decoding engine.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Pipeline with the given configuration.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{cfg: cfg, logger: cfg.Logger}
}

// Detect returns the upload format based on file extension.
func (p *Pipeline) Detect(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".edf":
		return FormatEDF, nil
	case ".dat", ".wfdb":
		return FormatWFDB, nil
	case ".jpg", ".jpeg", ".png":
		return FormatImage, nil
	case ".pdf":
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("ingest: %q: %w", filepath.Ext(name), ErrUnsupportedFormat)
	}
}

// Ingest decodes an uploaded file into a buffer. A *PartialDecodeError
// return still carries a usable buffer in the error value.
func (p *Pipeline) Ingest(ctx context.Context, name string, data []byte) (*waveform.Buffer, error) {
	if int64(len(data)) > p.cfg.MaxFileSize {
		return nil, &waveform.ValidationError{
			Field:  "file",
			Reason: fmt.Sprintf("%d bytes exceeds limit of %d", len(data), p.cfg.MaxFileSize),
		}
	}
	if len(data) == 0 {
		return nil, &waveform.ValidationError{Field: "file", Reason: "empty upload"}
	}

	format, err := p.Detect(name)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("ingesting upload", "name", name, "format", format, "bytes", len(data))

	var buf *waveform.Buffer
	switch format {
	case FormatEDF:
		if p.cfg.EDF == nil {
			return nil, fmt.Errorf("ingest: edf: %w", ErrCapabilityUnavailable)
		}
		buf, err = p.cfg.EDF.DecodeEDF(ctx, data)
	case FormatWFDB:
		if p.cfg.WFDB == nil {
			return nil, fmt.Errorf("ingest: wfdb: %w", ErrCapabilityUnavailable)
		}
		buf, err = p.cfg.WFDB.DecodeWFDB(ctx, data)
	case FormatImage:
		buf, err = extractImageLeads(data)
	case FormatPDF:
		return nil, describePDF(data)
	default:
		return nil, fmt.Errorf("ingest: no decoder for format %s: %w", format, ErrUnsupportedFormat)
	}

	var partial *PartialDecodeError
	if errors.As(err, &partial) {
		// Best-effort success: propagate the warning with its buffer.
		partial.Buffer.SourceName = name
		return partial.Buffer, partial
	}
	if err != nil {
		return nil, fmt.Errorf("ingest %s (%s): %w", name, format, err)
	}

	buf.SourceName = name
	return buf, nil
}

// SupportedExtensions returns the accepted upload extensions.
func SupportedExtensions() []string {
	return []string{"edf", "dat", "wfdb", "jpg", "jpeg", "png", "pdf"}
}
