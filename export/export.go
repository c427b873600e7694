// Package export serialises an annotation session to a portable JSON
// document and reads one back.
//
// The document embeds a BLAKE2b-256 checksum of its annotation and comment
// payload so a re-imported file can be verified against tampering or
// truncation. Building is deterministic: the same session state always
// yields the same bytes.
package export

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/ecglab/annot"
)

// Metadata describes the signal the annotations were made against.
type Metadata struct {
	Source      string  `json:"source"`
	LeadCount   int     `json:"lead_count"`
	SampleRate  float64 `json:"sample_rate"`
	Duration    float64 `json:"duration_seconds"`
	Annotator   string  `json:"annotator"`   // placeholder identity; no accounts
	ExportedAt  string  `json:"exported_at"` // RFC 3339; caller-supplied for determinism
	Annotations int     `json:"annotation_count"`
	Comments    int     `json:"comment_count"`
	Checksum    string  `json:"checksum"` // blake2b-256 over annotations+comments JSON
}

// Document is the export file layout. Annotations and Comments are never
// null in the serialised form, only possibly empty.
type Document struct {
	Metadata    Metadata           `json:"metadata"`
	Annotations []annot.Annotation `json:"annotations"`
	Comments    []annot.Comment    `json:"comments"`
}

// Build assembles and serialises a document. The counts and checksum in
// meta are filled in here; any caller-set values for them are overwritten.
func Build(meta Metadata, anns []annot.Annotation, comments []annot.Comment) ([]byte, error) {
	if anns == nil {
		anns = []annot.Annotation{}
	}
	if comments == nil {
		comments = []annot.Comment{}
	}

	sum, err := payloadChecksum(anns, comments)
	if err != nil {
		return nil, err
	}
	if meta.Annotator == "" {
		meta.Annotator = "anonymous"
	}
	meta.Annotations = len(anns)
	meta.Comments = len(comments)
	meta.Checksum = sum

	doc := Document{Metadata: meta, Annotations: anns, Comments: comments}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: marshal: %w", err)
	}
	return out, nil
}

// Parse reads an exported document and verifies its checksum.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("export: parse: %w", err)
	}
	if doc.Annotations == nil {
		doc.Annotations = []annot.Annotation{}
	}
	if doc.Comments == nil {
		doc.Comments = []annot.Comment{}
	}

	sum, err := payloadChecksum(doc.Annotations, doc.Comments)
	if err != nil {
		return nil, err
	}
	if doc.Metadata.Checksum != "" && doc.Metadata.Checksum != sum {
		return nil, fmt.Errorf("export: checksum mismatch: document says %s, payload hashes to %s",
			doc.Metadata.Checksum, sum)
	}
	return &doc, nil
}

func payloadChecksum(anns []annot.Annotation, comments []annot.Comment) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("export: checksum: %w", err)
	}
	enc := json.NewEncoder(h)
	if err := enc.Encode(anns); err != nil {
		return "", fmt.Errorf("export: checksum: %w", err)
	}
	if err := enc.Encode(comments); err != nil {
		return "", fmt.Errorf("export: checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
