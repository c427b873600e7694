// Package waveform holds the in-memory multi-lead sample buffer and the
// synthetic ECG generator.
//
// A Buffer is replaced wholesale when a new signal is generated or ingested,
// never mutated in place. Annotations reference buffer positions by
// (lead, sample index) only; the reference is positional, not owning, so a
// buffer swap invalidates prior annotations (the session layer flags them).
package waveform

import (
	"fmt"
	"time"
)

// StandardLeadNames is the conventional 12-lead ECG ordering.
var StandardLeadNames = []string{
	"Lead I", "Lead II", "Lead III", "aVR", "aVL", "aVF",
	"V1", "V2", "V3", "V4", "V5", "V6",
}

// Buffer is a multi-lead voltage recording. All leads share the same length
// and sample rate.
type Buffer struct {
	Leads      [][]float64 `json:"-"`
	SampleRate float64     `json:"sample_rate"`
	LeadNames  []string    `json:"lead_names"`
	SourceName string      `json:"source_name"` // file name or "simulated-ecg"
	CreatedAt  int64       `json:"created_at"`
}

// NewBuffer builds a Buffer over the given lead slices, assigning standard
// lead names (or synthetic ones past the 12th).
func NewBuffer(leads [][]float64, sampleRate float64, source string) *Buffer {
	names := make([]string, len(leads))
	for i := range names {
		if i < len(StandardLeadNames) {
			names[i] = StandardLeadNames[i]
		} else {
			names[i] = fmt.Sprintf("Ch%d", i+1)
		}
	}
	return &Buffer{
		Leads:      leads,
		SampleRate: sampleRate,
		LeadNames:  names,
		SourceName: source,
		CreatedAt:  time.Now().Unix(),
	}
}

// LeadCount returns the number of leads.
func (b *Buffer) LeadCount() int { return len(b.Leads) }

// SampleCount returns the per-lead sample count (0 for an empty buffer).
func (b *Buffer) SampleCount() int {
	if len(b.Leads) == 0 {
		return 0
	}
	return len(b.Leads[0])
}

// Duration returns the recording length in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.SampleCount()) / b.SampleRate
}

// SampleIndex converts a time in seconds to the nearest sample index,
// clamped to the buffer bounds.
func (b *Buffer) SampleIndex(t float64) int {
	idx := int(t*b.SampleRate + 0.5)
	if idx < 0 {
		idx = 0
	}
	if max := b.SampleCount() - 1; idx > max {
		idx = max
	}
	return idx
}

// TimeAt converts a sample index to seconds.
func (b *Buffer) TimeAt(idx int) float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(idx) / b.SampleRate
}

// ValidLead reports whether lead is a valid index into the buffer.
func (b *Buffer) ValidLead(lead int) bool {
	return lead >= 0 && lead < len(b.Leads)
}

// ValidationError reports an invalid generation or ingestion parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("waveform: invalid %s: %s", e.Field, e.Reason)
}
