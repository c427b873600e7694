// Package detect is the simulated R-peak detector.
//
// It performs no genuine signal analysis: markers are placed at a fixed
// offset into every nominal beat interval, and the "confidence" is a
// deterministic function of local amplitude. The UI labels its output as
// simulated, not diagnostic — keep it that way.
package detect

import (
	"math"

	"github.com/hazyhaar/ecglab/annot"
	"github.com/hazyhaar/ecglab/waveform"
)

const (
	// DefaultBeatInterval is assumed when the session has no generator
	// config to derive one from (75 bpm).
	DefaultBeatInterval = 0.8

	// rPeakPhase is where in each beat interval the marker lands. Matches
	// the generator's R spike position.
	rPeakPhase = 0.28

	baseConfidence = 0.90
)

// Config parameterises a detection pass.
type Config struct {
	Lead         int     // lead to scan
	BeatInterval float64 // seconds between beats; <= 0 uses DefaultBeatInterval
}

// Run scans the buffer and returns one simulated R-peak candidate per beat
// interval. Always succeeds: an all-zero (or empty) buffer yields the same
// fixed-interval placement with base confidence. Results are not persisted;
// the caller decides whether to store them.
func Run(buf *waveform.Buffer, cfg Config) []annot.Annotation {
	if buf == nil || buf.SampleCount() == 0 || !buf.ValidLead(cfg.Lead) {
		return []annot.Annotation{}
	}

	interval := cfg.BeatInterval
	if interval <= 0 {
		interval = DefaultBeatInterval
	}

	duration := buf.Duration()
	lead := buf.Leads[cfg.Lead]

	out := []annot.Annotation{}
	for t := 0.0; t < duration; t += interval {
		peakTime := t + rPeakPhase*interval
		if peakTime >= duration {
			break
		}
		idx := buf.SampleIndex(peakTime)
		out = append(out, annot.Annotation{
			Lead:        cfg.Lead,
			SampleIndex: idx,
			Category:    "R-Peak",
			Source:      annot.SourceDetector,
			Confidence:  confidenceAt(lead, idx),
		})
	}
	return out
}

// confidenceAt derives a deterministic pseudo-confidence from the sample
// amplitude: 0.90 base plus up to 0.10 for a strong deflection. A silent
// buffer scores exactly the base.
func confidenceAt(lead []float64, idx int) float64 {
	amp := math.Abs(lead[idx])
	bonus := amp / 1.5 * 0.10
	if bonus > 0.10 {
		bonus = 0.10
	}
	return math.Round((baseConfidence+bonus)*1000) / 1000
}
