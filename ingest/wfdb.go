package ingest

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/hazyhaar/ecglab/waveform"
)

// NaiveWFDB is the built-in best-effort WFDB signal reader. Without the
// record's header file there is no authoritative layout, so it assumes the
// common MIT-BIH arrangement: two channels of 16-bit little-endian samples,
// interleaved, 360 Hz, 200 adu/mV. When the byte count doesn't divide into
// two whole channels it falls back to a single channel and reports the
// shortfall as a *PartialDecodeError. The result is a plausible rendering
// of the record, not a faithful one.
type NaiveWFDB struct {
	// MaxSamples caps the per-lead decode length (default 720 000 ≈ 2000 s
	// at 360 Hz) so an oversized .dat can't balloon memory.
	MaxSamples int
}

const (
	wfdbSampleRate    = 360
	wfdbGain          = 200 // adu per mV
	wfdbExpectedLeads = 2
	wfdbMaxSamples    = 720_000
)

// DecodeWFDB implements WFDBDecoder.
func (d *NaiveWFDB) DecodeWFDB(_ context.Context, data []byte) (*waveform.Buffer, error) {
	if len(data) < 2 {
		return nil, &waveform.ValidationError{Field: "file", Reason: "too short for a 16-bit sample"}
	}

	maxSamples := d.MaxSamples
	if maxSamples <= 0 {
		maxSamples = wfdbMaxSamples
	}

	total := len(data) / 2 // whole 16-bit samples
	frames := total / wfdbExpectedLeads

	if frames == 0 || total%wfdbExpectedLeads != 0 {
		// Can't split evenly into two channels: decode as one.
		n := min(total, maxSamples)
		lead := make([]float64, n)
		for i := 0; i < n; i++ {
			raw := int16(binary.LittleEndian.Uint16(data[i*2:]))
			lead[i] = float64(raw) / wfdbGain
		}
		buf := waveform.NewBuffer([][]float64{lead}, wfdbSampleRate, "")
		return nil, &PartialDecodeError{
			Buffer:   buf,
			Expected: wfdbExpectedLeads,
			Got:      1,
			Reason:   fmt.Sprintf("%d samples do not split into %d channels", total, wfdbExpectedLeads),
		}
	}

	frames = min(frames, maxSamples)
	leads := make([][]float64, wfdbExpectedLeads)
	for ch := range leads {
		leads[ch] = make([]float64, frames)
	}
	for f := 0; f < frames; f++ {
		for ch := 0; ch < wfdbExpectedLeads; ch++ {
			off := (f*wfdbExpectedLeads + ch) * 2
			raw := int16(binary.LittleEndian.Uint16(data[off:]))
			leads[ch][f] = float64(raw) / wfdbGain
		}
	}
	return waveform.NewBuffer(leads, wfdbSampleRate, ""), nil
}
