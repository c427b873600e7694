package waveform

import (
	"math"
	"math/rand/v2"
)

// GenerateConfig parameterises the synthetic ECG generator.
type GenerateConfig struct {
	Duration   float64 `json:"duration" yaml:"duration"`       // seconds
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"` // Hz
	HeartRate  float64 `json:"heart_rate" yaml:"heart_rate"`   // beats per minute
	Noise      float64 `json:"noise" yaml:"noise"`             // peak-to-peak noise amplitude in mV
	Leads      int     `json:"leads" yaml:"leads"`
	Seed       uint64  `json:"seed" yaml:"seed"` // 0 = fixed default seed
}

// DefaultGenerateConfig mirrors the platform defaults: 10 s of 12-lead
// signal at 500 Hz, 75 bpm (0.8 s beat interval), 0.05 mV noise.
func DefaultGenerateConfig() GenerateConfig {
	return GenerateConfig{
		Duration:   10,
		SampleRate: 500,
		HeartRate:  75,
		Noise:      0.05,
		Leads:      12,
	}
}

// Validate fails fast on non-positive parameters. Noise may be zero.
func (c GenerateConfig) Validate() error {
	switch {
	case c.Duration <= 0:
		return &ValidationError{Field: "duration", Reason: "must be > 0"}
	case c.SampleRate <= 0:
		return &ValidationError{Field: "sample_rate", Reason: "must be > 0"}
	case c.HeartRate <= 0:
		return &ValidationError{Field: "heart_rate", Reason: "must be > 0"}
	case c.Noise < 0:
		return &ValidationError{Field: "noise", Reason: "must be >= 0"}
	case c.Leads <= 0:
		return &ValidationError{Field: "leads", Reason: "must be > 0"}
	}
	return nil
}

// BeatInterval returns the seconds between beats for the configured rate.
func (c GenerateConfig) BeatInterval() float64 { return 60 / c.HeartRate }

// leadScale differentiates leads so a 12-lead render doesn't show twelve
// identical traces. aVR (index 3) is conventionally inverted.
func leadScale(lead int) float64 {
	scales := []float64{1.0, 1.1, 0.9, -0.7, 0.6, 0.95, 0.5, 0.7, 0.9, 1.05, 1.1, 1.0}
	if lead < len(scales) {
		return scales[lead]
	}
	return 1.0
}

// Generate produces a synthetic multi-lead ECG-like buffer. The waveform is
// a canned piecewise beat shape (P bump, QRS spikes, T bump) plus uniform
// noise; it is illustrative, not physiological.
func Generate(cfg GenerateConfig) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	samples := int(cfg.Duration * cfg.SampleRate)
	if samples <= 0 {
		return nil, &ValidationError{Field: "duration", Reason: "too short for sample rate"}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	rng := rand.New(rand.NewPCG(seed, seed<<1|1))

	beat := cfg.BeatInterval()
	leads := make([][]float64, cfg.Leads)
	for li := range leads {
		scale := leadScale(li)
		values := make([]float64, samples)
		for i := range values {
			ti := float64(i) / cfg.SampleRate
			phase := math.Mod(ti, beat) / beat

			var v float64
			if phase > 0.1 && phase < 0.2 {
				// P-wave.
				v += 0.15 * math.Sin((phase-0.1)*math.Pi*10)
			}
			if phase > 0.25 && phase < 0.35 {
				// QRS complex: Q dip, R spike, S dip.
				switch qrs := (phase - 0.25) * 20; {
				case qrs < 0.3:
					v -= 0.3
				case qrs < 0.7:
					v += 1.5
				default:
					v -= 0.4
				}
			}
			if phase > 0.45 && phase < 0.65 {
				// T-wave.
				v += 0.3 * math.Sin((phase-0.45)*math.Pi*5)
			}
			v *= scale
			v += (rng.Float64() - 0.5) * cfg.Noise
			values[i] = v
		}
		leads[li] = values
	}

	return NewBuffer(leads, cfg.SampleRate, "simulated-ecg"), nil
}
