// Package render draws one lead of a waveform buffer as an SVG chart with
// annotation markers overlaid.
//
// Render is a pure function of (buffer, annotations, viewport): no hidden
// state, deterministic bytes for identical inputs. The browser only
// displays the SVG and converts click pixels back to time using the same
// viewport the server rendered with; TimeAt is that inverse mapping.
package render

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/ecglab/annot"
	"github.com/hazyhaar/ecglab/waveform"
)

// Viewport is the caller-supplied pan/zoom window.
type Viewport struct {
	Lead     int     `json:"lead"`
	Start    float64 `json:"start"`    // seconds
	Duration float64 `json:"duration"` // seconds of signal shown
	Width    int     `json:"width"`    // pixels
	Height   int     `json:"height"`   // pixels
	ShowGrid bool    `json:"show_grid"`
}

// DefaultViewport shows the first 10 s of lead II at 900x360.
func DefaultViewport() Viewport {
	return Viewport{Lead: 1, Start: 0, Duration: 10, Width: 900, Height: 360, ShowGrid: true}
}

func (v Viewport) normalized(buf *waveform.Buffer) (Viewport, error) {
	if !buf.ValidLead(v.Lead) {
		return v, &waveform.ValidationError{Field: "lead", Reason: fmt.Sprintf("index %d out of range", v.Lead)}
	}
	if v.Width <= 0 {
		v.Width = 900
	}
	if v.Height <= 0 {
		v.Height = 360
	}
	if v.Duration <= 0 {
		v.Duration = buf.Duration()
	}
	if v.Start < 0 {
		v.Start = 0
	}
	if rest := buf.Duration() - v.Start; v.Duration > rest {
		v.Duration = rest
	}
	if v.Duration <= 0 {
		return v, &waveform.ValidationError{Field: "start", Reason: "beyond end of recording"}
	}
	return v, nil
}

// TimeAt converts a viewport x pixel back to a time in seconds.
func TimeAt(v Viewport, x float64) float64 {
	if v.Width <= 0 {
		return v.Start
	}
	return v.Start + x/float64(v.Width)*v.Duration
}

// Amplitude window in mV; the generator's QRS spans roughly ±1.6.
const (
	yMin = -2.0
	yMax = 2.5
)

// Render produces the SVG chart for one lead. Only non-stale annotations on
// the rendered lead and inside the time window are overlaid; the caller is
// expected to pre-filter by lead (annot.Store.ListLead does both).
func Render(buf *waveform.Buffer, anns []annot.Annotation, vp Viewport) ([]byte, error) {
	if buf == nil || buf.SampleCount() == 0 {
		return nil, &waveform.ValidationError{Field: "buffer", Reason: "empty"}
	}
	vp, err := vp.normalized(buf)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`,
		vp.Width, vp.Height, vp.Width, vp.Height)
	b.WriteString(`<rect width="100%" height="100%" fill="#0f172a"/>`)

	if vp.ShowGrid {
		writeGrid(&b, vp)
	}
	writeTrace(&b, buf, vp)
	writeMarkers(&b, buf, anns, vp)

	fmt.Fprintf(&b, `<text x="8" y="16" fill="#94a3b8" font-size="12">%s</text>`,
		xmlEscape(buf.LeadNames[vp.Lead]))
	b.WriteString(`</svg>`)
	return []byte(b.String()), nil
}

// writeGrid draws the standard ECG paper grid: a line per 0.2 s and per 0.5 mV.
func writeGrid(b *strings.Builder, vp Viewport) {
	b.WriteString(`<g stroke="#1e293b" stroke-width="1">`)
	for t := 0.0; t <= vp.Duration; t += 0.2 {
		x := t / vp.Duration * float64(vp.Width)
		fmt.Fprintf(b, `<line x1="%.1f" y1="0" x2="%.1f" y2="%d"/>`, x, x, vp.Height)
	}
	for mv := yMin; mv <= yMax; mv += 0.5 {
		y := yToPixel(mv, vp.Height)
		fmt.Fprintf(b, `<line x1="0" y1="%.1f" x2="%d" y2="%.1f"/>`, y, vp.Width, y)
	}
	b.WriteString(`</g>`)
}

func writeTrace(b *strings.Builder, buf *waveform.Buffer, vp Viewport) {
	lead := buf.Leads[vp.Lead]
	first := buf.SampleIndex(vp.Start)
	last := buf.SampleIndex(vp.Start + vp.Duration)

	// One point per pixel is plenty; skip samples when zoomed out.
	step := (last - first) / vp.Width
	if step < 1 {
		step = 1
	}

	var pts strings.Builder
	for i := first; i <= last; i += step {
		t := buf.TimeAt(i) - vp.Start
		x := t / vp.Duration * float64(vp.Width)
		y := yToPixel(lead[i], vp.Height)
		fmt.Fprintf(&pts, "%.1f,%.1f ", x, y)
	}
	fmt.Fprintf(b, `<polyline fill="none" stroke="#22c55e" stroke-width="1.5" points="%s"/>`,
		strings.TrimRight(pts.String(), " "))
}

func writeMarkers(b *strings.Builder, buf *waveform.Buffer, anns []annot.Annotation, vp Viewport) {
	for _, a := range anns {
		if a.Lead != vp.Lead || a.Stale {
			continue
		}
		t := buf.TimeAt(a.SampleIndex)
		if t < vp.Start || t > vp.Start+vp.Duration {
			continue
		}
		x := (t - vp.Start) / vp.Duration * float64(vp.Width)

		color, dash := "#f59e0b", "6,3"
		label := a.Category
		if a.Source == annot.SourceDetector {
			color, dash = "#a855f7", "2,3"
			label += " (AI)"
		}
		fmt.Fprintf(b, `<line x1="%.1f" y1="0" x2="%.1f" y2="%d" stroke="%s" stroke-width="1.5" stroke-dasharray="%s"/>`,
			x, x, vp.Height, color, dash)
		fmt.Fprintf(b, `<text x="%.1f" y="28" fill="%s" font-size="11" text-anchor="middle">%s</text>`,
			x, color, xmlEscape(label))
	}
}

func yToPixel(mv float64, height int) float64 {
	frac := (yMax - mv) / (yMax - yMin)
	return frac * float64(height)
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func xmlEscape(s string) string { return xmlEscaper.Replace(s) }
