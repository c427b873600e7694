package ingest

import (
	"bytes"
	"fmt"
	"image"

	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/hazyhaar/ecglab/waveform"
)

// Scanned 12-lead printouts are assumed to follow the standard layout:
// three rows of four strips (a fourth row, often a rhythm strip, is
// ignored). Each cell is taken to cover stripSeconds of signal at 25 mm/s
// paper speed. This is an unconditioned fixed-ratio crop — no gridline
// detection, no calibration-pulse reading — and its output is illustrative
// only. Do not tighten it; real lead extraction is a computer-vision
// problem out of scope here.
const (
	gridCols     = 4
	gridRows     = 4
	leadRows     = 3 // rows actually mapped to leads
	profileWidth = 625
	stripSeconds = 2.5
	// traceFloor is the darkest acceptable "no trace" luminance; columns
	// whose darkest pixel is lighter than this are treated as baseline.
	traceFloor = 200
)

// extractImageLeads crops the image into a 4×4 grid and reads a column-wise
// darkest-pixel intensity profile from each of the 12 lead cells.
func extractImageLeads(data []byte) (*waveform.Buffer, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	cellW := bounds.Dx() / gridCols
	cellH := bounds.Dy() / gridRows
	if cellW < 8 || cellH < 8 {
		return nil, &waveform.ValidationError{
			Field:  "image",
			Reason: fmt.Sprintf("%dx%d too small for a %dx%d grid crop", bounds.Dx(), bounds.Dy(), gridCols, gridRows),
		}
	}

	leads := make([][]float64, 0, leadRows*gridCols)
	for i := 0; i < leadRows*gridCols; i++ {
		row, col := i/gridCols, i%gridCols
		cell := image.Rect(
			bounds.Min.X+col*cellW,
			bounds.Min.Y+row*cellH,
			bounds.Min.X+(col+1)*cellW,
			bounds.Min.Y+(row+1)*cellH,
		)
		leads = append(leads, traceProfile(img, cell))
	}

	rate := float64(profileWidth) / stripSeconds
	buf := waveform.NewBuffer(leads, rate, "")
	return buf, nil
}

// traceProfile resamples one grid cell to a fixed-width grayscale strip and
// returns, per column, the vertical position of its darkest pixel mapped to
// a millivolt-ish amplitude around the cell midline.
func traceProfile(img image.Image, cell image.Rectangle) []float64 {
	h := cell.Dy()
	gray := image.NewGray(image.Rect(0, 0, profileWidth, h))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, cell, draw.Src, nil)

	profile := make([]float64, profileWidth)
	mid := float64(h) / 2
	for x := 0; x < profileWidth; x++ {
		darkest := uint8(255)
		darkestY := -1
		for y := 0; y < h; y++ {
			v := gray.GrayAt(x, y).Y
			if v < darkest {
				darkest = v
				darkestY = y
			}
		}
		if darkestY < 0 || darkest > traceFloor {
			continue // blank column, leave at baseline
		}
		// Up on paper = positive voltage. Scale the half-cell to ~2 mV.
		profile[x] = (mid - float64(darkestY)) / mid * 2.0
	}
	return profile
}
