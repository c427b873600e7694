package ingest

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// describePDF builds the ErrNotImplemented error for PDF uploads. PDF
// ingestion would need rasterization plus the image heuristic, which is out
// of scope; the file is still validated with pdfcpu so the user-facing
// message can say what was received instead of a bare refusal.
func describePDF(data []byte) error {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return fmt.Errorf("ingest: pdf (unreadable: %v): %w", err, ErrNotImplemented)
	}
	return fmt.Errorf("ingest: pdf processing (%d pages received): %w", ctx.PageCount, ErrNotImplemented)
}
