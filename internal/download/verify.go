package download

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Verifier decides whether a stored artifact is a usable document
type Verifier interface {
	Verify(data []byte) error
}

// PDFVerifier parses the artifact with pdfcpu in relaxed mode
type PDFVerifier struct{}

func (PDFVerifier) Verify(data []byte) error {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return fmt.Errorf("missing PDF header")
	}
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(data), cfg); err != nil {
		return fmt.Errorf("invalid PDF: %w", err)
	}
	return nil
}
