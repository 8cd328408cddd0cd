package reader

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// DefaultPDFPageLimit bounds how many pages are read from one PDF.
const DefaultPDFPageLimit = 200

// PDFText returns the cleaned text layer of a PDF. Pages without text are skipped; a
// scanned PDF with no text layer yields "" and no error.
func PDFText(data []byte) (text string, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("read pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	pages := min(r.NumPage(), DefaultPDFPageLimit)
	var b strings.Builder
	for n := 1; n <= pages; n++ {
		page := r.Page(n)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(pageText)
		b.WriteString("\n\n")
	}
	return CleanText(b.String()), nil
}
