package reader

import (
	"os"
	"strings"
	"testing"
)

func TestPDFTextReadsTextLayer(t *testing.T) {
	t.Parallel()

	data, err := os.ReadFile("testdata/site_survey.pdf")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	text, err := PDFText(data)
	if err != nil {
		t.Fatalf("PDFText returned error: %v", err)
	}
	for _, want := range []string{
		"Riverside Water Treatment Plant",
		"perimeter fence has several gaps",
		"Control room doors are propped open",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("text is missing %q: got %q", want, text)
		}
	}
}

func TestPDFTextRejectsTruncatedFile(t *testing.T) {
	t.Parallel()

	text, err := PDFText([]byte("%PDF-1.7\n1 0 obj\n<<>>\nendobj\n"))
	if err == nil {
		t.Fatalf("expected error for truncated pdf, got text %q", text)
	}
	if text != "" {
		t.Fatalf("unexpected text: got %q want empty", text)
	}
}
