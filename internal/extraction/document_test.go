package extraction

import (
	"os"
	"strings"
	"testing"
)

func TestPrepareDocumentPlainText(t *testing.T) {
	t.Parallel()

	doc := PrepareDocument([]byte("The loading dock   doors are left open during deliveries.\r\n\r\nNo staff member monitors the dock."), "")
	if !strings.HasPrefix(doc.MIMEType, "text/plain") {
		t.Fatalf("unexpected mime type: %q", doc.MIMEType)
	}
	if doc.Text != "The loading dock doors are left open during deliveries.\n\nNo staff member monitors the dock." {
		t.Fatalf("unexpected text: %q", doc.Text)
	}
	if doc.Language != "en" {
		t.Fatalf("unexpected language: got %q want en", doc.Language)
	}
}

func TestPrepareDocumentPDFWithTextLayerUsesDocumentMode(t *testing.T) {
	t.Parallel()

	data, err := os.ReadFile("testdata/site_survey.pdf")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	doc := PrepareDocument(data, "")
	if doc.MIMEType != "application/pdf" {
		t.Fatalf("unexpected mime type: %q", doc.MIMEType)
	}
	if !strings.Contains(doc.Text, "Visitor badges are not collected") {
		t.Fatalf("unexpected text: %q", doc.Text)
	}
	if got := SelectMode(doc.Text, DefaultMinTextLength); got != ModeDocument {
		t.Fatalf("unexpected mode: got %q want %q", got, ModeDocument)
	}
	if doc.Language != "en" {
		t.Fatalf("unexpected language: got %q want en", doc.Language)
	}
}

func TestPrepareDocumentUnreadablePDFUsesMetadataMode(t *testing.T) {
	t.Parallel()

	doc := PrepareDocument([]byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n"), "")
	if doc.MIMEType != "application/pdf" {
		t.Fatalf("unexpected mime type: %q", doc.MIMEType)
	}
	if doc.Text != "" {
		t.Fatalf("expected no text for pdf, got %q", doc.Text)
	}
	if SelectMode(doc.Text, DefaultMinTextLength) != ModeMetadata {
		t.Fatalf("expected metadata mode for pdf")
	}
}

func TestPrepareDocumentEmpty(t *testing.T) {
	t.Parallel()

	if doc := PrepareDocument(nil, ""); doc != (PreparedDocument{}) {
		t.Fatalf("unexpected document: %+v", doc)
	}
}
