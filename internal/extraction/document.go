package extraction

import (
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"horse.fit/vofc/internal/langdetect"
	"horse.fit/vofc/internal/reader"
)

// PreparedDocument is the text the extractor can work from, plus what was learned
// about the document while preparing it.
type PreparedDocument struct {
	Text     string
	MIMEType string
	Language string
}

// PrepareDocument sniffs the document type and extracts plain text. HTML goes through
// readability, PDFs through their text layer, and text types are cleaned. Other binary
// formats and unreadable or scanned PDFs yield no text, so the extractor falls back to
// metadata mode.
func PrepareDocument(data []byte, sourceURL string) PreparedDocument {
	if len(data) == 0 {
		return PreparedDocument{}
	}

	detected := mimetype.Detect(data)
	doc := PreparedDocument{MIMEType: detected.String()}

	switch {
	case detected.Is("text/html") || detected.Is("application/xhtml+xml"):
		text, err := reader.ReadableText(data, sourceURL)
		if err == nil {
			doc.Text = text
		}
	case detected.Is("application/pdf"):
		text, err := reader.PDFText(data)
		if err == nil {
			doc.Text = text
		}
	case isTextual(detected):
		if utf8.Valid(data) {
			doc.Text = reader.CleanText(string(data))
		} else {
			doc.Text = reader.CleanText(strings.ToValidUTF8(string(data), " "))
		}
	}

	doc.Language = langdetect.DetectISO6391(doc.Text)
	return doc
}

func isTextual(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
