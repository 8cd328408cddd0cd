package extraction

import (
	"fmt"
	"strings"

	"horse.fit/vofc/internal/reader"
)

const systemInstruction = "You extract physical and operational security vulnerabilities and options for consideration from assessment documents. Answer with JSON only, no prose and no markdown."

const recordSchema = `[
  {
    "category": "string, the security discipline (for example Physical Security, Access Control, Emergency Management)",
    "vulnerability": "string, one concise statement of the weakness",
    "options": [
      {
        "text": "string, one recommended mitigating action; cite sources inline as [cite: N]",
        "sources": [
          { "reference_number": 1, "source_text": "string, bibliographic reference" }
        ]
      }
    ]
  }
]`

func buildDocumentPrompt(meta DocumentMetadata, text string, maxChars int) string {
	clipped, wasClipped := reader.ClipText(text, maxChars)

	var b strings.Builder
	b.WriteString("Extract every vulnerability and its options for consideration from the document below.\n")
	b.WriteString("Return a JSON array that matches this schema exactly:\n")
	b.WriteString(recordSchema)
	b.WriteString("\n\n")
	writeMetadata(&b, meta)
	if wasClipped {
		b.WriteString("The document text was truncated; extract only from what is shown.\n")
	}
	b.WriteString("\nDocument text:\n<<<\n")
	b.WriteString(clipped)
	b.WriteString("\n>>>\n")
	return b.String()
}

func buildMetadataPrompt(meta DocumentMetadata) string {
	var b strings.Builder
	b.WriteString("The full text of this document is not available. Using only the metadata below and general\n")
	b.WriteString("knowledge of security assessments of this kind, produce best-effort structured guidance:\n")
	b.WriteString("the vulnerabilities such a document most likely describes and the options for consideration\n")
	b.WriteString("that address them. Do not refuse and do not explain; if little is known, return fewer entries.\n")
	b.WriteString("Return a JSON array that matches this schema exactly:\n")
	b.WriteString(recordSchema)
	b.WriteString("\n\n")
	writeMetadata(&b, meta)
	return b.String()
}

func writeMetadata(b *strings.Builder, meta DocumentMetadata) {
	b.WriteString("Document metadata:\n")
	fmt.Fprintf(b, "- title: %s\n", valueOrUnknown(meta.Title))
	fmt.Fprintf(b, "- organization: %s\n", valueOrUnknown(meta.Organization))
	fmt.Fprintf(b, "- year: %s\n", valueOrUnknown(meta.Year))
	if path := strings.TrimSpace(meta.Path); path != "" {
		fmt.Fprintf(b, "- file: %s\n", path)
	}
	if lang := strings.TrimSpace(meta.Language); lang != "" && lang != "en" {
		fmt.Fprintf(b, "- language: %s (write the JSON values in English)\n", lang)
	}
}

func valueOrUnknown(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return "unknown"
}
