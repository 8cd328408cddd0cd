package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"horse.fit/vofc/internal/extraction"
)

// Payload is a decoded submission payload. Unknown keys are kept so enrichment never
// drops intake metadata.
type Payload map[string]any

// DecodePayload accepts a JSON object or a JSON string that holds an encoded object.
// Null and empty payloads decode to an empty map.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Payload{}, nil
	}

	if trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, fmt.Errorf("decode payload string: %w", err)
		}
		encoded = strings.TrimSpace(encoded)
		if encoded == "" {
			return Payload{}, nil
		}
		trimmed = []byte(encoded)
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var out Payload
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload object: %w", err)
	}
	if out == nil {
		return Payload{}, nil
	}
	return out, nil
}

// Inputs are the extraction inputs derived from a payload.
type Inputs struct {
	Metadata    extraction.DocumentMetadata
	RawText     string
	DocumentURL string
	Sector      *string
	Subsector   *string
}

// DeriveInputs reads the fields intake clients are known to send.
func (p Payload) DeriveInputs() Inputs {
	return Inputs{
		Metadata: extraction.DocumentMetadata{
			Title:        p.firstString("source_title", "document_name", "title", "name"),
			Organization: p.firstString("author_org", "organization", "publisher", "agency"),
			Year:         p.firstString("publication_year", "year"),
			Path:         p.firstString("document_path", "file_path", "document_name"),
		},
		RawText:     p.firstString("raw_text", "text", "content"),
		DocumentURL: p.firstString("document_url", "source_url"),
		Sector:      optional(p.firstString("sector")),
		Subsector:   optional(p.firstString("subsector")),
	}
}

func (p Payload) firstString(keys ...string) string {
	for _, key := range keys {
		value, ok := p[key]
		if !ok || value == nil {
			continue
		}
		var text string
		switch v := value.(type) {
		case string:
			text = v
		case json.Number:
			text = v.String()
		case float64:
			text = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			text = strconv.FormatBool(v)
		default:
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return ""
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
