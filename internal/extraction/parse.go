package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ResponseShape names the adapter that accepted a model response.
type ResponseShape string

const (
	ShapeBareArray        ResponseShape = "bare_array"
	ShapeEntriesObject    ResponseShape = "entries_object"
	ShapeChatEnvelope     ResponseShape = "chat_envelope"
	ShapeGenerateEnvelope ResponseShape = "generate_envelope"
)

// envelope nesting deeper than this is treated as garbage
const maxEnvelopeDepth = 3

// ParsedResponse is the adapted model answer.
type ParsedResponse struct {
	Shape   ResponseShape
	Records []CandidateRecord
}

type adaptResult struct {
	records []CandidateRecord
	inner   string
	nested  bool
}

type responseAdapter struct {
	shape ResponseShape
	adapt func(text string) (adaptResult, bool)
}

var responseAdapters = []responseAdapter{
	{shape: ShapeBareArray, adapt: adaptBareArray},
	{shape: ShapeEntriesObject, adapt: adaptEntriesObject},
	{shape: ShapeChatEnvelope, adapt: adaptChatEnvelope},
	{shape: ShapeGenerateEnvelope, adapt: adaptGenerateEnvelope},
}

// ParseResponse turns a model response body into candidate records. Envelopes are
// unwrapped and their inner text is adapted again; the reported shape is the outermost one.
func ParseResponse(body []byte) (ParsedResponse, error) {
	return parseText(string(body), 0)
}

func parseText(raw string, depth int) (ParsedResponse, error) {
	text := StripCodeFences(raw)
	if text == "" {
		return ParsedResponse{}, fmt.Errorf("%w: empty response", ErrExtractionParse)
	}
	if depth > maxEnvelopeDepth {
		return ParsedResponse{}, fmt.Errorf("%w: envelopes nested too deep", ErrExtractionParse)
	}

	for _, adapter := range responseAdapters {
		result, ok := adapter.adapt(text)
		if !ok {
			continue
		}
		if !result.nested {
			return ParsedResponse{Shape: adapter.shape, Records: result.records}, nil
		}
		inner, err := parseText(result.inner, depth+1)
		if err != nil {
			return ParsedResponse{}, err
		}
		return ParsedResponse{Shape: adapter.shape, Records: inner.Records}, nil
	}

	return ParsedResponse{}, fmt.Errorf("%w: no adapter matched response starting %q", ErrExtractionParse, preview(text, 80))
}

// StripCodeFences removes a leading ``` line (with optional language tag) and a trailing
// ``` from model output.
func StripCodeFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	if newline := strings.IndexByte(text, '\n'); newline >= 0 {
		text = text[newline+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func adaptBareArray(text string) (adaptResult, bool) {
	if !strings.HasPrefix(text, "[") {
		return adaptResult{}, false
	}
	var records []CandidateRecord
	if err := decodeStrict(text, &records); err != nil {
		return adaptResult{}, false
	}
	return adaptResult{records: nonNil(records)}, true
}

func adaptEntriesObject(text string) (adaptResult, bool) {
	fields, ok := objectFields(text)
	if !ok {
		return adaptResult{}, false
	}
	entries, exists := fields["entries"]
	if !exists {
		return adaptResult{}, false
	}
	if bytes.Equal(bytes.TrimSpace(entries), []byte("null")) {
		return adaptResult{records: []CandidateRecord{}}, true
	}
	var records []CandidateRecord
	if err := json.Unmarshal(entries, &records); err != nil {
		return adaptResult{}, false
	}
	return adaptResult{records: nonNil(records)}, true
}

func adaptChatEnvelope(text string) (adaptResult, bool) {
	fields, ok := objectFields(text)
	if !ok {
		return adaptResult{}, false
	}
	rawChoices, exists := fields["choices"]
	if !exists {
		return adaptResult{}, false
	}
	var choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(rawChoices, &choices); err != nil || len(choices) == 0 {
		return adaptResult{}, false
	}
	if choices[0].Message.Content == nil {
		return adaptResult{}, false
	}
	return adaptResult{inner: *choices[0].Message.Content, nested: true}, true
}

func adaptGenerateEnvelope(text string) (adaptResult, bool) {
	fields, ok := objectFields(text)
	if !ok {
		return adaptResult{}, false
	}
	rawResponse, exists := fields["response"]
	if !exists {
		return adaptResult{}, false
	}
	var inner string
	if err := json.Unmarshal(rawResponse, &inner); err != nil {
		return adaptResult{}, false
	}
	return adaptResult{inner: inner, nested: true}, true
}

func objectFields(text string) (map[string]json.RawMessage, bool) {
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := decodeStrict(text, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func decodeStrict(text string, dst any) error {
	decoder := json.NewDecoder(strings.NewReader(text))
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if decoder.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

func nonNil(records []CandidateRecord) []CandidateRecord {
	if records == nil {
		return []CandidateRecord{}
	}
	return records
}

func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
