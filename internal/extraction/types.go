package extraction

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrExtractionTimeout means the model call did not answer within its budget.
	ErrExtractionTimeout = errors.New("extraction call timed out")
	// ErrExtractionCallFailed means the model call failed or returned a non-2xx status.
	ErrExtractionCallFailed = errors.New("extraction call failed")
	// ErrExtractionParse means the model answer matched no known response shape.
	ErrExtractionParse = errors.New("extraction response could not be parsed")
)

const (
	ModeDocument = "document"
	ModeMetadata = "metadata"
)

// DocumentMetadata is the prompt context derived from a submission payload.
type DocumentMetadata struct {
	Title        string
	Organization string
	Year         string
	Path         string
	Language     string
}

// SourceCitation is one bibliographic reference attached to an option.
type SourceCitation struct {
	ReferenceNumber int    `json:"reference_number"`
	SourceText      string `json:"source_text,omitempty"`
}

func (c *SourceCitation) UnmarshalJSON(data []byte) error {
	var raw struct {
		ReferenceNumber  json.RawMessage `json:"reference_number"`
		ReferenceNumber2 json.RawMessage `json:"referenceNumber"`
		Ref              json.RawMessage `json:"ref"`
		SourceText       string          `json:"source_text"`
		SourceText2      string          `json:"sourceText"`
		Text             string          `json:"text"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		var n json.Number
		if numErr := json.Unmarshal(data, &n); numErr == nil {
			ref, convErr := strconv.Atoi(n.String())
			if convErr == nil {
				*c = SourceCitation{ReferenceNumber: ref}
				return nil
			}
		}
		return err
	}

	ref := 0
	for _, candidate := range []json.RawMessage{raw.ReferenceNumber, raw.ReferenceNumber2, raw.Ref} {
		if n, ok := parseLooseInt(candidate); ok {
			ref = n
			break
		}
	}

	*c = SourceCitation{
		ReferenceNumber: ref,
		SourceText:      strings.TrimSpace(firstNonEmpty(raw.SourceText, raw.SourceText2, raw.Text)),
	}
	return nil
}

// OptionRecord is one option for consideration with its citations.
type OptionRecord struct {
	Text    string           `json:"text"`
	Sources []SourceCitation `json:"sources,omitempty"`
}

func (o *OptionRecord) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		*o = OptionRecord{Text: strings.TrimSpace(plain)}
		return nil
	}

	var raw struct {
		Text           string           `json:"text"`
		Option         string           `json:"option"`
		Recommendation string           `json:"recommendation"`
		Sources        []SourceCitation `json:"sources"`
		Citations      []SourceCitation `json:"citations"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	sources := raw.Sources
	if len(sources) == 0 {
		sources = raw.Citations
	}
	*o = OptionRecord{
		Text:    strings.TrimSpace(firstNonEmpty(raw.Text, raw.Option, raw.Recommendation)),
		Sources: sources,
	}
	return nil
}

// CandidateRecord is one extracted vulnerability and its options.
type CandidateRecord struct {
	Category      string         `json:"category"`
	Vulnerability string         `json:"vulnerability"`
	Options       []OptionRecord `json:"options"`
}

func (r *CandidateRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Category                string         `json:"category"`
		Discipline              string         `json:"discipline"`
		Vulnerability           string         `json:"vulnerability"`
		Statement               string         `json:"statement"`
		Options                 []OptionRecord `json:"options"`
		OptionsForConsideration []OptionRecord `json:"options_for_consideration"`
		OFCs                    []OptionRecord `json:"ofcs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	options := raw.Options
	if len(options) == 0 {
		options = raw.OptionsForConsideration
	}
	if len(options) == 0 {
		options = raw.OFCs
	}
	*r = CandidateRecord{
		Category:      strings.TrimSpace(firstNonEmpty(raw.Category, raw.Discipline)),
		Vulnerability: strings.TrimSpace(firstNonEmpty(raw.Vulnerability, raw.Statement)),
		Options:       options,
	}
	return nil
}

func parseLooseInt(raw json.RawMessage) (int, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, false
	}
	trimmed = strings.Trim(trimmed, `"`)
	n, err := strconv.Atoi(strings.TrimSpace(trimmed))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
