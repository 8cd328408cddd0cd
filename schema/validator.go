package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed submission_intake.schema.json
var intakeSchemaJSON string

//go:embed enriched_payload.schema.json
var enrichedSchemaJSON string

const (
	intakeSchemaName   = "submission_intake.schema.json"
	enrichedSchemaName = "enriched_payload.schema.json"
)

// Intake is a validated submission intake request.
type Intake struct {
	SubmissionUUID *string         `json:"submission_uuid,omitempty"`
	Kind           string          `json:"kind"`
	Source         string          `json:"source"`
	Payload        json.RawMessage `json:"payload"`
	DocumentKey    *string         `json:"document_key,omitempty"`
	DocumentName   *string         `json:"document_name,omitempty"`
	DocumentBase64 *string         `json:"document_base64,omitempty"`

	// Document is the decoded document_base64, if any.
	Document []byte `json:"-"`
}

type enrichedCounts struct {
	EnhancedExtraction []struct {
		Category string `json:"category"`
		Content  []struct {
			Type string `json:"type"`
		} `json:"content"`
	} `json:"enhanced_extraction"`
	VulnerabilitiesCount int `json:"vulnerabilities_count"`
	OptionsCount         int `json:"options_for_consideration_count"`
}

var (
	compileOnce  sync.Once
	compiled     map[string]*jsonschema.Schema
	compiledErr  error
	schemaSource = map[string]string{
		intakeSchemaName:   intakeSchemaJSON,
		enrichedSchemaName: enrichedSchemaJSON,
	}
)

func ValidateIntake(payload json.RawMessage) (*Intake, error) {
	value, err := validate(intakeSchemaName, payload)
	if err != nil {
		return nil, err
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize intake JSON: %w", err)
	}
	var intake Intake
	if err := json.Unmarshal(normalized, &intake); err != nil {
		return nil, fmt.Errorf("unmarshal intake: %w", err)
	}

	if intake.DocumentKey != nil && intake.DocumentBase64 != nil {
		return nil, fmt.Errorf("document_key and document_base64 are mutually exclusive")
	}
	if intake.DocumentBase64 != nil {
		if intake.DocumentName == nil || strings.TrimSpace(*intake.DocumentName) == "" {
			return nil, fmt.Errorf("document_name is required with document_base64")
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(*intake.DocumentBase64))
		if err != nil {
			return nil, fmt.Errorf("document_base64 is not valid base64: %w", err)
		}
		intake.Document = decoded
	}
	return &intake, nil
}

// ValidateEnrichedPayload checks a processed payload before it is written. The counts
// must agree with the grouped entries.
func ValidateEnrichedPayload(payload json.RawMessage) error {
	if _, err := validate(enrichedSchemaName, payload); err != nil {
		return err
	}

	var counts enrichedCounts
	if err := json.Unmarshal(payload, &counts); err != nil {
		return fmt.Errorf("unmarshal enriched payload: %w", err)
	}
	vulnerabilities, options := 0, 0
	for _, group := range counts.EnhancedExtraction {
		for _, entry := range group.Content {
			switch entry.Type {
			case "vulnerability":
				vulnerabilities++
			case "ofc":
				options++
			}
		}
	}
	if vulnerabilities != counts.VulnerabilitiesCount {
		return fmt.Errorf("vulnerabilities_count is %d but enhanced_extraction holds %d", counts.VulnerabilitiesCount, vulnerabilities)
	}
	if options != counts.OptionsCount {
		return fmt.Errorf("options_for_consideration_count is %d but enhanced_extraction holds %d", counts.OptionsCount, options)
	}
	return nil
}

func validate(name string, payload json.RawMessage) (any, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload JSON: %w", err)
	}

	schemas, err := loadSchemas()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if err := schemas[name].Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	return value, nil
}

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		for name, source := range schemaSource {
			if err := compiler.AddResource(name, strings.NewReader(source)); err != nil {
				compiledErr = fmt.Errorf("add schema resource %s: %w", name, err)
				return
			}
		}

		out := make(map[string]*jsonschema.Schema, len(schemaSource))
		for name := range schemaSource {
			schema, err := compiler.Compile(name)
			if err != nil {
				compiledErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[name] = schema
		}
		compiled = out
	})

	if compiledErr != nil {
		return nil, compiledErr
	}
	if compiled == nil {
		return nil, fmt.Errorf("schemas not initialized")
	}
	return compiled, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}
	return value, nil
}
