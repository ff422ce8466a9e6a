package contentsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const changeMessageSchemaURL = "contentsync://schemas/change-message.json"

const changeMessageSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["source", "sourceId", "updatedAt"],
	"properties": {
		"source": {"type": "string", "minLength": 1},
		"sourceId": {"type": "string", "minLength": 1},
		"type": {"type": "string"},
		"slug": {"type": "string"},
		"title": {"type": "string"},
		"bodyStructured": {"type": "string"},
		"bodyRendered": {"type": "string"},
		"summary": {"type": ["string", "null"]},
		"updatedAt": {"type": "string", "format": "date-time"},
		"publishedAt": {"type": ["string", "null"], "format": "date-time"},
		"deleted": {"type": "boolean"}
	}
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledChangeMessageSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(changeMessageSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat()
		if err := compiler.AddResource(changeMessageSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile(changeMessageSchemaURL)
	})
	return schemaCompiled, schemaErr
}

// ValidateMessage checks a normalized change message against the canonical
// schema. Failures are validation errors, never retried downstream.
func ValidateMessage(msg ChangeMessage) error {
	if msg.RecordID() == "" {
		return fmt.Errorf("%w: change message has no source identity", ErrInvalidInput)
	}
	if _, err := parseChangeTime(msg.UpdatedAt); err != nil {
		return fmt.Errorf("%w: bad updatedAt %q", ErrInvalidInput, msg.UpdatedAt)
	}
	schema, err := compiledChangeMessageSchema()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: unencodable change message", ErrInvalidInput)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: unencodable change message", ErrInvalidInput)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
