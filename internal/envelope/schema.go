package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed action_schema.json
var actionSchemaJSON string

var (
	compileOnce  sync.Once
	actionSchema *jsonschema.Schema
	compileErr   error
)

// ActionSchema returns the compiled JSON Schema for a model turn's action
// array.
func ActionSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("action_schema.json", strings.NewReader(actionSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("action_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile action schema: %w", err)
			return
		}
		actionSchema = schema
	})
	return actionSchema, compileErr
}

// SchemaJSON exposes the raw embedded schema for the schema dump command.
func SchemaJSON() string { return actionSchemaJSON }

// ValidateDocument checks raw model output against the structural schema
// before decoding. Semantic rules stay with the response validator; this gate
// only rejects output that is not an array of recognizable action objects.
func ValidateDocument(data []byte) error {
	schema, err := ActionSchema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("actions are not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("actions do not match schema: %w", err)
	}
	return nil
}
