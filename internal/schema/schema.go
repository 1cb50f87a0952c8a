// Package schema validates wire payloads against the platform's embedded
// JSON Schemas. Schemas are compiled once at startup; validation itself is
// cheap and allocation-light, so handlers call it on every request.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Names of the embedded schemas, used with Validate.
const (
	CommandRequest  = "command_request.json"
	CommandResponse = "command_response.json"
	Event           = "event.json"
)

// Registry holds the compiled schemas.
type Registry struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema. Compilation failure means a broken
// build, so callers treat an error here as fatal.
func New() (*Registry, error) {
	compiler := jsonschema.NewCompiler()

	names := []string{CommandRequest, CommandResponse, Event}
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("schema: reading %s: %w", name, err)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("schema: parsing %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("schema: adding %s: %w", name, err)
		}
	}

	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		sch, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("schema: compiling %s: %w", name, err)
		}
		schemas[name] = sch
	}
	return &Registry{schemas: schemas}, nil
}

// Validate checks raw JSON against the named schema. The returned error's
// message enumerates the violations; callers wrap it into their own error
// taxonomy.
func (r *Registry) Validate(name string, raw []byte) error {
	sch, ok := r.schemas[name]
	if !ok {
		return fmt.Errorf("schema: unknown schema %q", name)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("schema: payload is not valid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema: %s: %w", name, err)
	}
	return nil
}

// ValidateCommandRequest checks raw against the command request schema.
func (r *Registry) ValidateCommandRequest(raw []byte) error {
	return r.Validate(CommandRequest, raw)
}

// ValidateCommandResponse checks raw against the command response schema.
func (r *Registry) ValidateCommandResponse(raw []byte) error {
	return r.Validate(CommandResponse, raw)
}
