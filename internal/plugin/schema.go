// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id of the descriptor document schema. Descriptor files
// may reference it from a yaml-language-server modeline.
const SchemaID = "https://plughost.dev/schemas/plugin.schema.json"

// semverPattern is the strict form accepted by ParseDescriptor: no leading
// "v", no missing minor or patch component.
const semverPattern = `^(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`

var fieldDescriptions = map[string]string{
	"id":           "Unique plugin identity. Lowercase, dot or dash separated.",
	"version":      "Semantic version of this build.",
	"runtime":      "Runtime that opens the entry.",
	"entry":        "Module entry, relative to the descriptor directory.",
	"dependencies": "Plugins that must be running before this one initializes.",
	"capabilities": "Capability tags the plugin advertises and requests.",
	"config":       "Default configuration handed to Initialize.",
}

// GenerateSchema returns the JSON Schema of the descriptor document.
func GenerateSchema() ([]byte, error) {
	data, err := json.MarshalIndent(descriptorSchema(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// descriptorSchema reflects Document and tightens what struct tags cannot
// express: version fields must be strict semver.
func descriptorSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{DoNotReference: true}
	s := r.Reflect(&Document{})
	s.ID = jsonschema.ID(SchemaID)
	s.Title = "plughost plugin descriptor"
	s.Description = "Schema for " + DescriptorFile + " descriptor documents"

	for name, text := range fieldDescriptions {
		if p, ok := s.Properties.Get(name); ok {
			p.Description = text
		}
	}
	if p, ok := s.Properties.Get("version"); ok {
		p.Pattern = semverPattern
	}
	if deps, ok := s.Properties.Get("dependencies"); ok && deps.Items != nil {
		for _, name := range []string{"min_version", "max_version"} {
			if p, ok := deps.Items.Properties.Get(name); ok {
				p.Pattern = semverPattern
			}
		}
		if p, ok := deps.Items.Properties.Get("id"); ok {
			p.Pattern = idPattern.String()
		}
	}
	return s
}

var compiledSchema = sync.OnceValues(func() (*jschema.Schema, error) {
	raw, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	c := jschema.NewCompiler()
	if err := c.AddResource(SchemaID, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	return c.Compile(SchemaID)
})

// SchemaError is a descriptor document that does not match the schema.
type SchemaError struct {
	// Field is the JSON pointer of the first offending value. Empty means
	// the document root.
	Field string
	cause error
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("descriptor does not match schema: %v", e.cause)
	}
	return fmt.Sprintf("descriptor field %s does not match schema: %v", e.Field, e.cause)
}

func (e *SchemaError) Unwrap() error { return e.cause }

// ValidateSchema checks a descriptor document against the schema. Schema
// violations are returned as *SchemaError.
func ValidateSchema(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("descriptor is empty")
	}
	instance, err := jsonInstance(data)
	if err != nil {
		return err
	}
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}
	if err := sch.Validate(instance); err != nil {
		return &SchemaError{Field: firstField(err), cause: err}
	}
	return nil
}

// jsonInstance decodes YAML into the value model the validator works on.
// Routing through JSON keeps numbers as json.Number and rejects mappings
// with non-string keys.
func jsonInstance(data []byte) (any, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("descriptor is not a JSON-compatible document: %w", err)
	}
	return jschema.UnmarshalJSON(bytes.NewReader(raw))
}

// firstField follows the first cause chain down to its leaf and returns
// that instance location.
func firstField(err error) string {
	var ve *jschema.ValidationError
	if !errors.As(err, &ve) {
		return ""
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if len(ve.InstanceLocation) == 0 {
		return ""
	}
	return "/" + strings.Join(ve.InstanceLocation, "/")
}
