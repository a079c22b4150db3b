// Package schema compiles JSON Schema descriptions into reusable validators.
// It wraps github.com/santhosh-tekuri/jsonschema/v6 and reports validation
// failures as an ordered list of path/message violations suitable for
// embedding into repair prompts.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Schema is a compiled JSON Schema. A Schema is immutable once compiled and
	// safe for concurrent use by multiple goroutines.
	Schema struct {
		name     string
		compiled *jsonschema.Schema
		rendered []byte
		object   bool
	}

	// Option configures Compile.
	Option func(*options)

	options struct {
		name  string
		draft *jsonschema.Draft
	}
)

// resourceURL is the location the description is registered under. Each
// compilation uses its own compiler so the location never collides.
const resourceURL = "schema.json"

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// WithName sets the identifier reported by Name. Providers that require a
// schema name for native structured output (e.g. OpenAI) use it verbatim.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithDraft overrides the default dialect (draft 2020-12) used when the
// description does not declare $schema.
func WithDraft(d *jsonschema.Draft) Option {
	return func(o *options) { o.draft = d }
}

// Compile compiles description into a Schema. description may be a
// json.RawMessage, []byte or string holding JSON, or any value that marshals
// to JSON (typically map[string]any). Compile returns a *CompileError when the
// description is not valid JSON or is not a valid schema for its dialect.
func Compile(description any, opts ...Option) (*Schema, error) {
	o := options{draft: jsonschema.Draft2020}
	for _, opt := range opts {
		opt(&o)
	}
	doc, err := decode(description)
	if err != nil {
		return nil, &CompileError{Cause: err}
	}
	c := jsonschema.NewCompiler()
	c.DefaultDraft(o.draft)
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, &CompileError{Cause: fmt.Errorf("add schema resource: %w", err)}
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return nil, &CompileError{Cause: err}
	}
	rendered, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, &CompileError{Cause: fmt.Errorf("render schema: %w", err)}
	}
	name := o.name
	if name == "" {
		name = titleOf(doc)
	}
	return &Schema{
		name:     sanitizeName(name),
		compiled: compiled,
		rendered: rendered,
		object:   isObjectSchema(doc),
	}, nil
}

// MustCompile is like Compile but panics on error. It is intended for package
// level schema literals and tests.
func MustCompile(description any, opts ...Option) *Schema {
	s, err := Compile(description, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks data against the schema. It returns nil when data conforms
// and a *ValidationError listing every violation otherwise. data may be any
// value that marshals to JSON.
func (s *Schema) Validate(data any) error {
	instance, err := decodeInstance(data)
	if err != nil {
		return &ValidationError{Violations: []Violation{{Message: fmt.Sprintf("value is not valid JSON: %v", err)}}}
	}
	err = s.compiled.Validate(instance)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &ValidationError{Violations: []Violation{{Message: err.Error()}}}
	}
	return &ValidationError{Violations: violations(verr), cause: verr}
}

// Name returns the schema identifier. It defaults to the sanitized schema
// title, or "schema" when the description has no title.
func (s *Schema) Name() string { return s.name }

// Render returns the canonical indented JSON form of the schema description.
func (s *Schema) Render() string { return string(s.rendered) }

// Map returns a fresh decoded copy of the schema description suitable for
// provider SDKs. It returns nil when the description is not a JSON object.
func (s *Schema) Map() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(s.rendered, &m); err != nil {
		return nil
	}
	return m
}

// IsObject reports whether the schema constrains documents to JSON objects.
func (s *Schema) IsObject() bool { return s.object }

// decodeInstance normalizes data for validation. Unlike descriptions, a Go
// string is a JSON string value, not JSON text.
func decodeInstance(data any) (any, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// decode normalizes a schema description into the representation jsonschema
// expects (numbers as json.Number, objects as map[string]any).
func decode(v any) (any, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

func titleOf(doc any) string {
	m, ok := doc.(map[string]any)
	if !ok {
		return ""
	}
	title, _ := m["title"].(string)
	return title
}

func isObjectSchema(doc any) bool {
	m, ok := doc.(map[string]any)
	if !ok {
		return false
	}
	switch t := m["type"].(type) {
	case string:
		return t == "object"
	case nil:
		_, hasProps := m["properties"]
		return hasProps
	}
	return false
}

func sanitizeName(name string) string {
	name = strings.Trim(nameSanitizer.ReplaceAllString(name, "_"), "_")
	if name == "" {
		return "schema"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
