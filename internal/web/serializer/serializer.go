package serializer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrRequired is returned when a required property is missing
	ErrRequired = errors.New("required property missing")
	// ErrUnresolvedRef is returned for "$ref" values that name no schema
	ErrUnresolvedRef = errors.New("unresolved schema reference")
	// ErrUnsupportedValue is returned when a value cannot be coerced to the
	// schema type
	ErrUnsupportedValue = errors.New("value cannot be encoded")
)

// Schema is a JSON Schema document
type Schema = map[string]interface{}

// Encoder writes a value as JSON following a compiled schema
type Encoder func(v interface{}) ([]byte, error)

// Serializer compiles schemas into encoders and caches them by the
// canonical JSON form of the schema.
type Serializer struct {
	cache sync.Map // canonical schema -> Encoder

	mu     sync.RWMutex
	shared map[string]Schema
}

// New creates an empty serializer
func New() *Serializer {
	return &Serializer{
		shared: make(map[string]Schema),
	}
}

// AddSchema registers a shared schema that other schemas can reference
// with "$ref": "<name>".
func (s *Serializer) AddSchema(name string, schema Schema) error {
	if name == "" {
		return fmt.Errorf("shared schema name cannot be empty")
	}
	if schema == nil {
		return fmt.Errorf("shared schema %q cannot be nil", name)
	}
	if _, err := Key(schema); err != nil {
		return fmt.Errorf("shared schema %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.shared[name]; exists {
		return fmt.Errorf("shared schema %q already added", name)
	}
	s.shared[name] = schema
	return nil
}

// Schema returns a shared schema by name
func (s *Serializer) Schema(name string) (Schema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.shared[name]
	return schema, ok
}

// Schemas returns a copy of the shared schema table
func (s *Serializer) Schemas() map[string]Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schemas := make(map[string]Schema, len(s.shared))
	for name, schema := range s.shared {
		schemas[name] = schema
	}
	return schemas
}

// Key returns the cache identity of a schema
func Key(schema Schema) (string, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("schema is not valid JSON: %w", err)
	}
	return string(data), nil
}

// Compile returns the encoder for schema, compiling it on first use.
// Concurrent first uses may compile twice; the results are equivalent.
func (s *Serializer) Compile(schema Schema) (Encoder, error) {
	key, err := Key(schema)
	if err != nil {
		return nil, err
	}
	if cached, ok := s.cache.Load(key); ok {
		return cached.(Encoder), nil
	}

	c := &compiler{
		resolver: resolver{shared: s.Schemas()},
		refs:     make(map[string]*encodeFunc),
	}
	fn, err := c.compile(schema, schema, "")
	if err != nil {
		return nil, err
	}

	encoder := Encoder(func(v interface{}) ([]byte, error) {
		var buf bytes.Buffer
		if err := fn(&buf, v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	s.cache.Store(key, encoder)
	return encoder, nil
}

// Serialize encodes data with the compiled schema, or structurally when
// schema is nil.
func (s *Serializer) Serialize(data interface{}, schema Schema) ([]byte, error) {
	if schema == nil {
		var buf bytes.Buffer
		if err := encodeGeneric(&buf, data); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	encoder, err := s.Compile(schema)
	if err != nil {
		return nil, err
	}
	return encoder(data)
}

// Has reports whether schema has a cached encoder
func (s *Serializer) Has(schema Schema) bool {
	key, err := Key(schema)
	if err != nil {
		return false
	}
	_, ok := s.cache.Load(key)
	return ok
}

// Remove drops the cached encoder for schema
func (s *Serializer) Remove(schema Schema) bool {
	key, err := Key(schema)
	if err != nil {
		return false
	}
	_, ok := s.cache.LoadAndDelete(key)
	return ok
}

// Clear drops every cached encoder
func (s *Serializer) Clear() {
	s.cache.Range(func(key, _ interface{}) bool {
		s.cache.Delete(key)
		return true
	})
}

// Len returns the number of cached encoders
func (s *Serializer) Len() int {
	n := 0
	s.cache.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// schemaTypes returns the declared types of a schema. "nullable": true
// adds "null".
func schemaTypes(schema Schema) []string {
	var types []string
	switch t := schema["type"].(type) {
	case string:
		types = []string{t}
	case []string:
		types = append(types, t...)
	case []interface{}:
		for _, item := range t {
			if name, ok := item.(string); ok {
				types = append(types, name)
			}
		}
	}

	if nullable, _ := schema["nullable"].(bool); nullable && !contains(types, "null") {
		types = append(types, "null")
	}
	return types
}

// inferTypes guesses a type for schemas that omit "type"
func inferTypes(schema Schema) []string {
	if types := schemaTypes(schema); len(types) > 0 {
		return types
	}
	if _, ok := schema["properties"]; ok {
		return []string{"object"}
	}
	if _, ok := schema["additionalProperties"]; ok {
		return []string{"object"}
	}
	if _, ok := schema["items"]; ok {
		return []string{"array"}
	}
	return nil
}

// requiredNames reads the "required" keyword
func requiredNames(schema Schema) []string {
	switch r := schema["required"].(type) {
	case []string:
		return r
	case []interface{}:
		names := make([]string, 0, len(r))
		for _, item := range r {
			if name, ok := item.(string); ok {
				names = append(names, name)
			}
		}
		return names
	default:
		return nil
	}
}

// properties returns the property schemas in name order
func properties(schema Schema) ([]string, map[string]Schema) {
	raw, _ := schema["properties"].(map[string]interface{})
	props := make(map[string]Schema, len(raw))
	names := make([]string, 0, len(raw))
	for name, value := range raw {
		if sub, ok := value.(map[string]interface{}); ok {
			props[name] = sub
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, props
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
