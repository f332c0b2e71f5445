package serializer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conduit-lang/relay/internal/web/response"
)

// schemaBaseURL is the base URL under which shared and route schemas are
// registered, so a bare "$ref": "<name>" resolves to a shared schema.
const schemaBaseURL = "https://relay.local/schemas/"

// Input locations validated before the handler runs
const (
	LocationBody    = "body"
	LocationQuery   = "querystring"
	LocationParams  = "params"
	LocationHeaders = "headers"
)

// Validator validates inbound request data against JSON Schemas. Objects
// declaring "additionalProperties": false have undeclared properties
// removed before validation. Non-body locations carry strings, which are
// coerced to the declared primitive types first.
type Validator struct {
	serializer *Serializer
	cache      sync.Map // canonical schema -> *jsonschema.Schema
	seq        atomic.Int64
}

// NewValidator creates a validator that resolves shared schemas from s
func NewValidator(s *Serializer) *Validator {
	return &Validator{serializer: s}
}

// Compile compiles schema for validation, caching the result
func (v *Validator) Compile(schema Schema) (*jsonschema.Schema, error) {
	key, err := Key(schema)
	if err != nil {
		return nil, err
	}
	if cached, ok := v.cache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	for name, shared := range v.serializer.Schemas() {
		data, err := json.Marshal(shared)
		if err != nil {
			return nil, fmt.Errorf("shared schema %q: %w", name, err)
		}
		if err := compiler.AddResource(schemaBaseURL+name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to add shared schema %q: %w", name, err)
		}
	}

	url := fmt.Sprintf("%sinline-%d.json", schemaBaseURL, v.seq.Add(1))
	if err := compiler.AddResource(url, strings.NewReader(key)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	v.cache.Store(key, compiled)
	return compiled, nil
}

// Validate prunes, coerces and validates data. It returns the cleaned
// value, or a 400 HTTPError listing each failing field.
func (v *Validator) Validate(location string, schema Schema, data interface{}) (interface{}, error) {
	compiled, err := v.Compile(schema)
	if err != nil {
		return nil, err
	}

	value, err := toJSONValue(data)
	if err != nil {
		return nil, response.BadRequest(fmt.Sprintf("%s is not valid JSON data", location)).WithCause(err)
	}

	r := resolver{shared: v.serializer.Schemas()}
	value = prune(r, schema, schema, "", value, 0)
	if location != LocationBody {
		value = coerce(r, schema, schema, "", value, 0)
	}

	if err := validateValue(compiled, value); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			fields := make(map[string][]string)
			collectErrors(verr, location, fields)
			return nil, response.ValidationFailed(location, fields).WithCause(err)
		}
		return nil, response.BadRequest(err.Error()).WithCause(err)
	}
	return value, nil
}

func validateValue(schema *jsonschema.Schema, value interface{}) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("validation failed: %v", rec)
		}
	}()
	return schema.Validate(value)
}

// collectErrors flattens the leaf causes of a validation error by field
func collectErrors(verr *jsonschema.ValidationError, location string, fields map[string][]string) {
	if len(verr.Causes) == 0 {
		field := strings.ReplaceAll(strings.TrimPrefix(verr.InstanceLocation, "/"), "/", ".")
		if field == "" {
			field = location
		}
		fields[field] = append(fields[field], verr.Message)
		return
	}
	for _, cause := range verr.Causes {
		collectErrors(cause, location, fields)
	}
}

// maxDepth bounds schema walks through recursive "$ref"s
const maxDepth = 32

// effective follows "$ref" chains
func effective(r resolver, schema, root Schema, rootName string) (Schema, Schema, string) {
	for i := 0; i < maxDepth; i++ {
		ref, ok := schema["$ref"].(string)
		if !ok {
			break
		}
		target, doc, docName, _, err := r.resolve(ref, root, rootName)
		if err != nil {
			break
		}
		schema, root, rootName = target, doc, docName
	}
	return schema, root, rootName
}

// prune removes properties an object schema does not allow
func prune(r resolver, schema, root Schema, rootName string, value interface{}, depth int) interface{} {
	if depth > maxDepth {
		return value
	}
	schema, root, rootName = effective(r, schema, root, rootName)

	switch data := value.(type) {
	case map[string]interface{}:
		_, props := properties(schema)
		closed := schema["additionalProperties"] == false

		out := make(map[string]interface{}, len(data))
		for key, item := range data {
			sub, declared := props[key]
			if !declared {
				if closed {
					continue
				}
				out[key] = item
				continue
			}
			out[key] = prune(r, sub, root, rootName, item, depth+1)
		}
		return out
	case []interface{}:
		items, ok := schema["items"].(map[string]interface{})
		if !ok {
			return data
		}
		out := make([]interface{}, len(data))
		for i, item := range data {
			out[i] = prune(r, items, root, rootName, item, depth+1)
		}
		return out
	default:
		return value
	}
}

// coerce converts string values to the primitive types their schemas
// declare
func coerce(r resolver, schema, root Schema, rootName string, value interface{}, depth int) interface{} {
	if depth > maxDepth {
		return value
	}
	schema, root, rootName = effective(r, schema, root, rootName)
	types := inferTypes(schema)

	switch data := value.(type) {
	case map[string]interface{}:
		_, props := properties(schema)
		for key, item := range data {
			if sub, ok := props[key]; ok {
				data[key] = coerce(r, sub, root, rootName, item, depth+1)
			}
		}
		return data
	case []interface{}:
		if contains(types, "array") {
			items, _ := schema["items"].(map[string]interface{})
			for i, item := range data {
				if items != nil {
					data[i] = coerce(r, items, root, rootName, item, depth+1)
				}
			}
			return data
		}
		// A repeated query key against a scalar schema keeps the first value
		if len(data) > 0 && len(types) > 0 {
			return coerce(r, schema, root, rootName, data[0], depth+1)
		}
		return data
	case string:
		for _, t := range types {
			if converted, ok := coerceString(t, data); ok {
				if t == "array" {
					items, _ := schema["items"].(map[string]interface{})
					if items != nil {
						return []interface{}{coerce(r, items, root, rootName, data, depth+1)}
					}
				}
				return converted
			}
		}
		return data
	default:
		return value
	}
}

func coerceString(t, s string) (interface{}, bool) {
	switch t {
	case "string":
		return s, true
	case "number":
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	case "integer":
		n, err := strconv.ParseInt(s, 10, 64)
		return float64(n), err == nil
	case "boolean":
		switch s {
		case "true", "1":
			return true, true
		case "false", "0":
			return false, true
		}
	case "null":
		if s == "" {
			return nil, true
		}
	case "array":
		return []interface{}{s}, true
	}
	return nil, false
}

// toJSONValue converts data into the generic forms the validator accepts
func toJSONValue(data interface{}) (interface{}, error) {
	switch x := data.(type) {
	case nil, bool, string, float64, json.Number:
		return x, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for key, item := range x {
			converted, err := toJSONValue(item)
			if err != nil {
				return nil, err
			}
			out[key] = converted
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			converted, err := toJSONValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out, nil
	case map[string]string:
		out := make(map[string]interface{}, len(x))
		for key, item := range x {
			out[key] = item
		}
		return out, nil
	default:
		return roundTrip(data)
	}
}
